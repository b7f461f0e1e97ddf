// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveIdentifierBare(t *testing.T) {
	id, err := ResolveIdentifier("nasa-images-1969")
	if err != nil || id != "nasa-images-1969" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestResolveIdentifierURL(t *testing.T) {
	id, err := ResolveIdentifier("https://archive.org/details/nasa-images-1969")
	if err != nil || id != "nasa-images-1969" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestResolveIdentifierURLWithTrailingPath(t *testing.T) {
	id, err := ResolveIdentifier("https://archive.org/details/nasa-images-1969/moon.jpg")
	if err != nil || id != "nasa-images-1969" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestResolveIdentifierRejectsForeignHost(t *testing.T) {
	if _, err := ResolveIdentifier("https://example.com/details/nasa-images-1969"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestResolveIdentifierRejectsMalformed(t *testing.T) {
	if _, err := ResolveIdentifier("not a valid id!"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := ResolveIdentifier(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty input, got %v", err)
	}
}

func TestParseDescriptorToleratesStringNumbers(t *testing.T) {
	body := []byte(`{
		"dir": "/19/items/nasa-images-1969",
		"server": "ia800101.us.archive.org",
		"workable_servers": ["ia800101.us.archive.org", "ia600101.us.archive.org"],
		"item_size": "150000010",
		"files": [
			{"name": "moon.jpg", "size": "100", "format": "JPEG", "mtime": "1000000000", "md5": "abc"},
			{"name": "moon.mp4", "size": 50000000, "format": "h.264"},
			{"name": "derived.txt", "size": ""}
		]
	}`)
	desc, err := parseDescriptor("nasa-images-1969", body)
	if err != nil {
		t.Fatal(err)
	}
	if desc.PrimaryServer != "ia800101.us.archive.org" {
		t.Fatalf("unexpected primary server %q", desc.PrimaryServer)
	}
	if len(desc.AlternateServers) != 1 || desc.AlternateServers[0] != "ia600101.us.archive.org" {
		t.Fatalf("expected primary stripped from alternates, got %v", desc.AlternateServers)
	}
	if len(desc.Files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(desc.Files))
	}
	if desc.Files[0].Size == nil || *desc.Files[0].Size != 100 {
		t.Fatalf("expected moon.jpg size 100, got %v", desc.Files[0].Size)
	}
	if desc.Files[2].Size != nil {
		t.Fatalf("expected derived.txt size nil for empty string, got %v", *desc.Files[2].Size)
	}
}

func TestParseDescriptorRejectsMissingServer(t *testing.T) {
	_, err := parseDescriptor("x", []byte(`{"dir":"/d","files":[]}`))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestFetchDescriptorNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewTransport(DefaultTransportConfig())
	_, err := fetchDescriptorFrom(context.Background(), "x", srv.URL, tr)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchDescriptorRetriesTransient(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"dir":"/d","server":"s1","files":[]}`))
	}))
	defer srv.Close()

	tr := NewTransport(DefaultTransportConfig())
	desc, err := fetchDescriptorFrom(context.Background(), "x", srv.URL, tr)
	if attempts < 3 {
		t.Fatalf("expected the handler to be hit at least 3 times, got %d", attempts)
	}
	if err != nil {
		t.Fatalf("unexpected error on final attempt: %v", err)
	}
	if desc.PrimaryServer != "s1" {
		t.Fatalf("unexpected server %q", desc.PrimaryServer)
	}
}
