// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   FailureClass
	}{
		{502, FailureTransientOtherMirror},
		{503, FailureTransientOtherMirror},
		{504, FailureTransientOtherMirror},
		{509, FailureTransientOtherMirror},
		{429, FailureTransientBackoff},
		{408, FailureTransientBackoff},
		{500, FailureTransientBackoff},
		{404, FailurePermanent},
		{410, FailurePermanent},
		{422, FailurePermanent},
		{200, FailureNone},
	}
	for _, c := range cases {
		if got := Classify(nil, c.status); got != c.want {
			t.Errorf("Classify(nil, %d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestClassifyNetworkError(t *testing.T) {
	if got := Classify(errors.New("connection reset"), 0); got != FailureTransientBackoff {
		t.Errorf("Classify(network error) = %v, want transient-backoff", got)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	d, ok := ParseRetryAfter("5")
	if !ok || d != 5*time.Second {
		t.Fatalf("got %v, %v", d, ok)
	}
}

func TestParseRetryAfterClamped(t *testing.T) {
	d, ok := ParseRetryAfter("100000")
	if !ok || d != 900*time.Second {
		t.Fatalf("expected clamp to 900s, got %v", d)
	}
	d, ok = ParseRetryAfter("0")
	if !ok || d != time.Second {
		t.Fatalf("expected clamp to 1s floor, got %v", d)
	}
}

func TestParseRetryAfterEmpty(t *testing.T) {
	if _, ok := ParseRetryAfter(""); ok {
		t.Fatal("expected ok=false for empty header")
	}
}

func TestHTTPErrorIsRetryable(t *testing.T) {
	cases := map[int]bool{
		429: true, 408: true, 500: true, 502: true, 503: true, 504: true, 509: true,
		404: false, 410: false, 422: false,
	}
	for status, want := range cases {
		e := &HTTPError{StatusCode: status}
		if got := e.IsRetryable(); got != want {
			t.Errorf("HTTPError{%d}.IsRetryable() = %v, want %v", status, got, want)
		}
	}
}

func TestHTTPErrorPreferMirror(t *testing.T) {
	for _, status := range []int{502, 503, 504, 509} {
		if !(&HTTPError{StatusCode: status}).PreferMirror() {
			t.Errorf("expected %d to prefer mirror failover", status)
		}
	}
	if (&HTTPError{StatusCode: 500}).PreferMirror() {
		t.Error("500 should not prefer mirror failover over plain retry")
	}
}

func TestHTTPErrorIsSentinel(t *testing.T) {
	if !errors.Is(&HTTPError{StatusCode: 404}, ErrNotFound) {
		t.Error("404 should satisfy errors.Is(ErrNotFound)")
	}
	if !errors.Is(&HTTPError{StatusCode: 429}, ErrRateLimited) {
		t.Error("429 should satisfy errors.Is(ErrRateLimited)")
	}
}

func TestTimeoutForClamps(t *testing.T) {
	tr := NewTransport(DefaultTransportConfig())
	if got := tr.timeoutFor(0); got != 30*time.Second {
		t.Errorf("zero-size timeout: got %v, want base 30s", got)
	}
	if got := tr.timeoutFor(1); got < 30*time.Second {
		t.Errorf("small file timeout should not go below base, got %v", got)
	}
	huge := int64(1) << 40
	if got := tr.timeoutFor(huge); got != 600*time.Second {
		t.Errorf("huge file timeout should clamp to ceiling, got %v", got)
	}
}
