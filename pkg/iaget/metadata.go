// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// archiveHosts are the hostnames recognised as the Internet Archive
// family for URL resolution in ResolveIdentifier.
var archiveHosts = map[string]bool{
	"archive.org":     true,
	"www.archive.org": true,
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ResolveIdentifier accepts either a bare identifier or a URL whose
// path begins with "/details/<identifier>" under an archive host, and
// returns the bare identifier.
func ResolveIdentifier(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidInput)
	}
	if !strings.Contains(raw, "://") {
		if identifierPattern.MatchString(raw) {
			return raw, nil
		}
		return "", fmt.Errorf("%w: %q is not a valid identifier", ErrInvalidInput, raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !archiveHosts[strings.ToLower(u.Hostname())] {
		return "", fmt.Errorf("%w: %q is not an archive.org URL", ErrInvalidInput, raw)
	}
	const prefix = "/details/"
	path := u.EscapedPath()
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("%w: %q does not point to /details/<identifier>", ErrInvalidInput, raw)
	}
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.SplitN(rest, "/", 2)[0]
	id, err := url.PathUnescape(rest)
	if err != nil || !identifierPattern.MatchString(id) {
		return "", fmt.Errorf("%w: could not extract identifier from %q", ErrInvalidInput, raw)
	}
	return id, nil
}

// metadataURL builds the normalised metadata endpoint for an
// identifier.
func metadataURL(identifier string) string {
	return fmt.Sprintf("https://archive.org/metadata/%s", url.PathEscape(identifier))
}

// wireItemDescriptor mirrors the JSON shape of archive.org's metadata
// endpoint.
type wireItemDescriptor struct {
	Dir             string      `json:"dir"`
	Server          string      `json:"server"`
	WorkableServers []string    `json:"workable_servers"`
	ItemSize        json.Number `json:"item_size"`
	Files           []wireFile  `json:"files"`
}

type wireFile struct {
	Name   string  `json:"name"`
	Source string  `json:"source,omitempty"`
	Format string  `json:"format,omitempty"`
	MTime  flexInt `json:"mtime,omitempty"`
	Size   flexInt `json:"size,omitempty"`
	MD5    string  `json:"md5,omitempty"`
	SHA1   string  `json:"sha1,omitempty"`
	CRC32  string  `json:"crc32,omitempty"`
}

// FetchDescriptor resolves identifier against /metadata/<identifier>
// and returns the normalised descriptor, retrying transient failures
// with a 3-attempt, 1s->30s backoff budget.
func FetchDescriptor(ctx context.Context, identifier string, t *Transport) (*ItemDescriptor, error) {
	id, err := ResolveIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	return fetchDescriptorFrom(ctx, id, metadataURL(id), t)
}

// fetchDescriptorFrom implements the retry loop of C2 against an
// already-resolved identifier and URL, factored out so tests can point
// it at an httptest server instead of the hardcoded archive.org host.
func fetchDescriptorFrom(ctx context.Context, id, url string, t *Transport) (*ItemDescriptor, error) {
	bo := newMetadataBackoff()
	const maxAttempts = 3

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err := t.GetMetadata(ctx, url)
		if err == nil {
			return parseDescriptor(id, body)
		}

		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		lastErr = err
		if !isTransient(err) || attempt == maxAttempts {
			break
		}
		if !sleepCtx(ctx, bo.Next()) {
			return nil, fmt.Errorf("%w", ErrCancelled)
		}
	}
	return nil, lastErr
}

func isNotFound(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == 404
	}
	return false
}

func isTransient(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.IsRetryable()
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}

// parseDescriptor decodes a wireItemDescriptor and normalises it into
// an ItemDescriptor, tolerant of archive.org's mixed string/number
// typing for size and mtime fields.
func parseDescriptor(identifier string, body []byte) (*ItemDescriptor, error) {
	var wire wireItemDescriptor
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ParseError{Context: "metadata document", Err: err}
	}
	if wire.Server == "" {
		return nil, &ParseError{Context: "metadata document", Err: fmt.Errorf("missing server field")}
	}

	desc := &ItemDescriptor{
		Identifier:       identifier,
		Dir:              wire.Dir,
		PrimaryServer:    wire.Server,
		AlternateServers: dedupeServers(wire.WorkableServers, wire.Server),
		Files:            make([]FileRecord, 0, len(wire.Files)),
	}
	if n, err := wire.ItemSize.Int64(); err == nil {
		desc.TotalSize = n
	}

	for _, f := range wire.Files {
		if f.Name == "" {
			continue
		}
		desc.Files = append(desc.Files, FileRecord{
			Name:   f.Name,
			Size:   f.Size.Value,
			Format: f.Format,
			MTime:  f.MTime.Value,
			MD5:    f.MD5,
			SHA1:   f.SHA1,
			CRC32:  f.CRC32,
		})
	}
	return desc, nil
}

// dedupeServers returns workable servers with the primary server
// removed, preserving order, so PrimaryServer never appears twice in
// ItemDescriptor.Servers().
func dedupeServers(workable []string, primary string) []string {
	out := make([]string, 0, len(workable))
	seen := map[string]bool{primary: true}
	for _, s := range workable {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
