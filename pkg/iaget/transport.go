// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TransportConfig configures the shared HTTP client the downloader and
// metadata fetcher drive their requests through.
type TransportConfig struct {
	// MaxIdlePerHost bounds idle connections kept open per archive
	// host. Downloads want the higher end of 8-16.
	MaxIdlePerHost int

	// IdleTimeout is how long an idle pooled connection is kept.
	IdleTimeout time.Duration

	// BaseTimeout is the minimum request timeout.
	BaseTimeout time.Duration

	// Ceiling is the maximum request timeout for large files.
	Ceiling time.Duration

	// MetadataCeiling bounds small metadata-call timeouts.
	MetadataCeiling time.Duration

	// AssumedMinThroughputBps is the throughput (bytes/sec) used to
	// size a range request's timeout: clamp(base + size/throughput,
	// base, ceiling).
	AssumedMinThroughputBps int64

	// UserAgent identifies this tool and version to the archive.
	UserAgent string
}

// DefaultTransportConfig returns the stock defaults: base timeout 30s,
// ceiling 600s, 100 KiB/s assumed minimum throughput.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdlePerHost:          16,
		IdleTimeout:             90 * time.Second,
		BaseTimeout:             30 * time.Second,
		Ceiling:                 600 * time.Second,
		MetadataCeiling:         30 * time.Second,
		AssumedMinThroughputBps: 100 * 1024,
		UserAgent:               "ia-get/1.0",
	}
}

// Transport is the connection-pooled HTTP client shared read-only by
// every worker in an Engine.
type Transport struct {
	client *http.Client
	cfg    TransportConfig
}

// NewTransport builds a Transport over a dedicated http.Transport with
// keep-alive and the configured idle-connection cap.
func NewTransport(cfg TransportConfig) *Transport {
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.MaxIdlePerHost * 4,
		MaxIdleConnsPerHost:   cfg.MaxIdlePerHost,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true, // body lengths must match Content-Length for resume math
	}
	return &Transport{
		client: &http.Client{Transport: rt},
		cfg:    cfg,
	}
}

// timeoutFor computes the effective per-request timeout for a transfer
// of expectedSize bytes: clamp(base + size/throughput, base, ceiling).
func (t *Transport) timeoutFor(expectedSize int64) time.Duration {
	if expectedSize <= 0 {
		return t.cfg.BaseTimeout
	}
	extra := time.Duration(expectedSize/max64(t.cfg.AssumedMinThroughputBps, 1)) * time.Second
	return clampDuration(t.cfg.BaseTimeout+extra, t.cfg.BaseTimeout, t.cfg.Ceiling)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (t *Transport) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	return req, nil
}

// GetMetadata issues a short-ceiling GET and returns the full response
// body. Used by C2 for the metadata endpoint.
func (t *Transport) GetMetadata(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.MetadataCeiling)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyRequestErr(err, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: url}
	}
	return io.ReadAll(resp.Body)
}

// RangeResponse is the result of a (possibly ranged) GET against a
// file URL: a streaming body plus the headers the worker needs to
// validate resume.
type RangeResponse struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentLength int64
	ContentRange  string
	AcceptRanges  bool
}

// GetRange issues a GET for url, requesting a Range starting at offset
// when offset > 0. expectedSize sizes the request timeout.
func (t *Transport) GetRange(ctx context.Context, url string, offset, expectedSize int64) (*RangeResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.timeoutFor(expectedSize))
	// cancel is intentionally not deferred here: it must outlive this
	// call and fire only when the caller closes the response body or
	// the parent context ends. wrapBodyCancel below ties the two
	// together.

	req, err := t.newRequest(reqCtx, http.MethodGet, url)
	if err != nil {
		cancel()
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyRequestErr(err, url)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return &RangeResponse{
			Body:          wrapBodyCancel(resp.Body, cancel),
			StatusCode:    resp.StatusCode,
			ContentLength: resp.ContentLength,
			ContentRange:  resp.Header.Get("Content-Range"),
			AcceptRanges:  strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		cancel()
		return &RangeResponse{StatusCode: resp.StatusCode}, nil
	default:
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: url, RetryAfter: retryAfter}
	}
}

// wrapBodyCancel returns an io.ReadCloser whose Close also cancels the
// request context, so a worker that abandons a stream mid-read (e.g.
// on cancellation) releases the connection promptly.
type bodyCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *bodyCancel) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func wrapBodyCancel(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &bodyCancel{ReadCloser: rc, cancel: cancel}
}

// Probe issues a short liveness HEAD against url.
func (t *Transport) Probe(ctx context.Context, url string) (bool, FailureClass) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := t.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return false, FailurePermanent
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false, classify(err, 0)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, FailureNone
	}
	return false, classify(nil, resp.StatusCode)
}

// FailureClass tags a failure by the recovery it calls for.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureTransientBackoff
	FailureTransientOtherMirror
	FailurePermanent
	FailureIntegrity
)

func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureTransientBackoff:
		return "transient-backoff"
	case FailureTransientOtherMirror:
		return "transient-retry-other-mirror"
	case FailurePermanent:
		return "permanent"
	case FailureIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Classify tags an error/status pair with its FailureClass. Either err
// or a non-zero statusCode may be supplied.
func Classify(err error, statusCode int) FailureClass {
	return classify(err, statusCode)
}

func classify(err error, statusCode int) FailureClass {
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) {
			return FailureTransientBackoff
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return FailureTransientBackoff
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return FailureTransientBackoff
		}
		return FailureTransientBackoff
	}
	switch statusCode {
	case 502, 503, 504, 509:
		return FailureTransientOtherMirror
	case 429, 408:
		return FailureTransientBackoff
	}
	if statusCode >= 500 {
		return FailureTransientBackoff
	}
	if statusCode >= 400 {
		return FailurePermanent
	}
	return FailureNone
}

func classifyRequestErr(err error, url string) error {
	return &NetworkError{Op: "GET", URL: url, Err: err}
}

// ParseRetryAfter parses a Retry-After header value (either seconds or
// an HTTP-date), clamped to [1s, 900s].
func ParseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return clampDuration(time.Duration(secs)*time.Second, time.Second, 900*time.Second), true
	}
	if when, err := http.ParseTime(header); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return clampDuration(d, time.Second, 900*time.Second), true
	}
	return 0, false
}
