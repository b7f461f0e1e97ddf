// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"sync"
	"time"
)

// mirrorHealth tracks, per Engine instance, which hosts recently
// produced a Transient-backoff failure. This is process-lifetime only
// and never persisted — a long-running caller benefits from not
// immediately retrying a host that just failed, but a fresh process
// always starts clean.
type mirrorHealth struct {
	mu           sync.Mutex
	backoffUntil map[string]time.Time
}

func newMirrorHealth() *mirrorHealth {
	return &mirrorHealth{backoffUntil: map[string]time.Time{}}
}

// markBackoff deprioritises host for one minute: a mirror that
// produced a Transient-backoff in the last minute is deprioritised
// but not removed.
func (h *mirrorHealth) markBackoff(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backoffUntil[host] = time.Now().Add(time.Minute)
}

func (h *mirrorHealth) deprioritised(host string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	until, ok := h.backoffUntil[host]
	return ok && time.Now().Before(until)
}

// mirrorCursor is a single file's view of the servers able to serve
// it: primary first, then alternates in descriptor order. Each file
// owns its own cursor so a permanent failure against one file's list
// never affects another file's mirror choices.
type mirrorCursor struct {
	mu      sync.Mutex
	servers []string
	idx     int
}

func newMirrorCursor(servers []string) *mirrorCursor {
	cp := make([]string, len(servers))
	copy(cp, servers)
	return &mirrorCursor{servers: cp}
}

// Pick returns the best server to use for the next attempt: the
// current cursor position, unless that server is deprioritised and a
// later, non-deprioritised server exists, in which case that one is
// preferred without disturbing the cursor. Returns ok=false when the
// list has been exhausted by permanent-failure removals.
func (c *mirrorCursor) Pick(health *mirrorHealth) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.servers) == 0 {
		return "", false
	}
	if c.idx >= len(c.servers) {
		c.idx = 0
	}
	best := c.idx
	for i := c.idx; i < len(c.servers); i++ {
		if !health.deprioritised(c.servers[i]) {
			best = i
			break
		}
	}
	return c.servers[best], true
}

// AdvancePastFailure moves the cursor past the server that just
// returned a Transient-retry-other-mirror failure: the next attempt
// advances past the failing mirror before applying the backoff delay.
func (c *mirrorCursor) AdvancePastFailure(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.servers {
		if s == server && i >= c.idx {
			c.idx = i + 1
			return
		}
	}
}

// RemovePermanent drops server from this file's mirror list entirely:
// a mirror that returns a permanent error is removed from the
// per-file mirror list for this run.
func (c *mirrorCursor) RemovePermanent(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.servers[:0:0]
	for i, s := range c.servers {
		if s == server {
			if i < c.idx {
				c.idx--
			}
			continue
		}
		out = append(out, s)
	}
	c.servers = out
}
