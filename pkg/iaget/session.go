// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sessionSchemaVersion is bumped whenever the on-disk document shape
// changes incompatibly. Unknown versions are rejected; older
// compatible versions are upgraded in memory.
const sessionSchemaVersion = 1

const sessionDirName = ".ia-get-sessions"

// sessionDoc is the on-disk JSON shape of a Session.
type sessionDoc struct {
	Version    int                   `json:"version"`
	Identifier string                `json:"identifier"`
	Descriptor ItemDescriptor        `json:"descriptor"`
	Plan       Plan                  `json:"plan"`
	FileStatus map[string]FileStatus `json:"file_status"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Session owns one item's persisted download plan and per-file status.
// All mutation flows through a single actor goroutine started by
// OpenOrCreate; callers never touch sessionDoc directly.
type Session struct {
	path string

	reqCh   chan sessionReq
	closeCh chan chan error
}

type sessionReqKind int

const (
	reqUpdate sessionReqKind = iota
	reqStatus
	reqSnapshot
	reqPersist
	reqAll
)

type sessionReq struct {
	kind   sessionReqKind
	name   string
	status FileStatus
	resp   chan sessionResp
}

type sessionResp struct {
	status FileStatus
	all    map[string]FileStatus
	bytes  []byte
	err    error
}

// OpenOrCreate implements C4's open_or_create: it picks the most
// recently modified session file matching identifier under
// "<outputRoot>/.ia-get-sessions/", or creates a new one if none
// exists. When desc/plan are non-nil they seed a freshly created
// session or reconcile file_status keys against a changed plan, per
// the invariant that the map's keys are exactly the plan's file names.
func OpenOrCreate(identifier, outputRoot string, desc *ItemDescriptor, plan *Plan) (*Session, error) {
	dir := filepath.Join(outputRoot, sessionDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &FileSystemError{Op: "mkdir", Path: dir, Err: err}
	}

	existing, err := findLatestSession(dir, identifier)
	if err != nil {
		return nil, err
	}

	var doc sessionDoc
	var path string
	now := time.Now().UTC()

	if existing != "" {
		path = existing
		doc, err = loadSessionDoc(path)
		if err != nil {
			return nil, err
		}
		if desc != nil {
			doc.Descriptor = *desc
		}
		if plan != nil {
			doc.Plan = *plan
			reconcile(&doc, plan)
		}
	} else {
		path = filepath.Join(dir, fmt.Sprintf("%s-%s.json", safeSessionName(identifier), uuid.NewString()))
		doc = sessionDoc{
			Version:    sessionSchemaVersion,
			Identifier: identifier,
			FileStatus: map[string]FileStatus{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if desc != nil {
			doc.Descriptor = *desc
		}
		if plan != nil {
			doc.Plan = *plan
			reconcile(&doc, plan)
		}
		if err := writeSessionDoc(path, &doc); err != nil {
			return nil, err
		}
	}

	s := &Session{
		path:    path,
		reqCh:   make(chan sessionReq),
		closeCh: make(chan chan error),
	}
	go s.run(doc)
	return s, nil
}

// reconcile enforces the invariant that FileStatus's keys are exactly
// plan.Files' names: new files are added as Pending, files no longer
// in the plan are dropped.
func reconcile(doc *sessionDoc, plan *Plan) {
	wanted := make(map[string]bool, len(plan.Files))
	for _, f := range plan.Files {
		wanted[f.Name] = true
		if _, ok := doc.FileStatus[f.Name]; !ok {
			doc.FileStatus[f.Name] = FileStatus{
				State:     StatePending,
				LocalPath: filepath.Join(plan.OutputRoot, filepath.FromSlash(f.Name)),
			}
		}
	}
	for name := range doc.FileStatus {
		if !wanted[name] {
			delete(doc.FileStatus, name)
		}
	}
}

func safeSessionName(identifier string) string {
	// identifiers are constrained to [A-Za-z0-9._-]+ by
	// ResolveIdentifier; callers that bypass it still must not produce
	// a path separator here.
	var b strings.Builder
	for _, r := range identifier {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// findLatestSession returns the path of the most recently modified
// session file for identifier, or "" if none exists. When several
// sessions match, the newest wins; the rest are left untouched, never
// deleted automatically.
func findLatestSession(dir, identifier string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", &FileSystemError{Op: "readdir", Path: dir, Err: err}
	}
	prefix := safeSessionName(identifier) + "-"
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	return best, nil
}

func loadSessionDoc(path string) (sessionDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sessionDoc{}, &FileSystemError{Op: "read", Path: path, Err: err}
	}
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return sessionDoc{}, &SessionCorruptError{Path: path, Err: err}
	}
	if doc.Version > sessionSchemaVersion {
		return sessionDoc{}, &SessionCorruptError{Path: path, Err: fmt.Errorf("unknown session version %d", doc.Version)}
	}
	if doc.Version < sessionSchemaVersion {
		doc = upgradeSessionDoc(doc)
	}
	if doc.FileStatus == nil {
		doc.FileStatus = map[string]FileStatus{}
	}
	return doc, nil
}

// upgradeSessionDoc upgrades an older compatible document in memory.
// There is only one schema version today; this is the hook future
// versions attach to.
func upgradeSessionDoc(doc sessionDoc) sessionDoc {
	doc.Version = sessionSchemaVersion
	return doc
}

// writeSessionDoc performs an atomic "write temp + fsync + rename" so
// readers never observe a partial document.
func writeSessionDoc(path string, doc *sessionDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &ParseError{Context: "session document", Err: err}
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return &FileSystemError{Op: "create-temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &FileSystemError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &FileSystemError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &FileSystemError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &FileSystemError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// run is the session's owning actor goroutine: every read/write of doc
// happens here, serialised by the select loop. It coalesces persists
// to at most one every 500ms, flushing immediately on request
// (terminal transitions force one via Persist).
func (s *Session) run(doc sessionDoc) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	dirty := false

	flush := func() error {
		if !dirty {
			return nil
		}
		if err := writeSessionDoc(s.path, &doc); err != nil {
			return err
		}
		dirty = false
		return nil
	}

	for {
		select {
		case req := <-s.reqCh:
			switch req.kind {
			case reqUpdate:
				doc.FileStatus[req.name] = req.status
				doc.UpdatedAt = time.Now().UTC()
				dirty = true
				req.resp <- sessionResp{}
			case reqStatus:
				req.resp <- sessionResp{status: doc.FileStatus[req.name]}
			case reqSnapshot:
				data, err := json.MarshalIndent(doc, "", "  ")
				req.resp <- sessionResp{bytes: data, err: err}
			case reqPersist:
				req.resp <- sessionResp{err: flush()}
			case reqAll:
				out := make(map[string]FileStatus, len(doc.FileStatus))
				for k, v := range doc.FileStatus {
					out[k] = v
				}
				req.resp <- sessionResp{all: out}
			}
		case <-ticker.C:
			_ = flush()
		case respCh := <-s.closeCh:
			respCh <- flush()
			return
		}
	}
}

func (s *Session) do(req sessionReq) sessionResp {
	req.resp = make(chan sessionResp, 1)
	s.reqCh <- req
	return <-req.resp
}

// Update records name's new status. Terminal transitions
// (Completed/Failed-with-no-retries/Paused) should be followed by
// Persist so the on-disk document reflects them promptly.
func (s *Session) Update(name string, status FileStatus) {
	s.do(sessionReq{kind: reqUpdate, name: name, status: status})
}

// Status returns name's current status.
func (s *Session) Status(name string) FileStatus {
	return s.do(sessionReq{kind: reqStatus, name: name}).status
}

// All returns a snapshot copy of every file's status.
func (s *Session) All() map[string]FileStatus {
	return s.do(sessionReq{kind: reqAll}).all
}

// Snapshot returns the current session document as indented JSON.
func (s *Session) Snapshot() ([]byte, error) {
	r := s.do(sessionReq{kind: reqSnapshot})
	return r.bytes, r.err
}

// Persist forces an immediate flush to disk.
func (s *Session) Persist() error {
	return s.do(sessionReq{kind: reqPersist}).err
}

// Close flushes any pending writes and stops the session's actor.
func (s *Session) Close() error {
	respCh := make(chan error, 1)
	s.closeCh <- respCh
	return <-respCh
}

// sortedSessionFiles is a small helper used by tests to assert
// deterministic ordering of a session's files.
func sortedSessionFiles(m map[string]FileStatus) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
