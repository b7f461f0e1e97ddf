// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Buffer bounds for the adaptive stream reader.
const (
	minBufferSize = 64 * 1024
	maxBufferSize = 8 * 1024 * 1024
)

// errStreamCancelled signals that a download's body stream was cut
// short by context cancellation rather than a transport or integrity
// failure; downloadFile treats it as a Pause, not a Failed attempt.
var errStreamCancelled = errors.New("ia-get: stream cancelled")

// buildFileURL composes a file's remote URL,
// "https://<server><dir>/<name>". url.URL.String handles the escaping
// archive.org paths sometimes need (spaces, unicode file names).
func buildFileURL(server, dir, name string) string {
	u := url.URL{
		Scheme: "https",
		Host:   server,
		Path:   dir + "/" + strings.TrimPrefix(name, "/"),
	}
	return u.String()
}

func sizeOf(rec FileRecord) int64 {
	if rec.Size == nil {
		return 0
	}
	return *rec.Size
}

func statLocalSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// shouldSkip reports whether a download is unnecessary: a local file
// already matching the expected size (and MD5, when requested).
// A record with unknown size is never skipped, since completeness
// cannot be established from the filesystem alone.
func shouldSkip(localPath string, rec FileRecord, opts EngineOptions) bool {
	info, err := os.Stat(localPath)
	if err != nil || rec.Size == nil || info.Size() != *rec.Size {
		return false
	}
	if opts.VerifyMD5 && rec.MD5 != "" {
		if err := verifyMD5(localPath, rec.MD5); err != nil {
			return false
		}
	}
	return true
}

// validContentRange checks a "bytes start-end/total" Content-Range
// header's start against the offset that was requested.
func validContentRange(cr string, offset int64) bool {
	if cr == "" {
		return offset == 0
	}
	cr = strings.TrimPrefix(cr, "bytes ")
	dash := strings.IndexByte(cr, '-')
	if dash < 0 {
		return false
	}
	start, err := strconv.ParseInt(cr[:dash], 10, 64)
	if err != nil {
		return false
	}
	return start == offset
}

// classifyDownloadErr maps an error from an attempt to the failure
// class that decides the next state-machine transition.
func classifyDownloadErr(err error) FailureClass {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return FailureIntegrity
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if he.PreferMirror() {
			return FailureTransientOtherMirror
		}
		if he.IsRetryable() {
			return FailureTransientBackoff
		}
		return FailurePermanent
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return FailureTransientBackoff
	}
	return FailurePermanent
}

// bufferSizer grows or shrinks the stream read buffer to track
// observed throughput, staying within [minBufferSize, maxBufferSize].
// It aims the buffer at roughly 100ms of data.
type bufferSizer struct {
	size int
	last time.Time
}

func newBufferSizer() *bufferSizer {
	return &bufferSizer{size: minBufferSize, last: time.Now()}
}

func (bs *bufferSizer) next(bytesSinceLast int64) int {
	now := time.Now()
	elapsed := now.Sub(bs.last)
	bs.last = now
	if elapsed <= 0 || bytesSinceLast <= 0 {
		return bs.size
	}
	bps := float64(bytesSinceLast) / elapsed.Seconds()
	target := int(bps * 0.1)
	switch {
	case target > bs.size*2 && bs.size < maxBufferSize:
		bs.size *= 2
	case target < bs.size/2 && bs.size > minBufferSize:
		bs.size /= 2
	}
	return clampInt(bs.size, minBufferSize, maxBufferSize)
}

// run carries the per-invocation state of one Engine.Run call: its own
// event bus, session handle, and terminal-outcome counters. The Engine
// itself owns the long-lived transport, mirror health table, CPU
// budget and optional metrics, which are the only state two Run calls
// share.
type run struct {
	eng     *Engine
	plan    *Plan
	session *Session
	bus     *eventBus

	mu       sync.Mutex
	counters struct {
		completed, failed, skipped, paused int
		bytes                              int64
	}
	startedAt time.Time
}

// recordOutcome is called from each file's own goroutine as it reaches
// a terminal state, so the shared counters need their own lock.
func (r *run) recordOutcome(state FileState) {
	r.mu.Lock()
	switch state {
	case StateCompleted:
		r.counters.completed++
	case StateFailed:
		r.counters.failed++
	case StateSkipped:
		r.counters.skipped++
	case StatePaused:
		r.counters.paused++
	}
	r.mu.Unlock()
	r.eng.metrics.fileFinished(state)
}

func (r *run) addBytes(n int64) {
	r.mu.Lock()
	r.counters.bytes += n
	r.mu.Unlock()
}

func (r *run) snapshotCounters() (completed, failed, skipped, paused int, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters.completed, r.counters.failed, r.counters.skipped, r.counters.paused, r.counters.bytes
}

// isDiskFull reports whether err ultimately wraps ENOSPC, the one
// file-local failure that is fatal to the whole run rather than just
// the file.
func isDiskFull(err error) bool {
	var fse *FileSystemError
	if !errors.As(err, &fse) {
		return false
	}
	return errors.Is(fse.Err, syscall.ENOSPC)
}

// downloadFile drives one file through its download state machine
// until it reaches a terminal state (or Paused on cancellation). A
// non-nil error return means the run as a whole must abort (disk
// exhaustion); the file's own terminal state is still recorded first.
func (r *run) downloadFile(ctx context.Context, rec FileRecord, cursor *mirrorCursor) (FileState, error) {
	localPath := filepath.Join(r.plan.OutputRoot, filepath.FromSlash(rec.Name))
	opts := r.plan.EngineOptions

	if shouldSkip(localPath, rec, opts) {
		size, _ := statLocalSize(localPath)
		r.session.Update(rec.Name, FileStatus{State: StateSkipped, BytesOnDisk: size, LocalPath: localPath})
		r.bus.Emit(Event{Kind: EventFileDone, Name: rec.Name, Outcome: StateSkipped})
		r.recordOutcome(StateSkipped)
		return StateSkipped, nil
	}

	bo := r.eng.backoffFn()
	maxRetries := clampInt(opts.MaxRetries, 0, 20)
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return r.pauseFile(rec.Name, localPath), nil
		default:
		}

		attempts++
		size, _ := statLocalSize(localPath)
		r.session.Update(rec.Name, FileStatus{State: StateInProgress, Attempts: attempts, LocalPath: localPath, BytesOnDisk: size})
		r.bus.Emit(Event{Kind: EventFileStart, Name: rec.Name, Size: sizeOf(rec)})

		server, ok := cursor.Pick(r.eng.health)
		if !ok {
			return r.failFile(rec.Name, localPath, fmt.Errorf("ia-get: no remaining mirrors for %s", rec.Name), ""), nil
		}

		remote := buildFileURL(server, r.plan.Dir, rec.Name)
		_, err := r.attemptDownload(ctx, remote, localPath, rec, opts)
		if err == nil {
			return r.completeFile(rec.Name, localPath, rec, server), nil
		}
		if errors.Is(err, errStreamCancelled) {
			return r.pauseFile(rec.Name, localPath), nil
		}
		if isDiskFull(err) {
			return r.failFile(rec.Name, localPath, err, server), err
		}

		class := classifyDownloadErr(err)
		r.eng.metrics.failureClass(class)
		switch class {
		case FailurePermanent:
			cursor.RemovePermanent(server)
			return r.failFile(rec.Name, localPath, err, server), nil
		case FailureTransientOtherMirror:
			cursor.AdvancePastFailure(server)
		case FailureTransientBackoff:
			r.eng.health.markBackoff(server)
		case FailureIntegrity:
			os.Remove(localPath)
		}

		if attempts > maxRetries {
			return r.failFile(rec.Name, localPath, err, server), nil
		}

		delay := bo.Next()
		var he *HTTPError
		if errors.As(err, &he) {
			if override, ok := ParseRetryAfter(he.RetryAfter); ok && override > delay {
				delay = override
			}
		}
		size, _ = statLocalSize(localPath)
		r.session.Update(rec.Name, FileStatus{State: StatePending, Attempts: attempts, LastError: err.Error(), LocalPath: localPath, BytesOnDisk: size})
		if !sleepCtx(ctx, delay) {
			return r.pauseFile(rec.Name, localPath), nil
		}
	}
}

// attemptDownload performs one request-to-verification pass. A nil error
// means the file reached Completed; errStreamCancelled means the
// caller should Pause; any other error carries a FailureClass for the
// caller to act on.
func (r *run) attemptDownload(ctx context.Context, remote, localPath string, rec FileRecord, opts EngineOptions) (FileState, error) {
	offset, haveLocal := statLocalSize(localPath)
	if !haveLocal {
		offset = 0
	}
	expected := sizeOf(rec)

	rr, err := r.eng.transport.GetRange(ctx, remote, offset, expected)
	if err != nil {
		return "", err
	}

	if rr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		if expected > 0 && offset == expected {
			return StateCompleted, r.finishAttempt(ctx, localPath, rec, opts)
		}
		os.Remove(localPath)
		return "", &IntegrityError{Path: localPath, Kind: "content-range", Expected: fmt.Sprint(expected), Actual: fmt.Sprint(offset)}
	}
	defer rr.Body.Close()

	var out *os.File
	startOffset := int64(0)
	switch rr.StatusCode {
	case http.StatusPartialContent:
		if !validContentRange(rr.ContentRange, offset) {
			os.Remove(localPath)
			return "", &IntegrityError{Path: localPath, Kind: "content-range", Expected: fmt.Sprint(offset), Actual: rr.ContentRange}
		}
		out, err = os.OpenFile(localPath, os.O_WRONLY|os.O_APPEND, 0o644)
		startOffset = offset
	case http.StatusOK:
		// Either a fresh download, or the server refused our Range and
		// sent the whole body: either way, start the local file clean.
		out, err = os.Create(localPath)
		startOffset = 0
	default:
		return "", fmt.Errorf("ia-get: unexpected status %d for %s", rr.StatusCode, remote)
	}
	if err != nil {
		return "", &FileSystemError{Op: "open", Path: localPath, Err: err}
	}

	written, serr := r.stream(ctx, rr.Body, out, rec.Name)
	closeErr := out.Close()
	if serr != nil {
		return "", serr
	}
	if closeErr != nil {
		return "", &FileSystemError{Op: "close", Path: localPath, Err: closeErr}
	}

	total := startOffset + written
	if expected > 0 && total != expected {
		return "", &IntegrityError{Path: localPath, Kind: "size", Expected: fmt.Sprint(expected), Actual: fmt.Sprint(total)}
	}

	return StateCompleted, r.finishAttempt(ctx, localPath, rec, opts)
}

// verifyOffloadThreshold is the size at or above which a verification or
// decompression pass is dispatched onto a dedicated goroutine so a
// canceled ctx returns promptly instead of waiting out a full
// io.Copy over a large file.
const verifyOffloadThreshold = 32 * 1024 * 1024

// runUnderCPUBudget acquires the engine's CPU-sized concurrency budget
// before running fn, so MD5/SHA1/CRC32 verification and decompression
// never occupy a download-semaphore slot. Files at or above
// verifyOffloadThreshold run fn on a dedicated goroutine so
// cancellation isn't stuck behind a long io.Copy.
func (r *run) runUnderCPUBudget(ctx context.Context, size int64, fn func() error) error {
	if err := r.eng.cpuBudget.Acquire(ctx, 1); err != nil {
		return errStreamCancelled
	}
	if size < verifyOffloadThreshold {
		defer r.eng.cpuBudget.Release(1)
		return fn()
	}

	done := make(chan error, 1)
	go func() {
		defer r.eng.cpuBudget.Release(1)
		done <- fn()
	}()
	select {
	case <-ctx.Done():
		return errStreamCancelled
	case err := <-done:
		return err
	}
}

// finishAttempt runs the post-stream steps: verification, mtime,
// decompression. A decompression failure is reported as an event but
// never reverts the file's Completed state.
func (r *run) finishAttempt(ctx context.Context, localPath string, rec FileRecord, opts EngineOptions) error {
	size, _ := statLocalSize(localPath)
	if err := r.runUnderCPUBudget(ctx, size, func() error {
		return verifyFile(localPath, rec, opts)
	}); err != nil {
		return err
	}
	if opts.PreserveMTime && rec.MTime != nil {
		mt := time.Unix(*rec.MTime, 0)
		if err := os.Chtimes(localPath, mt, mt); err != nil {
			r.eng.log.Warnf("preserve mtime for %s: %v", localPath, err)
		}
	}
	if opts.EnableDecompression {
		if tag, ok := CompressionTag(rec.Format, rec.Name); ok && opts.DecompressFormats[tag] {
			derr := r.runUnderCPUBudget(ctx, size, func() error {
				_, err := Decompress(tag, localPath)
				return err
			})
			if derr != nil {
				r.bus.Emit(Event{Kind: EventFileDone, Name: rec.Name + " (decompress)", Outcome: StateFailed, Err: derr})
			}
		}
	}
	return nil
}

// stream copies body into out, adapting its read buffer to observed
// throughput and emitting a Bytes event per chunk. Returns
// errStreamCancelled, unwrapped via errors.Is, when ctx ends mid-copy.
func (r *run) stream(ctx context.Context, body io.Reader, out *os.File, name string) (int64, error) {
	buf := make([]byte, maxBufferSize)
	sizer := newBufferSizer()
	readSize := minBufferSize
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, errStreamCancelled
		default:
		}

		n, rerr := body.Read(buf[:readSize])
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, &FileSystemError{Op: "write", Path: out.Name(), Err: werr}
			}
			written += int64(n)
			r.addBytes(int64(n))
			r.eng.metrics.bytesWritten(int64(n))
			r.bus.Emit(Event{Kind: EventBytes, Name: name, Delta: int64(n)})
			readSize = sizer.next(int64(n))
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, classifyRequestErr(rerr, name)
		}
	}
}

func (r *run) completeFile(name, localPath string, rec FileRecord, server string) FileState {
	size, _ := statLocalSize(localPath)
	cur := r.session.Status(name)
	r.session.Update(name, FileStatus{State: StateCompleted, BytesOnDisk: size, Attempts: cur.Attempts, LocalPath: localPath, ServerUsed: server})
	_ = r.session.Persist()
	r.bus.Emit(Event{Kind: EventFileDone, Name: name, Outcome: StateCompleted})
	r.recordOutcome(StateCompleted)
	return StateCompleted
}

func (r *run) failFile(name, localPath string, cause error, server string) FileState {
	size, _ := statLocalSize(localPath)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	cur := r.session.Status(name)
	r.session.Update(name, FileStatus{State: StateFailed, BytesOnDisk: size, Attempts: cur.Attempts, LocalPath: localPath, LastError: msg, ServerUsed: server})
	_ = r.session.Persist()
	r.bus.Emit(Event{Kind: EventFileDone, Name: name, Outcome: StateFailed, Err: cause})
	r.recordOutcome(StateFailed)
	return StateFailed
}

func (r *run) pauseFile(name, localPath string) FileState {
	size, _ := statLocalSize(localPath)
	cur := r.session.Status(name)
	r.session.Update(name, FileStatus{State: StatePaused, BytesOnDisk: size, Attempts: cur.Attempts, LastError: cur.LastError, ServerUsed: cur.ServerUsed, LocalPath: localPath})
	_ = r.session.Persist()
	r.bus.Emit(Event{Kind: EventFileDone, Name: name, Outcome: StatePaused})
	r.recordOutcome(StatePaused)
	return StatePaused
}
