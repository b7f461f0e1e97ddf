// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ia-get/ia-get/internal/ialog"
)

// Engine runs Plans against a shared Transport and a mirror-health
// table that persists across Run calls: mirror deprioritisation
// survives within one process but is never written to disk. Metrics,
// when enabled, are also shared across runs. An Engine has no other
// mutable state of its own; the per-invocation bookkeeping lives in
// the unexported run type.
type Engine struct {
	transport *Transport
	health    *mirrorHealth
	metrics   *engineMetrics
	log       *ialog.Logger

	// cpuBudget bounds MD5/SHA1/CRC32 verification and decompression to
	// runtime.NumCPU() concurrent goroutines, independent of and on top
	// of plan.ConcurrencyLimit's download-socket budget, so a batch of
	// large files finishing verification at once cannot starve the
	// transfer semaphore of CPU.
	cpuBudget *semaphore.Weighted

	// backoffFn builds the between-attempt delay schedule for one file.
	// Tests swap in a zero-delay schedule.
	backoffFn func() *backoff
}

// NewEngine constructs an Engine over an existing Transport with
// metrics disabled and a default stderr logger for warnings that have
// no Observer event of their own (e.g. mtime-preservation failures).
func NewEngine(t *Transport) *Engine {
	return &Engine{transport: t, health: newMirrorHealth(), log: ialog.Default(), cpuBudget: semaphore.NewWeighted(int64(runtime.NumCPU())), backoffFn: newBackoff}
}

// NewEngineWithMetrics constructs an Engine whose progress is also
// exported as Prometheus collectors registered against reg. A nil reg
// behaves exactly like NewEngine. The registry is constructed once by
// the caller and handed in explicitly, never held as a package global.
func NewEngineWithMetrics(t *Transport, reg prometheus.Registerer) *Engine {
	return &Engine{transport: t, health: newMirrorHealth(), metrics: newEngineMetrics(reg), log: ialog.Default(), cpuBudget: semaphore.NewWeighted(int64(runtime.NumCPU())), backoffFn: newBackoff}
}

// WithLogger replaces e's logger, returning e for chaining. A nil
// logger silences engine-level warnings entirely.
func (e *Engine) WithLogger(l *ialog.Logger) *Engine {
	e.log = l
	return e
}

// Run executes plan to completion (or until ctx is canceled), driving
// every file through its download state machine under a semaphore
// sized at plan.ConcurrencyLimit. It persists sess as files reach
// terminal states and returns a summary Result. A nil error return
// does not imply every file succeeded; check Result.Ok.
func (e *Engine) Run(ctx context.Context, plan *Plan, sess *Session, obs Observer) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", ErrInvalidInput)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: nil session", ErrInvalidInput)
	}
	if err := os.MkdirAll(plan.OutputRoot, 0o755); err != nil {
		return &Result{StartedAt: time.Now(), EndedAt: time.Now(), Fatal: &FileSystemError{Op: "mkdir", Path: plan.OutputRoot, Err: err}}, nil
	}

	r := &run{eng: e, plan: plan, session: sess, bus: newEventBus(obs), startedAt: time.Now()}
	defer r.bus.Close()
	r.bus.Emit(Event{Kind: EventPlanResolved, Total: len(plan.Files)})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tickDone := make(chan struct{})
	go r.tickLoop(runCtx, tickDone)
	defer func() { <-tickDone }()

	var fatalOnce sync.Once
	var fatal error
	markFatal := func(err error) {
		fatalOnce.Do(func() {
			fatal = err
			cancel()
		})
	}

	status := sess.All()
	limit := clampInt(plan.ConcurrencyLimit, 1, 16)
	sem := semaphore.NewWeighted(int64(limit))
	var g errgroup.Group

	for _, rec := range plan.Files {
		rec := rec
		if st, ok := status[rec.Name]; ok && st.State.Terminal() {
			r.recordOutcome(st.State)
			continue
		}
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			e.metrics.workerStarted()
			defer e.metrics.workerStopped()
			cursor := newMirrorCursor(plan.Servers())
			if _, fatalErr := r.downloadFile(runCtx, rec, cursor); fatalErr != nil {
				markFatal(fatalErr)
			}
			return nil
		})
	}
	_ = g.Wait()
	cancel() // stop the tick loop; the deferred <-tickDone joins it

	if persistErr := sess.Persist(); persistErr != nil {
		markFatal(persistErr)
	}

	completed, failed, skipped, paused, bytes := r.snapshotCounters()
	res := &Result{
		Completed: completed,
		Failed:    failed,
		Skipped:   skipped,
		Paused:    paused,
		Bytes:     bytes,
		StartedAt: r.startedAt,
		EndedAt:   time.Now(),
		Fatal:     fatal,
	}
	return res, nil
}

// tickLoop emits SessionTick events at most every 250ms until ctx ends
// or told to stop via the owning Run call closing over it.
func (r *run) tickLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	var lastBytes int64
	var lastAt = r.startedAt

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			all := r.session.All()
			var completed, failed, inProgress int
			var bytesDownloaded int64
			for _, st := range all {
				switch st.State {
				case StateCompleted:
					completed++
				case StateFailed:
					failed++
				case StateInProgress:
					inProgress++
				}
				bytesDownloaded += st.BytesOnDisk
			}
			elapsed := now.Sub(lastAt).Seconds()
			speed := 0.0
			if elapsed > 0 {
				speed = float64(bytesDownloaded-lastBytes) / elapsed
			}
			lastBytes = bytesDownloaded
			lastAt = now

			var eta float64
			remaining := len(r.plan.Files) - completed - failed
			if speed > 0 && remaining > 0 {
				avgSize := float64(bytesDownloaded) / float64(max(completed, 1))
				eta = (avgSize * float64(remaining)) / speed
			}

			r.bus.Emit(Event{
				Kind:            EventSessionTick,
				Completed:       completed,
				Failed:          failed,
				InProgress:      inProgress,
				BytesDownloaded: bytesDownloaded,
				SpeedBps:        speed,
				ETASeconds:      eta,
			})
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
