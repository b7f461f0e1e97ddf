// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
)

// TestRunUnderCPUBudgetLimitsConcurrency exercises the engine's
// independent CPU budget: with a budget of weight 1, two concurrent
// calls below verifyOffloadThreshold must never run fn at the same
// time, regardless of how large the caller's own download semaphore
// is sized.
func TestRunUnderCPUBudgetLimitsConcurrency(t *testing.T) {
	r := &run{eng: &Engine{cpuBudget: semaphore.NewWeighted(1)}}

	var inFlight int32
	var maxSeen int32
	track := func() error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = r.runUnderCPUBudget(context.Background(), 1024, track)
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	if maxSeen > 1 {
		t.Fatalf("expected at most 1 concurrent call under a weight-1 budget, saw %d", maxSeen)
	}
}

// TestRunUnderCPUBudgetOffloadsLargeFiles checks that a file at or
// above verifyOffloadThreshold runs on its own goroutine, so a
// canceled context is observed immediately instead of waiting for fn
// to return.
func TestRunUnderCPUBudgetOffloadsLargeFiles(t *testing.T) {
	r := &run{eng: &Engine{cpuBudget: semaphore.NewWeighted(1)}}

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	fn := func() error {
		close(blocked)
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.runUnderCPUBudget(ctx, verifyOffloadThreshold, fn)
	}()

	<-blocked
	cancel()

	select {
	case err := <-errCh:
		if err != errStreamCancelled {
			t.Fatalf("expected errStreamCancelled, got %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("runUnderCPUBudget did not return promptly after cancellation")
	}
}

// TestRunUnderCPUBudgetSmallFileRunsInline confirms a file below the
// offload threshold still runs fn and propagates its error without
// needing the dedicated-goroutine path.
func TestRunUnderCPUBudgetSmallFileRunsInline(t *testing.T) {
	r := &run{eng: &Engine{cpuBudget: semaphore.NewWeighted(1)}}
	sentinel := &IntegrityError{Path: "x", Kind: "md5"}
	err := r.runUnderCPUBudget(context.Background(), 1024, func() error {
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error to propagate, got %v", err)
	}
}
