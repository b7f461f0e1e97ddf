// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"sync"
	"time"
)

// EventKind identifies the shape of an Event.
type EventKind string

const (
	EventPlanResolved EventKind = "PlanResolved"
	EventFileStart    EventKind = "FileStart"
	EventBytes        EventKind = "Bytes"
	EventFileDone     EventKind = "FileDone"
	EventSessionTick  EventKind = "SessionTick"
)

// Event is the single type emitted to an Observer. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind
	Time time.Time

	// Name is the file name for FileStart/Bytes/FileDone events.
	Name string
	Size int64 // expected size, FileStart

	// Delta is the byte count for Bytes events.
	Delta int64

	// Outcome is the terminal FileState for FileDone events.
	Outcome FileState
	Err     error

	// Total is the plan's file count for PlanResolved.
	Total int

	// Tick fields for SessionTick.
	Completed       int
	Failed          int
	InProgress      int
	BytesDownloaded int64
	SpeedBps        float64
	ETASeconds      float64
}

// Observer receives engine progress events. Within one Engine.Run,
// OnEvent is called only from that run's single dispatcher goroutine
// (see eventBus), never from the worker goroutines directly; an
// Observer shared by concurrent runs must be safe for concurrent use.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// eventBus queues events on a bounded channel and dispatches them to a
// single Observer on a dedicated goroutine. When the channel is full,
// the incoming Bytes event is dropped rather than blocking (events
// already queued are kept); every other event kind gets a blocking
// send, so terminal state changes are never silently lost but the
// sender waits while a slow observer keeps the channel full.
type eventBus struct {
	obs  Observer
	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
}

func newEventBus(obs Observer) *eventBus {
	if obs == nil {
		obs = ObserverFunc(func(Event) {})
	}
	b := &eventBus{
		obs:  obs,
		ch:   make(chan Event, 256),
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *eventBus) run() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.ch:
			b.obs.OnEvent(e)
		case <-b.done:
			// Drain remaining buffered events before exiting so a
			// FileDone/terminal event emitted right before Close is
			// never lost.
			for {
				select {
				case e := <-b.ch:
					b.obs.OnEvent(e)
				default:
					return
				}
			}
		}
	}
}

// Emit sends e, dropping it only if the channel is saturated and e is
// a high-frequency Bytes update, the one kind that tolerates being
// coalesced.
func (b *eventBus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		if e.Kind == EventBytes {
			return
		}
		// Non-Bytes events get one blocking send so terminal state
		// changes are never silently lost; this is bounded because the
		// bus drains continuously and callers are workers, not the
		// scheduler's own hot path.
		b.ch <- e
	}
}

// Close stops the dispatcher after draining any buffered events.
func (b *eventBus) Close() {
	close(b.done)
	b.wg.Wait()
}
