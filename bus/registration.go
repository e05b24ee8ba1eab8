// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a sink registration.
type State int32

const (
	// StatePending means the sink is registered but not yet receiving
	// live traffic. Notifications published now are queued.
	StatePending State = iota

	// StateDrainingOld means the native pipeline component for this
	// integration is being asked to stop and flush in-flight work.
	StateDrainingOld

	// StateStartingNew means the replacement component is initializing.
	StateStartingNew

	// StateActive means the sink receives live bus notifications.
	StateActive

	// StateStopped is terminal. Reached on fatal start failure or
	// shutdown.
	StateStopped
)

// String returns the lowercase state name used in logs and the API.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDrainingOld:
		return "draining_old"
	case StateStartingNew:
		return "starting_new"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Registration is one sink's subscription to the bus.
//
// Description:
//
//	Owns the sink's lifecycle state and its bounded queue of pending
//	notifications. The swap coordinator drives state transitions; the
//	bus enqueues into the registration on publish; a dedicated goroutine
//	(started on activation) delivers queued and live notifications to
//	the sink in sequence order.
//
// Thread Safety:
//
//	Safe for concurrent use. The queue mutex is only ever held for
//	enqueue/dequeue, never across sink I/O.
type Registration struct {
	id     string
	sink   Sink
	bus    *Bus
	logger *slog.Logger

	state       atomic.Int32
	possibleGap atomic.Bool
	discard     atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Notification
	capacity int
	closed   bool
	started  bool

	// Overflow accounting, folded into a single gap report on the next
	// delivery.
	dropped      int
	dropFirstSeq uint64
	dropLastSeq  uint64
	dropFrom     time.Time
	dropTo       time.Time

	done chan struct{}
}

func newRegistration(b *Bus, sink Sink, capacity int, logger *slog.Logger) *Registration {
	r := &Registration{
		id:       uuid.NewString(),
		sink:     sink,
		bus:      b,
		logger:   logger,
		capacity: capacity,
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.state.Store(int32(StatePending))
	return r
}

// ID returns the registration's unique identifier.
func (r *Registration) ID() string {
	return r.id
}

// SinkName returns the name of the registered sink.
func (r *Registration) SinkName() string {
	return r.sink.Name()
}

// State returns the current lifecycle state.
func (r *Registration) State() State {
	return State(r.state.Load())
}

// PossibleGap reports whether this sink may have missed events, either
// because the native pipeline's drain window expired or because the
// pending queue overflowed.
func (r *Registration) PossibleGap() bool {
	return r.possibleGap.Load()
}

// FlagPossibleGap marks the sink as having a potential event gap.
func (r *Registration) FlagPossibleGap() {
	r.possibleGap.Store(true)
}

// transition moves from one expected state to the next.
func (r *Registration) transition(from, to State) error {
	if !r.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("sink %s: cannot transition to %s from %s (want %s)",
			r.sink.Name(), to, r.State(), from)
	}
	return nil
}

// BeginDrain moves Pending -> DrainingOld.
func (r *Registration) BeginDrain() error {
	return r.transition(StatePending, StateDrainingOld)
}

// BeginStart moves DrainingOld -> StartingNew.
func (r *Registration) BeginStart() error {
	return r.transition(StateDrainingOld, StateStartingNew)
}

// Activate moves the registration to Active and starts delivery.
//
// Description:
//
//	Allowed from StartingNew (the normal swap path) or directly from
//	Pending for sinks that have no native pipeline to replace. Any gap
//	accumulated while waiting is reported first, then queued
//	notifications are delivered in sequence order, then live traffic.
//
// Outputs:
//
//	error - Non-nil if called from a state that cannot become Active.
func (r *Registration) Activate() error {
	if !r.state.CompareAndSwap(int32(StateStartingNew), int32(StateActive)) &&
		!r.state.CompareAndSwap(int32(StatePending), int32(StateActive)) {
		return fmt.Errorf("sink %s: cannot activate from %s", r.sink.Name(), r.State())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	go r.run()
	return nil
}

// Stop forces the registration to Stopped and removes it from the bus.
//
// Description:
//
//	Reachable from any state. If delivery is running, the remaining
//	queue is drained best-effort until ctx expires, after which it is
//	discarded. Safe to call multiple times.
func (r *Registration) Stop(ctx context.Context) {
	prev := State(r.state.Swap(int32(StateStopped)))

	r.mu.Lock()
	alreadyClosed := r.closed
	r.closed = true
	started := r.started
	r.cond.Broadcast()
	r.mu.Unlock()

	if started && !alreadyClosed {
		select {
		case <-r.done:
		case <-ctx.Done():
			r.discard.Store(true)
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
			<-r.done
			r.logger.Warn("discarded pending notifications on stop",
				"sink", r.sink.Name())
		}
	}

	if prev != StateStopped {
		r.logger.Info("sink registration stopped",
			"sink", r.sink.Name(), "previous_state", prev.String())
		r.bus.remove(r.id)
	}
}

// QueueDepth returns the number of notifications waiting for delivery.
func (r *Registration) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// enqueue adds a notification to the pending queue, dropping the oldest
// entry when capacity is exceeded. Returns false if the registration no
// longer accepts notifications.
func (r *Registration) enqueue(n *Notification) bool {
	if r.State() == StateStopped {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	if len(r.queue) >= r.capacity {
		oldest := r.queue[0]
		r.queue = r.queue[1:]
		if r.dropped == 0 {
			r.dropFirstSeq = oldest.Seq
			r.dropFrom = oldest.ReceivedAt
		}
		r.dropped++
		r.dropLastSeq = oldest.Seq
		r.dropTo = oldest.ReceivedAt
		r.possibleGap.Store(true)
		notificationsDropped.WithLabelValues(r.sink.Name()).Inc()
	}

	r.queue = append(r.queue, n)
	r.cond.Signal()
	return true
}

// takeGapLocked builds a gap report from the overflow counters and
// resets them. Caller must hold r.mu.
func (r *Registration) takeGapLocked() *Gap {
	if r.dropped == 0 {
		return nil
	}
	g := &Gap{
		ID:       uuid.NewString(),
		SinkName: r.sink.Name(),
		Dropped:  r.dropped,
		FirstSeq: r.dropFirstSeq,
		LastSeq:  r.dropLastSeq,
		From:     r.dropFrom,
		To:       r.dropTo,
	}
	r.dropped = 0
	r.dropFirstSeq = 0
	r.dropLastSeq = 0
	r.dropFrom = time.Time{}
	r.dropTo = time.Time{}
	return g
}

// run delivers notifications to the sink until the registration closes
// and its queue is drained.
func (r *Registration) run() {
	defer close(r.done)

	for {
		r.mu.Lock()
		for len(r.queue) == 0 && r.dropped == 0 && !r.closed {
			r.cond.Wait()
		}
		gap := r.takeGapLocked()
		batch := r.queue
		r.queue = nil
		closed := r.closed
		r.mu.Unlock()

		if r.discard.Load() {
			return
		}

		if gap != nil {
			r.logger.Warn("notification queue overflowed",
				"sink", r.sink.Name(),
				"dropped", gap.Dropped,
				"first_seq", gap.FirstSeq,
				"last_seq", gap.LastSeq)
			r.safeReportGap(*gap)
		}

		for _, n := range batch {
			if r.discard.Load() {
				return
			}
			r.safeConsume(n)
		}

		if closed && len(batch) == 0 && gap == nil {
			return
		}
	}
}

// safeConsume invokes Consume with panic recovery so one misbehaving
// sink cannot take down the process.
func (r *Registration) safeConsume(n *Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("sink panicked consuming notification",
				"sink", r.sink.Name(), "seq", n.Seq, "panic", rec)
		}
	}()
	if err := r.sink.Consume(n); err != nil {
		r.logger.Error("sink failed to consume notification",
			"sink", r.sink.Name(),
			"seq", n.Seq,
			"entity_key", n.EntityKey,
			"error", err)
		return
	}
	notificationsDelivered.WithLabelValues(r.sink.Name()).Inc()
}

// safeReportGap invokes ReportGap with panic recovery.
func (r *Registration) safeReportGap(g Gap) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("sink panicked reporting gap",
				"sink", r.sink.Name(), "gap_id", g.ID, "panic", rec)
		}
	}()
	r.sink.ReportGap(g)
}
