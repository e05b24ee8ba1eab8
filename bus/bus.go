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
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultQueueCapacity bounds each registration's pending queue.
	DefaultQueueCapacity = 1000

	// DefaultShutdownTimeout bounds the best-effort queue drain during
	// process shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)

var (
	notificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retrostate_notifications_published_total",
		Help: "Total historic state change notifications published",
	})

	notificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrostate_notifications_delivered_total",
		Help: "Notifications successfully consumed, by sink",
	}, []string{"sink"})

	notificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrostate_notifications_dropped_total",
		Help: "Notifications dropped from an overflowing pending queue, by sink",
	}, []string{"sink"})
)

// Bus announces historic state changes to registered sinks.
//
// Description:
//
//	Publish is fire-and-forget: notifications are stamped with a strictly
//	increasing sequence number and enqueued to every live registration.
//	Delivery to one sink never affects delivery to another. There is no
//	persistence: if no sink is registered at publish time the
//	notification is simply not delivered, and sinks registered later do
//	not receive missed history.
//
// Thread Safety: Bus is safe for concurrent use.
type Bus struct {
	logger   *slog.Logger
	capacity int

	mu   sync.RWMutex
	regs map[string]*Registration

	// publishMu serializes sequence assignment with fan-out so every
	// sink observes sequence numbers in increasing order. Held only for
	// enqueueing, never across sink I/O.
	publishMu sync.Mutex
	seq       uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCapacity sets the per-registration pending queue capacity.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger sets the logger used by the bus and its registrations.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an event bus.
//
// The bus has an explicit lifecycle: create it at process start, pass it
// to every component that needs it, and call Shutdown before exit. There
// is deliberately no package-level singleton.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:   slog.Default(),
		capacity: DefaultQueueCapacity,
		regs:     make(map[string]*Registration),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a sink in the Pending state.
//
// Description:
//
//	The registration does not receive live traffic until the swap
//	coordinator walks it to Active; notifications published in the
//	meantime accumulate in its bounded queue.
//
// Outputs:
//
//	*Registration - Handle for lifecycle transitions and inspection.
func (b *Bus) Subscribe(sink Sink) *Registration {
	r := newRegistration(b, sink, b.capacity, b.logger)

	b.mu.Lock()
	b.regs[r.id] = r
	b.mu.Unlock()

	b.logger.Info("sink subscribed", "sink", sink.Name(), "registration_id", r.id)
	return r
}

// Publish stamps the notification with the next sequence number and
// fans it out to every live registration.
//
// Description:
//
//	Never blocks on sink I/O: each registration only has its queue
//	mutated under a short-held lock. A nil notification is ignored.
func (b *Bus) Publish(n *Notification) {
	if n == nil {
		return
	}

	b.mu.RLock()
	regs := make([]*Registration, 0, len(b.regs))
	for _, r := range b.regs {
		regs = append(regs, r)
	}
	b.mu.RUnlock()

	b.publishMu.Lock()
	b.seq++
	n.Seq = b.seq
	for _, r := range regs {
		r.enqueue(n)
	}
	b.publishMu.Unlock()

	notificationsPublished.Inc()
}

// Registrations returns a snapshot of the current registrations.
func (b *Bus) Registrations() []*Registration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	regs := make([]*Registration, 0, len(b.regs))
	for _, r := range b.regs {
		regs = append(regs, r)
	}
	return regs
}

// Shutdown stops every registration, draining pending queues best-effort
// within the context deadline before discarding them.
func (b *Bus) Shutdown(ctx context.Context) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	var g errgroup.Group
	for _, r := range b.Registrations() {
		r := r
		g.Go(func() error {
			r.Stop(ctx)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Stop never returns an error
	b.logger.Info("event bus shut down")
}

// remove deletes a registration. Called from Registration.Stop.
func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.regs, id)
	b.mu.Unlock()
}

// MockSink records everything delivered to it. It is intended for tests.
type MockSink struct {
	SinkName string

	mu            sync.Mutex
	notifications []*Notification
	gaps          []Gap

	// ConsumeErr, when non-nil, is returned from every Consume call.
	ConsumeErr error

	// ConsumeDelay simulates a slow sink.
	ConsumeDelay time.Duration
}

// NewMockSink creates a recording sink with the given name.
func NewMockSink(name string) *MockSink {
	return &MockSink{SinkName: name}
}

// Name returns the sink name.
func (m *MockSink) Name() string {
	return m.SinkName
}

// Consume records the notification.
func (m *MockSink) Consume(n *Notification) error {
	if m.ConsumeDelay > 0 {
		time.Sleep(m.ConsumeDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeErr != nil {
		return m.ConsumeErr
	}
	m.notifications = append(m.notifications, n)
	return nil
}

// ReportGap records the gap report.
func (m *MockSink) ReportGap(g Gap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps = append(m.gaps, g)
}

// Notifications returns a copy of the recorded notifications.
func (m *MockSink) Notifications() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// Gaps returns a copy of the recorded gap reports.
func (m *MockSink) Gaps() []Gap {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Gap, len(m.gaps))
	copy(out, m.gaps)
	return out
}
