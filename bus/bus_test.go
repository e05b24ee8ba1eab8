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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(b *Bus, key string, count int) {
	for i := 0; i < count; i++ {
		b.Publish(&Notification{
			EntityKey:  key,
			Value:      fmt.Sprint(i),
			OccurredAt: time.Now().UTC(),
			ReceivedAt: time.Now().UTC(),
		})
	}
}

// TestDeliveryInSequenceOrder verifies an active sink observes strictly
// increasing sequence numbers, even under concurrent publishers.
func TestDeliveryInSequenceOrder(t *testing.T) {
	b := New()
	mock := NewMockSink("store")
	reg := b.Subscribe(mock)
	require.NoError(t, reg.Activate())

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			publishN(b, fmt.Sprintf("sensor.%d", p), 50)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(mock.Notifications()) == 200
	}, 2*time.Second, 5*time.Millisecond)

	var prev uint64
	for _, n := range mock.Notifications() {
		assert.Greater(t, n.Seq, prev, "sequence numbers must be strictly increasing")
		prev = n.Seq
	}
}

// TestSlowSinkDoesNotBlockOthers verifies per-sink isolation: a slow
// durable-store write cannot stall a fast sink or the producer path.
func TestSlowSinkDoesNotBlockOthers(t *testing.T) {
	b := New()

	slow := NewMockSink("slow")
	slow.ConsumeDelay = 50 * time.Millisecond
	fast := NewMockSink("fast")

	slowReg := b.Subscribe(slow)
	fastReg := b.Subscribe(fast)
	require.NoError(t, slowReg.Activate())
	require.NoError(t, fastReg.Activate())

	start := time.Now()
	publishN(b, "sensor.kitchen", 10)
	assert.Less(t, time.Since(start), 40*time.Millisecond,
		"publish must never block the caller on sink I/O")

	require.Eventually(t, func() bool {
		return len(fast.Notifications()) == 10
	}, time.Second, time.Millisecond)
	assert.Less(t, len(slow.Notifications()), 10,
		"fast sink finished while slow sink is still consuming")
}

// TestNoReplayForLateSubscribers verifies the bus has no persistence.
func TestNoReplayForLateSubscribers(t *testing.T) {
	b := New()
	publishN(b, "sensor.early", 5)

	late := NewMockSink("late")
	reg := b.Subscribe(late)
	require.NoError(t, reg.Activate())

	publishN(b, "sensor.early", 1)
	require.Eventually(t, func() bool {
		return len(late.Notifications()) == 1
	}, time.Second, time.Millisecond)
	assert.Len(t, late.Notifications(), 1, "missed history is not replayed")
}

// TestPendingRegistrationQueues verifies notifications published before
// activation are delivered first, in sequence order.
func TestPendingRegistrationQueues(t *testing.T) {
	b := New()
	mock := NewMockSink("pending")
	reg := b.Subscribe(mock)

	publishN(b, "sensor.buffered", 3)
	assert.Equal(t, StatePending, reg.State())
	assert.Equal(t, 3, reg.QueueDepth())
	assert.Empty(t, mock.Notifications())

	require.NoError(t, reg.Activate())
	require.Eventually(t, func() bool {
		return len(mock.Notifications()) == 3
	}, time.Second, time.Millisecond)

	ns := mock.Notifications()
	for i := 1; i < len(ns); i++ {
		assert.Greater(t, ns[i].Seq, ns[i-1].Seq)
	}
}

// TestQueueOverflowEmitsSingleGapReport verifies that with capacity 2,
// three notifications queued before activation yield the 2 most recent
// plus one gap report, never 3 raw notifications.
func TestQueueOverflowEmitsSingleGapReport(t *testing.T) {
	b := New(WithQueueCapacity(2))
	mock := NewMockSink("overflow")
	reg := b.Subscribe(mock)

	publishN(b, "sensor.burst", 3)
	require.NoError(t, reg.Activate())

	require.Eventually(t, func() bool {
		return len(mock.Notifications()) == 2 && len(mock.Gaps()) == 1
	}, time.Second, time.Millisecond)

	ns := mock.Notifications()
	assert.Equal(t, "1", ns[0].Value, "the oldest notification was dropped")
	assert.Equal(t, "2", ns[1].Value)

	g := mock.Gaps()[0]
	assert.Equal(t, 1, g.Dropped)
	assert.Equal(t, g.FirstSeq, g.LastSeq)
	assert.Equal(t, "overflow", g.SinkName)
	assert.True(t, reg.PossibleGap())
}

// TestConsumeErrorIsIsolated verifies a failing sink never affects
// delivery to another sink.
func TestConsumeErrorIsIsolated(t *testing.T) {
	b := New()

	failing := NewMockSink("failing")
	failing.ConsumeErr = fmt.Errorf("disk full")
	healthy := NewMockSink("healthy")

	require.NoError(t, b.Subscribe(failing).Activate())
	require.NoError(t, b.Subscribe(healthy).Activate())

	publishN(b, "sensor.door", 4)

	require.Eventually(t, func() bool {
		return len(healthy.Notifications()) == 4
	}, time.Second, time.Millisecond)
}

// TestStopFromPendingDiscardsQueue verifies Stopped is reachable from
// any state and the registration leaves the bus.
func TestStopFromPendingDiscardsQueue(t *testing.T) {
	b := New()
	mock := NewMockSink("stopped")
	reg := b.Subscribe(mock)

	publishN(b, "sensor.bye", 2)
	reg.Stop(context.Background())

	assert.Equal(t, StateStopped, reg.State())
	assert.Empty(t, b.Registrations())

	publishN(b, "sensor.bye", 1)
	assert.Empty(t, mock.Notifications())
}

// TestShutdownDrainsBestEffort verifies shutdown delivers what it can
// within the deadline and stops every registration.
func TestShutdownDrainsBestEffort(t *testing.T) {
	b := New()
	mock := NewMockSink("draining")
	reg := b.Subscribe(mock)
	require.NoError(t, reg.Activate())

	publishN(b, "sensor.final", 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Shutdown(ctx)

	assert.Equal(t, StateStopped, reg.State())
	assert.Empty(t, b.Registrations())
	assert.Len(t, mock.Notifications(), 5, "pending queue drained before stop")
}

// TestStateString pins the names used in logs and the status API.
func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "draining_old", StateDrainingOld.String())
	assert.Equal(t, "starting_new", StateStartingNew.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
