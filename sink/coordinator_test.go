// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unibeck/retro-state/bus"
)

// fakeAdapter is a controllable sink for coordinator tests.
type fakeAdapter struct {
	*bus.MockSink

	drainErr   error
	drainHangs bool
	startErr   error

	drained bool
	started bool
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{MockSink: bus.NewMockSink(name)}
}

func (f *fakeAdapter) Drain(ctx context.Context) error {
	if f.drainHangs {
		// A native component that never reports stopped.
		<-ctx.Done()
		return ctx.Err()
	}
	f.drained = true
	return f.drainErr
}

func (f *fakeAdapter) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

// TestSwapHappyPath verifies the full
// Pending -> DrainingOld -> StartingNew -> Active walk.
func TestSwapHappyPath(t *testing.T) {
	b := bus.New()
	adapter := newFakeAdapter("store")
	reg := b.Subscribe(adapter)

	c := NewCoordinator(WithDrainTimeout(time.Second))
	res := c.Swap(context.Background(), reg, adapter)

	require.NoError(t, res.Err)
	assert.False(t, res.DrainTimedOut)
	assert.True(t, adapter.drained)
	assert.True(t, adapter.started)
	assert.Equal(t, bus.StateActive, reg.State())
	assert.False(t, reg.PossibleGap())
}

// TestSwapDrainTimeoutIsNotFatal verifies that with a zero drain
// timeout and a native component that never reports stopped, the swap
// still completes and the sink reaches Active with the gap flagged.
func TestSwapDrainTimeoutIsNotFatal(t *testing.T) {
	b := bus.New()
	adapter := newFakeAdapter("store")
	adapter.drainHangs = true
	reg := b.Subscribe(adapter)

	c := NewCoordinator(WithDrainTimeout(0))
	res := c.Swap(context.Background(), reg, adapter)

	require.NoError(t, res.Err)
	assert.True(t, res.DrainTimedOut)
	assert.True(t, adapter.started, "the replacement still starts after drain expiry")
	assert.Equal(t, bus.StateActive, reg.State())
	assert.True(t, reg.PossibleGap(), "drain expiry flags a possible gap")
}

// TestSwapStartFailureStopsSinkOnly verifies a start failure is fatal
// for that sink, without touching other sinks or the process.
func TestSwapStartFailureStopsSinkOnly(t *testing.T) {
	b := bus.New()

	broken := newFakeAdapter("broken")
	broken.startErr = errors.New("connection refused")
	healthy := newFakeAdapter("healthy")

	brokenReg := b.Subscribe(broken)
	healthyReg := b.Subscribe(healthy)

	c := NewCoordinator(WithDrainTimeout(time.Second))
	results := c.SwapAll(context.Background(), []SwapTarget{
		{Registration: brokenReg, Adapter: broken},
		{Registration: healthyReg, Adapter: healthy},
	})

	require.Len(t, results, 2)

	var startErr *StartError
	require.ErrorAs(t, results[0].Err, &startErr)
	assert.Equal(t, "broken", startErr.SinkName)
	assert.Equal(t, bus.StateStopped, brokenReg.State())

	require.NoError(t, results[1].Err)
	assert.Equal(t, bus.StateActive, healthyReg.State())

	// The stopped sink no longer receives traffic; the healthy one does.
	b.Publish(&bus.Notification{EntityKey: "sensor.x", Value: "1", OccurredAt: time.Now(), ReceivedAt: time.Now()})
	require.Eventually(t, func() bool {
		return len(healthy.Notifications()) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, broken.Notifications())
}

// TestSwapDeliversQueuedBeforeLive verifies notifications published
// mid-swap arrive before new live traffic, in sequence order.
func TestSwapDeliversQueuedBeforeLive(t *testing.T) {
	b := bus.New()
	adapter := newFakeAdapter("store")
	reg := b.Subscribe(adapter)

	for i := 0; i < 3; i++ {
		b.Publish(&bus.Notification{EntityKey: "sensor.q", Value: "queued", OccurredAt: time.Now(), ReceivedAt: time.Now()})
	}

	c := NewCoordinator(WithDrainTimeout(time.Second))
	res := c.Swap(context.Background(), reg, adapter)
	require.NoError(t, res.Err)

	b.Publish(&bus.Notification{EntityKey: "sensor.q", Value: "live", OccurredAt: time.Now(), ReceivedAt: time.Now()})

	require.Eventually(t, func() bool {
		return len(adapter.Notifications()) == 4
	}, time.Second, time.Millisecond)

	ns := adapter.Notifications()
	for i, want := range []string{"queued", "queued", "queued", "live"} {
		assert.Equal(t, want, ns[i].Value)
	}
	var prev uint64
	for _, n := range ns {
		assert.Greater(t, n.Seq, prev)
		prev = n.Seq
	}
}

// TestSwapRejectsWrongState verifies a registration cannot be swapped
// twice.
func TestSwapRejectsWrongState(t *testing.T) {
	b := bus.New()
	adapter := newFakeAdapter("store")
	reg := b.Subscribe(adapter)

	c := NewCoordinator(WithDrainTimeout(time.Second))
	require.NoError(t, c.Swap(context.Background(), reg, adapter).Err)

	res := c.Swap(context.Background(), reg, adapter)
	assert.Error(t, res.Err)
	assert.Equal(t, bus.StateActive, reg.State(), "a failed re-swap leaves the sink active")
}

// TestNopNative covers the no-native-component hooks.
func TestNopNative(t *testing.T) {
	var n NopNative
	assert.NoError(t, n.Stop(context.Background()))
	assert.NoError(t, n.Start(context.Background()))
}
