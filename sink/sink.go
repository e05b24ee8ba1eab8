// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink defines the adapter contract downstream integrations
// implement to receive historic notifications, and the coordinator that
// swaps them in over the host's native pipeline without double-counting
// or silently dropping events.
//
// Thread Safety:
//
//	The Coordinator is safe for concurrent use; multiple sinks may be
//	mid-swap at once without interfering.
package sink

import (
	"context"
	"fmt"

	"github.com/unibeck/retro-state/bus"
)

// Adapter is the contract a downstream integration implements.
//
// Description:
//
//	Drain stops the host's native pipeline component for this
//	integration and flushes its in-flight work; it is given a bounded
//	deadline via ctx and an expiry is non-fatal. Start initializes the
//	replacement component that understands historic notifications; a
//	Start failure is fatal for the sink. Consume and ReportGap (from
//	bus.Sink) run on the registration's delivery goroutine.
type Adapter interface {
	bus.Sink

	// Drain asks the native pipeline to stop accepting writes and flush.
	// Returns nil once stopped, or an error (including ctx expiry) when
	// the grace window elapsed first.
	Drain(ctx context.Context) error

	// Start initializes the replacement component. A non-nil error
	// forces the sink to Stopped.
	Start(ctx context.Context) error
}

// NativePipeline is the boundary to the host's native component for an
// integration. Its internals are the host's business; this system only
// assumes the stop/drain and start hooks.
type NativePipeline interface {
	// Stop asks the component to stop accepting new writes and flush
	// in-flight work, returning once flushed or when ctx expires.
	Stop(ctx context.Context) error

	// Start restarts the component. Not called on the swap path; the
	// host may use it to restore native behavior manually after a sink
	// failure.
	Start(ctx context.Context) error
}

// NopNative is a NativePipeline for integrations that have no native
// component to replace. Stop and Start return immediately.
type NopNative struct{}

// Stop implements NativePipeline.
func (NopNative) Stop(ctx context.Context) error { return nil }

// Start implements NativePipeline.
func (NopNative) Start(ctx context.Context) error { return nil }

// StartError is the fatal failure of a replacement component.
//
// The sink is forced to Stopped and behaves as if disabled; native
// behavior is not restored automatically. The process continues serving
// other sinks and producers.
type StartError struct {
	SinkName string
	Err      error
}

// Error implements the error interface.
func (e *StartError) Error() string {
	return fmt.Sprintf("sink %s failed to start: %v", e.SinkName, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StartError) Unwrap() error {
	return e.Err
}
