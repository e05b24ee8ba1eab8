// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package historic provides the timestamped-state entity abstraction.
//
// A historic entity carries an explicit occurred-at timestamp distinct
// from the received-at time stamped on acceptance. Updates may arrive
// minutes, hours, or days after the moment they describe; the entity
// never rejects an update for being temporally late. Ordering policy is
// the job of downstream sinks, which reconstruct historical truth from
// the notification stream rather than from the entity's live snapshot.
//
// Anything exposing Propose and Current satisfies the historic entity
// capability; there is no inheritance hierarchy.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use. Concurrent
//	Propose calls for the same entity race by design: the outcome is
//	last-received-wins.
package historic

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unibeck/retro-state/bus"
)

// Snapshot is an entity's projection at a point in receipt order.
type Snapshot struct {
	// Value is the opaque producer-defined payload.
	Value string `json:"value"`

	// OccurredAt is when the real-world event happened.
	OccurredAt time.Time `json:"occurred_at"`

	// ReceivedAt is when the update was accepted. Monotonic per entity.
	ReceivedAt time.Time `json:"received_at"`

	// Attributes is producer-defined metadata.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ValidationError rejects a proposed update.
//
// Propose rejects only malformed input: an unset occurred-at timestamp
// or a value that fails the producer-declared validator. Temporal order
// is never a rejection reason.
type ValidationError struct {
	EntityKey string
	Field     string
	Reason    string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid update for %s: %s %s", e.EntityKey, e.Field, e.Reason)
}

// Validator checks a proposed value against the producer's schema.
type Validator func(value string) error

// Entity is a single historic entity identified by a stable key.
//
// Description:
//
//	Created lazily by a Registry at first use and never deleted during
//	the process lifetime. Acceptance replaces the live projection
//	unconditionally, so Current always reflects the most recently
//	received update regardless of occurred-at order. This mirrors the
//	host's live-view semantics: the UI shows the latest arrival and
//	history is corrected asynchronously via the event stream.
type Entity struct {
	key       string
	bus       *bus.Bus
	validator Validator

	current atomic.Pointer[Snapshot]

	// mu serializes acceptance so received-at stays monotonic and the
	// snapshot swap happens in the same order as publication.
	mu           sync.Mutex
	lastReceived time.Time
}

// EntityOption configures an Entity at creation.
type EntityOption func(*Entity)

// WithValidator declares the producer's value schema check.
func WithValidator(v Validator) EntityOption {
	return func(e *Entity) {
		e.validator = v
	}
}

func newEntity(key string, b *bus.Bus, opts ...EntityOption) *Entity {
	e := &Entity{key: key, bus: b}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the entity's stable key.
func (e *Entity) Key() string {
	return e.key
}

// Propose submits an update to the entity.
//
// Description:
//
//	Validates the input, stamps a monotonic received-at, replaces the
//	live projection, and publishes a historic-state-changed notification
//	on the bus. Updates whose occurred-at is earlier than previously
//	seen values are still accepted; only malformed input is rejected.
//
// Inputs:
//
//	value - The new payload. Checked by the validator if one is declared.
//	occurredAt - When the real-world event happened. Must be non-zero.
//	attrs - Optional producer metadata. Copied; callers may reuse the map.
//
// Outputs:
//
//	Snapshot - The accepted projection.
//	error - *ValidationError on rejection; nil otherwise.
func (e *Entity) Propose(value string, occurredAt time.Time, attrs map[string]string) (Snapshot, error) {
	if occurredAt.IsZero() {
		return Snapshot{}, &ValidationError{
			EntityKey: e.key,
			Field:     "occurred_at",
			Reason:    "is not a valid timestamp",
		}
	}
	if e.validator != nil {
		if err := e.validator(value); err != nil {
			return Snapshot{}, &ValidationError{
				EntityKey: e.key,
				Field:     "value",
				Reason:    err.Error(),
			}
		}
	}

	var attrCopy map[string]string
	if len(attrs) > 0 {
		attrCopy = make(map[string]string, len(attrs))
		for k, v := range attrs {
			attrCopy[k] = v
		}
	}

	e.mu.Lock()
	receivedAt := time.Now().UTC()
	if !receivedAt.After(e.lastReceived) {
		receivedAt = e.lastReceived.Add(time.Nanosecond)
	}
	e.lastReceived = receivedAt

	snap := &Snapshot{
		Value:      value,
		OccurredAt: occurredAt,
		ReceivedAt: receivedAt,
		Attributes: attrCopy,
	}
	prev := e.current.Swap(snap)

	n := &bus.Notification{
		EntityKey:  e.key,
		Value:      snap.Value,
		OccurredAt: snap.OccurredAt,
		ReceivedAt: snap.ReceivedAt,
		Attributes: attrCopy,
	}
	if prev != nil {
		n.PrevValue = prev.Value
		n.PrevOccurredAt = prev.OccurredAt
		n.HasPrev = true
	}
	if e.bus != nil {
		e.bus.Publish(n)
	}
	e.mu.Unlock()

	return *snap, nil
}

// Current returns the latest accepted projection. Side-effect free.
//
// Outputs:
//
//	Snapshot - The live projection. Zero value when ok is false.
//	bool - False if the entity has never accepted an update.
func (e *Entity) Current() (Snapshot, bool) {
	snap := e.current.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// ParseTimestamp parses a producer-supplied occurred-at string.
//
// Accepts RFC 3339 (with or without sub-second precision) and Unix
// seconds with optional fraction, the formats the host's producers emit.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		whole, part := math.Modf(sec)
		return time.Unix(int64(whole), int64(part*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
