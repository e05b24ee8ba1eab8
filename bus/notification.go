// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bus provides the process-wide channel that announces historic
// state changes to downstream sinks.
//
// Producers publish a notification whenever an entity accepts an update.
// Each registered sink receives notifications on its own goroutine behind
// a bounded queue, so a slow durable-store write can never stall the
// producer path or another sink. Notifications carry both the occurred-at
// and received-at timestamps plus a process-wide sequence number; the bus
// never reorders by occurred-at.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use unless noted.
package bus

import (
	"time"
)

// Notification announces that an entity accepted a historic update.
//
// Description:
//
//	Carries the full new projection, the previous projection (absent for
//	a first-ever update), and a sequence number assigned at publish time.
//	Sequence numbers are strictly increasing within a process lifetime and
//	give sinks a total order that is independent of occurred-at.
//
// Thread Safety:
//
//	Notifications are shared between subscribers and must be treated as
//	immutable after publish. No subscriber may mutate one.
type Notification struct {
	// Seq is the publish-time sequence number. Strictly increasing,
	// never reused.
	Seq uint64 `json:"seq"`

	// EntityKey identifies the entity this update belongs to.
	EntityKey string `json:"entity_key"`

	// Value is the new projected value.
	Value string `json:"value"`

	// OccurredAt is when the real-world event happened. It may be earlier
	// than any previously published OccurredAt for the same entity.
	OccurredAt time.Time `json:"occurred_at"`

	// ReceivedAt is when the update was accepted. Monotonic per entity.
	ReceivedAt time.Time `json:"received_at"`

	// Attributes is producer-defined metadata attached to the update.
	Attributes map[string]string `json:"attributes,omitempty"`

	// PrevValue and PrevOccurredAt describe the projection this update
	// replaced. Only meaningful when HasPrev is true.
	PrevValue      string    `json:"prev_value,omitempty"`
	PrevOccurredAt time.Time `json:"prev_occurred_at,omitzero"`
	HasPrev        bool      `json:"has_prev"`
}

// Historic reports whether this update describes a moment earlier than
// the projection it replaced.
func (n *Notification) Historic() bool {
	return n.HasPrev && n.OccurredAt.Before(n.PrevOccurredAt)
}

// Gap summarizes notifications a sink did not receive.
//
// A single gap report replaces the dropped notifications; the bus never
// drops silently and never emits one error per dropped item.
type Gap struct {
	// ID uniquely identifies this gap report.
	ID string `json:"id"`

	// SinkName is the sink that missed the notifications.
	SinkName string `json:"sink_name"`

	// Dropped is the number of notifications lost.
	Dropped int `json:"dropped"`

	// FirstSeq and LastSeq bound the dropped sequence numbers.
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`

	// From and To bound the received-at timestamps of the dropped
	// notifications.
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Sink is the consumer side of a registration.
//
// Description:
//
//	The bus delivers notifications and gap reports through this interface
//	on the registration's own goroutine. The full adapter contract,
//	including the drain/start swap hooks, lives in the sink package; the
//	bus only needs the delivery surface.
type Sink interface {
	// Name identifies the sink in logs, metrics, and gap reports.
	Name() string

	// Consume processes one notification. Errors are logged and isolated
	// to this sink; they never propagate to the bus or producers.
	Consume(n *Notification) error

	// ReportGap informs the sink that notifications were dropped.
	ReportGap(g Gap)
}
