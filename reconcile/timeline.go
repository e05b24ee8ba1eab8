// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile decides how a durable projection changes when a
// historic update arrives.
//
// The live entity is overwritten unconditionally on every acceptance, so
// inserting a state "in the past" only has meaning per sink: a durable
// history store places the entry at its chronological position and fixes
// up linkage, while most time-series backends accept out-of-order points
// natively and skip this logic entirely.
//
// Thread Safety:
//
//	Timeline is NOT safe for concurrent use; callers own synchronization.
package reconcile

import (
	"sort"
	"time"
)

// Op describes how an update changed the timeline.
type Op int

const (
	// OpAppend is the common fast path: the update is chronologically
	// after the latest entry. No reflow needed.
	OpAppend Op = iota

	// OpInsert placed the update between existing entries (or before the
	// first), relinking the immediately-following entry.
	OpInsert

	// OpReplace overwrote the value of an entry with an equal
	// occurred-at. Last write wins; this is an intentional
	// simplification, not an ordering bug. Neighboring linkage is
	// untouched.
	OpReplace
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpAppend:
		return "append"
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Entry is one durable state in an entity's chronological history.
type Entry struct {
	// Value is the stored payload.
	Value string `json:"value"`

	// OccurredAt positions the entry chronologically.
	OccurredAt time.Time `json:"occurred_at"`

	// ReceivedAt and Seq record which update produced this entry, making
	// equal-occurred-at conflict outcomes observable.
	ReceivedAt time.Time `json:"received_at"`
	Seq        uint64    `json:"seq"`

	// Attributes is the producer metadata captured with the update.
	Attributes map[string]string `json:"attributes,omitempty"`

	// LastChanged is the occurred-at of the chronologically previous
	// entry, or zero for the first entry. Kept consistent on insert.
	LastChanged time.Time `json:"last_changed,omitzero"`
}

// Decision reports what Apply did.
type Decision struct {
	// Op is how the timeline changed.
	Op Op

	// Index is the entry's position after the change.
	Index int

	// Relinked is true when the entry immediately after the insertion
	// point had its LastChanged updated and must be rewritten.
	Relinked bool
}

// Timeline is an entity's durable history ordered by occurred-at.
type Timeline struct {
	entries []Entry
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Load replaces the timeline contents with entries already sorted by
// occurred-at, as read back from a durable store.
func Load(entries []Entry) *Timeline {
	t := &Timeline{entries: make([]Entry, len(entries))}
	copy(t.entries, entries)
	return t
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the timeline in chronological order.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Latest returns the chronologically last entry.
func (t *Timeline) Latest() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// At returns the entry with exactly the given occurred-at.
func (t *Timeline) At(occurredAt time.Time) (Entry, bool) {
	i := t.search(occurredAt)
	if i < len(t.entries) && t.entries[i].OccurredAt.Equal(occurredAt) {
		return t.entries[i], true
	}
	return Entry{}, false
}

// Apply integrates an update into the timeline.
//
// Description:
//
//	Implements the store-like reconciliation algorithm:
//
//	 1. Occurred-at after the latest entry: append (fast path).
//	 2. No entry with an equal occurred-at: insert at the chronological
//	    position and point the following entry's LastChanged at the new
//	    entry.
//	 3. Equal occurred-at: replace the value only, leaving neighboring
//	    linkage untouched (last write wins).
//
//	Clock skew placing occurred-at in the future relative to received-at
//	is stored as given; the engine performs no time-authority validation.
//
// Inputs:
//
//	e - The entry to integrate. LastChanged is computed here; any value
//	    the caller set is overwritten (except on replace, where the
//	    existing linkage is preserved).
//
// Outputs:
//
//	Decision - What changed and where.
func (t *Timeline) Apply(e Entry) Decision {
	i := t.search(e.OccurredAt)

	if i < len(t.entries) && t.entries[i].OccurredAt.Equal(e.OccurredAt) {
		e.LastChanged = t.entries[i].LastChanged
		t.entries[i] = e
		return Decision{Op: OpReplace, Index: i}
	}

	if i > 0 {
		e.LastChanged = t.entries[i-1].OccurredAt
	} else {
		e.LastChanged = time.Time{}
	}

	if i == len(t.entries) {
		t.entries = append(t.entries, e)
		return Decision{Op: OpAppend, Index: i}
	}

	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	t.entries[i+1].LastChanged = e.OccurredAt
	return Decision{Op: OpInsert, Index: i, Relinked: true}
}

// search returns the first index whose occurred-at is >= the target.
func (t *Timeline) search(occurredAt time.Time) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].OccurredAt.Before(occurredAt)
	})
}
