// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recorder is the durable history store sink.
//
// Each accepted update is written at its chronologically correct
// position in the entity's timeline, keyed so BadgerDB's lexicographic
// iteration order equals occurred-at order. Inserting an update "in the
// past" rewrites the immediately-following entry's last-changed linkage;
// an update with an occurred-at equal to an existing entry replaces that
// entry's value only (last write wins).
//
// Thread Safety:
//
//	Recorder is safe for concurrent use, though the bus delivers to it
//	on a single goroutine.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/unibeck/retro-state/bus"
	"github.com/unibeck/retro-state/reconcile"
	"github.com/unibeck/retro-state/sink"
)

// SinkName identifies this integration in config, logs, and metrics.
const SinkName = "recorder"

const (
	statePrefix = "state/"
	gapPrefix   = "gap/"
	metaStarted = "meta/started_at"
)

// Recorder is the store-like sink backed by BadgerDB.
type Recorder struct {
	db     *DB
	native sink.NativePipeline
	logger *slog.Logger

	mu        sync.Mutex
	timelines map[string]*reconcile.Timeline
}

// New creates a recorder sink over an opened history database.
//
// Inputs:
//
//	db - The history database. Must not be nil.
//	native - Stop/start hooks of the host's native recorder component.
//	         Use sink.NopNative when there is none.
//	logger - Optional; defaults to slog.Default.
func New(db *DB, native sink.NativePipeline, logger *slog.Logger) *Recorder {
	if native == nil {
		native = sink.NopNative{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		db:        db,
		native:    native,
		logger:    logger,
		timelines: make(map[string]*reconcile.Timeline),
	}
}

// Name implements bus.Sink.
func (r *Recorder) Name() string {
	return SinkName
}

// Drain implements sink.Adapter by stopping the native recorder
// component within the grace period carried by ctx.
func (r *Recorder) Drain(ctx context.Context) error {
	return r.native.Stop(ctx)
}

// Start implements sink.Adapter.
//
// Verifies the history database is writable; a failure here is fatal
// for the sink.
func (r *Recorder) Start(ctx context.Context) error {
	if r.db == nil {
		return errors.New("history database is not open")
	}
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		stamp, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return txn.Set([]byte(metaStarted), stamp)
	})
}

// Consume implements bus.Sink.
//
// Description:
//
//	Reconciles the notification against the entity's timeline and
//	persists the affected entries in one transaction: the new (or
//	replaced) entry, plus the following entry when an insert relinked
//	it.
func (r *Recorder) Consume(n *bus.Notification) error {
	tl, err := r.timeline(n.EntityKey)
	if err != nil {
		return err
	}

	entry := reconcile.Entry{
		Value:      n.Value,
		OccurredAt: n.OccurredAt,
		ReceivedAt: n.ReceivedAt,
		Seq:        n.Seq,
		Attributes: n.Attributes,
	}

	r.mu.Lock()
	dec := tl.Apply(entry)
	applied := tl.Entries()
	r.mu.Unlock()

	err = r.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		if err := writeEntry(txn, n.EntityKey, applied[dec.Index]); err != nil {
			return err
		}
		if dec.Relinked {
			return writeEntry(txn, n.EntityKey, applied[dec.Index+1])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist %s update for %s: %w", dec.Op, n.EntityKey, err)
	}

	r.logger.Debug("recorded historic state",
		"entity_key", n.EntityKey,
		"op", dec.Op.String(),
		"seq", n.Seq,
		"occurred_at", n.OccurredAt)
	return nil
}

// ReportGap implements bus.Sink by persisting the gap report alongside
// the history it punctures.
func (r *Recorder) ReportGap(g bus.Gap) {
	r.logger.Warn("recording event gap",
		"gap_id", g.ID,
		"dropped", g.Dropped,
		"first_seq", g.FirstSeq,
		"last_seq", g.LastSeq)

	payload, err := json.Marshal(g)
	if err != nil {
		r.logger.Error("marshal gap report", "gap_id", g.ID, "error", err)
		return
	}
	err = r.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte(gapPrefix+g.ID), payload)
	})
	if err != nil {
		r.logger.Error("persist gap report", "gap_id", g.ID, "error", err)
	}
}

// History returns the entity's durable timeline ordered by occurred-at.
func (r *Recorder) History(ctx context.Context, entityKey string) ([]reconcile.Entry, error) {
	tl, err := r.timeline(entityKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return tl.Entries(), nil
}

// Gaps returns every persisted gap report.
func (r *Recorder) Gaps(ctx context.Context) ([]bus.Gap, error) {
	var gaps []bus.Gap
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(gapPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var g bus.Gap
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &g)
			}); err != nil {
				return err
			}
			gaps = append(gaps, g)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read gap reports: %w", err)
	}
	return gaps, nil
}

// Close closes the history database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// timeline returns the cached timeline for an entity, loading it from
// the database on first access.
func (r *Recorder) timeline(entityKey string) (*reconcile.Timeline, error) {
	r.mu.Lock()
	tl, ok := r.timelines[entityKey]
	r.mu.Unlock()
	if ok {
		return tl, nil
	}

	entries, err := r.loadEntries(entityKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tl, ok := r.timelines[entityKey]; ok {
		return tl, nil
	}
	tl = reconcile.Load(entries)
	r.timelines[entityKey] = tl
	return tl, nil
}

func (r *Recorder) loadEntries(entityKey string) ([]reconcile.Entry, error) {
	prefix := []byte(entryPrefix(entityKey))

	var entries []reconcile.Entry
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e reconcile.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", entityKey, err)
	}
	return entries, nil
}

func writeEntry(txn *badger.Txn, entityKey string, e reconcile.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return txn.Set([]byte(entryKey(entityKey, e.OccurredAt)), payload)
}

// entryPrefix is the key prefix under which an entity's history lives.
func entryPrefix(entityKey string) string {
	return statePrefix + entityKey + "/"
}

// entryKey encodes an entry's occurred-at so that BadgerDB's
// lexicographic key order equals chronological order. The sign bit flip
// keeps pre-1970 timestamps sorting before later ones.
func entryKey(entityKey string, occurredAt time.Time) string {
	ordered := uint64(occurredAt.UnixNano()) ^ (1 << 63)
	return fmt.Sprintf("%s%016x", entryPrefix(entityKey), ordered)
}
