// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package historic

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/unibeck/retro-state/bus"
)

// Registry creates and tracks entities by key.
//
// Description:
//
//	Entities are registered lazily at first use and live for the process
//	lifetime. The registry holds the bus reference so producers never
//	need one; every entity it creates publishes acceptance notifications
//	on the same bus.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewRegistry creates an entity registry bound to the given bus.
func NewRegistry(b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bus:      b,
		logger:   logger,
		entities: make(map[string]*Entity),
	}
}

// GetOrCreate returns the entity for key, creating it on first use.
//
// Options only apply on creation; subsequent calls for the same key
// return the existing entity unchanged.
func (r *Registry) GetOrCreate(key string, opts ...EntityOption) *Entity {
	r.mu.RLock()
	e, ok := r.entities[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entities[key]; ok {
		return e
	}
	e = newEntity(key, r.bus, opts...)
	r.entities[key] = e
	r.logger.Debug("registered historic entity", "entity_key", key)
	return e
}

// Get returns the entity for key if it has been registered.
func (r *Registry) Get(key string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[key]
	return e, ok
}

// Keys returns the sorted keys of all registered entities.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entities))
	for k := range r.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
