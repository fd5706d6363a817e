// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import "sync"

// Token is a durable reference to a Connection registered in a Registry.
// A token stops resolving as soon as it is discarded, even if its slot is
// later reused by another connection.
type Token struct {
	slot       uint32
	generation uint32
}

// IsZero reports whether the token was never issued
func (t Token) IsZero() bool {
	return t.generation == 0
}

type registryEntry struct {
	owner      *Connection
	handle     ChanID
	generation uint32
	live       bool
}

// Registry maps tokens handed to the client library back to their owning
// Connection. Library callbacks must hold the registry lock while calling
// Lookup and release it before running any handler code.
type Registry struct {
	mu      sync.Mutex
	entries []registryEntry
	free    []uint32
	owners  map[*Connection]Token
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{owners: make(map[*Connection]Token)}
}

// Lock acquires the registry mutex
func (r *Registry) Lock() {
	r.mu.Lock()
}

// Unlock releases the registry mutex
func (r *Registry) Unlock() {
	r.mu.Unlock()
}

// GetOrCreate returns a token for owner. Unless forceNew is set, a token
// already issued to owner and not yet discarded is returned again.
func (r *Registry) GetOrCreate(owner *Connection, forceNew bool) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !forceNew {
		if tok, ok := r.owners[owner]; ok {
			return tok
		}
	}

	var slot uint32
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.entries = append(r.entries, registryEntry{})
		slot = uint32(len(r.entries) - 1)
	}

	e := &r.entries[slot]
	if e.generation == 0 {
		e.generation = 1
	}
	e.owner = owner
	e.handle = 0
	e.live = true

	tok := Token{slot: slot, generation: e.generation}
	r.owners[owner] = tok
	return tok
}

// BindHandle records the native channel handle once the library assigns it
func (r *Registry) BindHandle(tok Token, handle ChanID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.entry(tok); e != nil {
		e.handle = handle
	}
}

// Lookup returns the owner of tok, or nil if the token was discarded or the
// handle does not match the bound one. A zero handle, either side, skips the
// handle check. The caller must hold the registry lock.
func (r *Registry) Lookup(tok Token, handle ChanID) *Connection {
	e := r.entry(tok)
	if e == nil {
		return nil
	}
	if handle != 0 && e.handle != 0 && e.handle != handle {
		return nil
	}
	return e.owner
}

// Discard invalidates tok. Later lookups with it return nil.
func (r *Registry) Discard(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(tok)
	if e == nil {
		return
	}
	if cur, ok := r.owners[e.owner]; ok && cur == tok {
		delete(r.owners, e.owner)
	}
	e.owner = nil
	e.handle = 0
	e.live = false
	e.generation++
	if e.generation == 0 {
		e.generation = 1
	}
	r.free = append(r.free, tok.slot)
}

// Len returns the number of live tokens
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.entries {
		if r.entries[i].live {
			n++
		}
	}
	return n
}

func (r *Registry) entry(tok Token) *registryEntry {
	if tok.IsZero() || int(tok.slot) >= len(r.entries) {
		return nil
	}
	e := &r.entries[tok.slot]
	if !e.live || e.generation != tok.generation {
		return nil
	}
	return e
}
