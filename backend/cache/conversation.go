// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package cache keeps the newest window of messages for active conversations
// so that opening a conversation does not hit the store every time.
// It is never the source of truth: every miss can be rebuilt from the store.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

const (
	DefaultCapacity = 50
	DefaultTTL      = 5 * time.Minute
)

// Key identifies the unordered pair of users of a conversation.
type Key struct {
	Low, High int64
}

// PairKey canonicalizes a pair so that (a, b) and (b, a) share an entry.
func PairKey(a, b int64) Key {
	if a > b {
		a, b = b, a
	}
	return Key{Low: a, High: b}
}

// Window is the cached newest page of a conversation. Messages are the
// non-deleted messages of the pair in ascending id order; Hidden holds the
// per-participant "delete for me" markers among them. HasOlder is set when
// the store holds non-deleted messages older than Messages[0].
type Window struct {
	Messages []models.Message
	Hidden   map[int64]map[int64]bool
	HasOlder bool
}

// VisibleTo returns the messages of the window that viewerID has not hidden.
func (w Window) VisibleTo(viewerID int64) []models.Message {
	hidden := w.Hidden[viewerID]
	out := make([]models.Message, 0, len(w.Messages))
	for _, m := range w.Messages {
		if m.Deleted() || hidden[m.ID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

type entry struct {
	window Window
	expiry time.Time
}

// Conversations is the conversation cache. It is safe for concurrent use.
type Conversations struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	epoch    uint64
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Conversations)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Conversations) { c.now = now }
}

// New creates a cache holding up to capacity messages per pair for ttl.
// Non-positive values select the defaults.
func New(capacity int, ttl time.Duration, opts ...Option) *Conversations {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Conversations{
		entries:  make(map[Key]*entry),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capacity is the maximum number of messages kept per pair.
func (c *Conversations) Capacity() int {
	return c.capacity
}

// Get returns the cached window for the pair. Expired entries are dropped
// and reported as a miss.
func (c *Conversations) Get(a, b int64) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := PairKey(a, b)
	e, ok := c.entries[key]
	if !ok {
		return Window{}, false
	}
	if c.now().After(e.expiry) {
		delete(c.entries, key)
		return Window{}, false
	}
	return copyWindow(e.window), true
}

// Put stores the last Capacity messages for the pair with a fresh TTL.
func (c *Conversations) Put(a, b int64, messages []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(PairKey(a, b), Window{Messages: messages})
}

// Generation returns a token to pass to PutIfCurrent. Any invalidation
// issued after the call makes the token stale.
func (c *Conversations) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// PutIfCurrent stores w unless an invalidation happened since generation
// was obtained, in which case w may predate a mutation and is discarded.
func (c *Conversations) PutIfCurrent(a, b int64, w Window, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != generation {
		return false
	}
	c.putLocked(PairKey(a, b), w)
	return true
}

// Append adds a freshly sent message to an existing entry. Without an entry
// nothing is cached, but the generation moves on so that a window loaded
// before m was stored cannot be put afterwards.
func (c *Conversations) Append(senderID, recipientID int64, m models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(PairKey(senderID, recipientID), m)
}

// AppendIfCurrent is Append for a message whose insert started when
// generation was obtained. If an invalidation happened in between, the
// entry may already reflect later changes to m, so it is dropped instead.
// It reports whether m was added to a cached window.
func (c *Conversations) AppendIfCurrent(senderID, recipientID int64, m models.Message, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := PairKey(senderID, recipientID)
	if c.epoch != generation {
		c.epoch++
		delete(c.entries, key)
		return false
	}
	return c.appendLocked(key, m)
}

func (c *Conversations) appendLocked(key Key, m models.Message) bool {
	e, ok := c.entries[key]
	if ok && c.now().After(e.expiry) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.epoch++
		return false
	}

	msgs := make([]models.Message, 0, len(e.window.Messages)+1)
	present := false
	for _, existing := range e.window.Messages {
		if existing.Deleted() {
			continue
		}
		if existing.ID == m.ID {
			present = true
		}
		msgs = append(msgs, existing)
	}
	if !present && !m.Deleted() {
		msgs = append(msgs, m)
	}
	// Concurrent sends may finish out of id order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	if len(msgs) > c.capacity {
		e.window.HasOlder = true
	}
	e.window.Messages = trim(msgs, c.capacity)
	e.expiry = c.now().Add(c.ttl)
	return true
}

// Invalidate removes the pair's entry unconditionally.
func (c *Conversations) Invalidate(a, b int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	delete(c.entries, PairKey(a, b))
}

// InvalidateForUser removes every entry that involves userID.
func (c *Conversations) InvalidateForUser(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for key := range c.entries {
		if key.Low == userID || key.High == userID {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached pairs, expired ones included.
func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Conversations) putLocked(key Key, w Window) {
	msgs := make([]models.Message, 0, len(w.Messages))
	for _, m := range w.Messages {
		if !m.Deleted() {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) > c.capacity {
		w.HasOlder = true
	}
	w.Messages = trim(msgs, c.capacity)
	c.entries[key] = &entry{
		window: copyWindow(w),
		expiry: c.now().Add(c.ttl),
	}
}

func trim(msgs []models.Message, capacity int) []models.Message {
	if len(msgs) > capacity {
		return msgs[len(msgs)-capacity:]
	}
	return msgs
}

func copyWindow(w Window) Window {
	out := Window{
		Messages: append([]models.Message(nil), w.Messages...),
		Hidden:   make(map[int64]map[int64]bool, len(w.Hidden)),
		HasOlder: w.HasOlder,
	}
	for viewer, ids := range w.Hidden {
		set := make(map[int64]bool, len(ids))
		for id, hidden := range ids {
			if hidden {
				set[id] = true
			}
		}
		out.Hidden[viewer] = set
	}
	return out
}
