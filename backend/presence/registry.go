// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package presence

import (
	"sort"
	"sync"
)

// Change describes a user going online or offline. OnlineUsers is the full
// set of online users right after the transition.
type Change struct {
	UserID      int64
	Online      bool
	OnlineUsers []int64
}

// Listener receives online/offline transitions, one call per transition,
// in the order the transitions happened.
type Listener func(Change)

// Registry tracks the active sessions of every user. A user is online while
// at least one session is bound.
type Registry struct {
	// notifyMu orders listener calls; mu guards the maps.
	notifyMu sync.Mutex
	mu       sync.RWMutex

	sessions map[string]int64            // sessionID -> userID
	users    map[int64]map[string]struct{} // userID -> set of sessionIDs
	listener Listener
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]int64),
		users:    make(map[int64]map[string]struct{}),
	}
}

// OnChange installs the transition listener. It must be set before the
// first Bind.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Bind registers sessionID under userID. Binding the same pair twice is a
// no-op; binding a known session to another user moves it.
func (r *Registry) Bind(sessionID string, userID int64) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	var changes []Change
	if previous, ok := r.sessions[sessionID]; ok {
		if previous == userID {
			r.mu.Unlock()
			return
		}
		if r.removeLocked(sessionID, previous) {
			changes = append(changes, Change{UserID: previous, Online: false, OnlineUsers: r.onlineLocked()})
		}
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[sessionID] = struct{}{}
	r.sessions[sessionID] = userID
	if !ok {
		changes = append(changes, Change{UserID: userID, Online: true, OnlineUsers: r.onlineLocked()})
	}
	listener := r.listener
	r.mu.Unlock()

	notify(listener, changes)
}

// Unbind removes sessionID. Unknown sessions are ignored.
func (r *Registry) Unbind(sessionID string) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	userID, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	var changes []Change
	if r.removeLocked(sessionID, userID) {
		changes = append(changes, Change{UserID: userID, Online: false, OnlineUsers: r.onlineLocked()})
	}
	listener := r.listener
	r.mu.Unlock()

	notify(listener, changes)
}

// UserOf returns the user a session is bound to.
func (r *Registry) UserOf(sessionID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.sessions[sessionID]
	return userID, ok
}

// Sessions returns the sessions currently bound to userID.
func (r *Registry) Sessions(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		out = append(out, id)
	}
	return out
}

// AllSessions returns every bound session.
func (r *Registry) AllSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUsers returns the online user ids in ascending order.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// SessionCount returns the number of bound sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// removeLocked reports whether the user went offline.
func (r *Registry) removeLocked(sessionID string, userID int64) bool {
	delete(r.sessions, sessionID)
	set := r.users[userID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

func (r *Registry) onlineLocked() []int64 {
	out := make([]int64, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func notify(l Listener, changes []Change) {
	if l == nil {
		return
	}
	for _, c := range changes {
		l(c)
	}
}
