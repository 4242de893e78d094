// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/efchatnet/efdm/backend/metrics"
	"github.com/efchatnet/efdm/backend/presence"
	"github.com/efchatnet/efdm/backend/storage"
)

const lastSeenTimeout = 5 * time.Second

// Hub owns the open connections and fans events out to the sessions the
// presence registry lists for a user. Delivery to one session never waits
// for another.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn // sessionID -> connection

	presence *presence.Registry
	users    storage.UserStore
	now      func() time.Time
	log      *logrus.Entry
	wg       sync.WaitGroup
}

// NewHub wires the hub to reg: every online/offline transition is broadcast
// as a presence event, and going offline records the user's last-seen time.
func NewHub(reg *presence.Registry, users storage.UserStore, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Hub{
		conns:    make(map[string]Conn),
		presence: reg,
		users:    users,
		now:      time.Now,
		log:      logger.WithField("component", "hub"),
	}
	reg.OnChange(h.onPresenceChange)
	return h
}

// Attach registers an unauthenticated connection.
func (h *Hub) Attach(sessionID string, conn Conn) {
	h.mu.Lock()
	h.conns[sessionID] = conn
	n := len(h.conns)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))
}

// Detach forgets the connection and unbinds its session, whatever state it
// was in.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	delete(h.conns, sessionID)
	n := len(h.conns)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))

	h.presence.Unbind(sessionID)
}

// Bind associates an attached session with a verified user.
func (h *Hub) Bind(sessionID string, userID int64) {
	h.presence.Bind(sessionID, userID)
}

// Unbind removes the session's user binding but keeps the connection.
func (h *Hub) Unbind(sessionID string) {
	h.presence.Unbind(sessionID)
}

func (h *Hub) Online(userID int64) bool {
	return h.presence.IsOnline(userID)
}

func (h *Hub) OnlineUsers() []int64 {
	return h.presence.OnlineUsers()
}

// DeliverToUser sends payload to every session of userID and returns how
// many accepted it.
func (h *Hub) DeliverToUser(userID int64, payload []byte) int {
	return h.deliver(h.presence.Sessions(userID), "", payload)
}

// DeliverToUserExcept is DeliverToUser skipping one session, typically the
// one that caused the event and got its own reply.
func (h *Hub) DeliverToUserExcept(userID int64, exceptSessionID string, payload []byte) int {
	return h.deliver(h.presence.Sessions(userID), exceptSessionID, payload)
}

// Broadcast sends payload to every bound session.
func (h *Hub) Broadcast(payload []byte) int {
	return h.deliver(h.presence.AllSessions(), "", payload)
}

// SendTo delivers payload to a single session.
func (h *Hub) SendTo(sessionID string, payload []byte) bool {
	return h.deliver([]string{sessionID}, "", payload) == 1
}

func (h *Hub) deliver(sessionIDs []string, except string, payload []byte) int {
	targets := make([]Conn, 0, len(sessionIDs))
	h.mu.RLock()
	for _, id := range sessionIDs {
		if id == except {
			continue
		}
		if conn, ok := h.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			metrics.DroppedDeliveries.Inc()
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) onPresenceChange(c presence.Change) {
	metrics.OnlineUsers.Set(float64(len(c.OnlineUsers)))
	h.Broadcast(encode(presenceEvent{Type: EventPresence, OnlineUserIDs: c.OnlineUsers}))

	h.log.WithFields(logrus.Fields{
		"user_id": c.UserID,
		"online":  c.Online,
	}).Debug("presence changed")

	if c.Online || h.users == nil {
		return
	}
	h.wg.Add(1)
	go func(userID int64, at int64) {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()
		if err := h.users.TouchLastSeen(ctx, userID, at); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("failed to record last seen")
		}
	}(c.UserID, h.now().Unix())
}

// Close closes every connection. Their read loops detach them.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

// Wait blocks until background last-seen writes have finished.
func (h *Hub) Wait() {
	h.wg.Wait()
}
