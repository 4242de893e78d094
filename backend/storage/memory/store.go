// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package memory is a process-local implementation of storage.Store. It backs
// the "memory" store driver for development and the package tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

type receiptKey struct {
	user, other int64
}

type hiddenKey struct {
	user, message int64
}

type Store struct {
	mu sync.RWMutex

	nextID   int64
	users    map[int64]*models.User
	messages map[int64]*models.Message
	hidden   map[hiddenKey]struct{}
	receipts map[receiptKey]models.ReadReceipt

	// Now returns the unix time used for created_at. Tests override it.
	Now func() int64
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		users:    make(map[int64]*models.User),
		messages: make(map[int64]*models.Message),
		hidden:   make(map[hiddenKey]struct{}),
		receipts: make(map[receiptKey]models.ReadReceipt),
		Now:      func() int64 { return time.Now().Unix() },
	}
}

// AddUser registers or replaces a user.
func (s *Store) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) TouchLastSeen(ctx context.Context, userID int64, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.LastSeenAt = &at
	}
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m models.Message) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = s.nextID
	m.CreatedAt = s.Now()
	m.EditedAt = nil
	m.DeletedAt = nil
	stored := cloneMessage(m)
	s.messages[m.ID] = &stored
	out := cloneMessage(stored)
	return &out, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneMessage(*m)
	return &out, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID int64, content string, editedAt int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Deleted() {
		return nil, storage.ErrNotFound
	}
	m.Content = content
	m.EditedAt = &editedAt
	out := cloneMessage(*m)
	return &out, nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, messageID int64, deletedAt int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Deleted() {
		return nil, storage.ErrNotFound
	}
	m.Scrub(deletedAt)
	out := cloneMessage(*m)
	return &out, nil
}

func (s *Store) RecentMessages(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.pairLocked(userA, userB, func(m *models.Message) bool { return !m.Deleted() })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *Store) MessagesBefore(ctx context.Context, viewerID, peerID, beforeID int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.pairLocked(viewerID, peerID, func(m *models.Message) bool {
		if m.Deleted() || m.ID >= beforeID {
			return false
		}
		_, hidden := s.hidden[hiddenKey{viewerID, m.ID}]
		return !hidden
	})
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *Store) DeleteConversation(ctx context.Context, userA, userB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.messages {
		if !inPair(m, userA, userB) {
			continue
		}
		delete(s.messages, id)
		delete(s.hidden, hiddenKey{userA, id})
		delete(s.hidden, hiddenKey{userB, id})
	}
	delete(s.receipts, receiptKey{userA, userB})
	delete(s.receipts, receiptKey{userB, userA})
	return nil
}

func (s *Store) HideMessage(ctx context.Context, userID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[hiddenKey{userID, messageID}] = struct{}{}
	return nil
}

func (s *Store) HiddenAmong(ctx context.Context, userID int64, messageIDs []int64) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]bool)
	for _, id := range messageIDs {
		if _, ok := s.hidden[hiddenKey{userID, id}]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *Store) MergeReadReceipt(ctx context.Context, userID, otherUserID, messageID int64, readAt int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := receiptKey{userID, otherUserID}
	current, ok := s.receipts[key]
	if ok && current.LastReadMessageID >= messageID {
		return current.LastReadMessageID, nil
	}
	s.receipts[key] = models.ReadReceipt{
		UserID:            userID,
		OtherUserID:       otherUserID,
		LastReadMessageID: messageID,
		ReadAt:            readAt,
	}
	return messageID, nil
}

func (s *Store) LastRead(ctx context.Context, userID, otherUserID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipts[receiptKey{userID, otherUserID}].LastReadMessageID, nil
}

func (s *Store) UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[int64]int)
	for _, m := range s.messages {
		if m.RecipientID != userID || m.Deleted() {
			continue
		}
		if _, hidden := s.hidden[hiddenKey{userID, m.ID}]; hidden {
			continue
		}
		if m.ID > s.receipts[receiptKey{userID, m.SenderID}].LastReadMessageID {
			counts[m.SenderID]++
		}
	}
	return counts, nil
}

func (s *Store) pairLocked(a, b int64, keep func(*models.Message) bool) []models.Message {
	var out []models.Message
	for _, m := range s.messages {
		if inPair(m, a, b) && keep(m) {
			out = append(out, cloneMessage(*m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func inPair(m *models.Message, a, b int64) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

func cloneMessage(m models.Message) models.Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.ReplyToID != nil {
		v := *m.ReplyToID
		m.ReplyToID = &v
	}
	if m.EditedAt != nil {
		v := *m.EditedAt
		m.EditedAt = &v
	}
	if m.DeletedAt != nil {
		v := *m.DeletedAt
		m.DeletedAt = &v
	}
	return m
}
