// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chat implements the message lifecycle: send, edit, delete for
// everyone, hide for me, windowed fetch and read receipts. It keeps the
// conversation cache consistent with every write it makes to the store.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/efchatnet/efdm/backend/cache"
	"github.com/efchatnet/efdm/backend/metrics"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	DefaultEditWindow       = 15 * time.Minute
	DefaultMaxContentLength = 10000
)

type Options struct {
	// EditWindow is how long after creation the sender may edit. An edit at
	// exactly EditWindow is still accepted.
	EditWindow time.Duration
	// MaxContentLength caps message text, in characters.
	MaxContentLength int
	Now              func() time.Time
}

type SendInput struct {
	SenderID    int64
	RecipientID int64
	Content     string
	Attachment  *models.Attachment
	ReplyToID   *int64
}

// Page is one fetched window of a conversation as seen by the viewer.
type Page struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
	// PeerLastReadID is how far the peer has read, for read ticks.
	PeerLastReadID int64 `json:"peer_last_read_id"`
	// LastReadID is the viewer's own read mark after the fetch.
	LastReadID int64 `json:"last_read_id"`
	// ReadAdvanced is set when the fetch moved the viewer's read mark and
	// the peer should receive a read receipt.
	ReadAdvanced bool `json:"-"`
}

type Engine struct {
	store storage.Store
	cache *cache.Conversations
	opts  Options
	log   *logrus.Entry
}

func NewEngine(store storage.Store, conversations *cache.Conversations, logger *logrus.Logger, opts Options) *Engine {
	if opts.EditWindow <= 0 {
		opts.EditWindow = DefaultEditWindow
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		store: store,
		cache: conversations,
		opts:  opts,
		log:   logger.WithField("component", "chat"),
	}
}

// PageSize is the number of messages in a fetched window.
func (e *Engine) PageSize() int {
	return e.cache.Capacity()
}

// Send validates and persists a new message and returns the canonical row.
func (e *Engine) Send(ctx context.Context, in SendInput) (msg *models.Message, err error) {
	defer func() { e.observe("send", err) }()

	if in.SenderID <= 0 || in.RecipientID <= 0 {
		return nil, invalid("invalid user id")
	}
	if in.SenderID == in.RecipientID {
		return nil, invalid("cannot message yourself")
	}
	content := e.normalize(in.Content)
	attachment, err := normalizeAttachment(in.Attachment)
	if err != nil {
		return nil, err
	}
	if content == "" && attachment == nil {
		return nil, invalid("message is empty")
	}

	if _, err := e.store.GetUser(ctx, in.RecipientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("load recipient", err)
	}
	if in.ReplyToID != nil {
		if err := e.checkReplyTarget(ctx, *in.ReplyToID, in.SenderID, in.RecipientID); err != nil {
			return nil, err
		}
	}

	gen := e.cache.Generation()
	stored, err := e.store.InsertMessage(ctx, models.Message{
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     content,
		Attachment:  attachment,
		ReplyToID:   in.ReplyToID,
	})
	if err != nil {
		return nil, unavailable("insert message", err)
	}
	e.cache.AppendIfCurrent(stored.SenderID, stored.RecipientID, *stored, gen)
	metrics.MessagesSent.Inc()

	e.log.WithFields(logrus.Fields{
		"message_id":   stored.ID,
		"sender_id":    stored.SenderID,
		"recipient_id": stored.RecipientID,
	}).Debug("message sent")
	return stored, nil
}

func (e *Engine) checkReplyTarget(ctx context.Context, replyToID, senderID, recipientID int64) error {
	if replyToID <= 0 {
		return invalid("invalid reply target")
	}
	target, err := e.store.GetMessage(ctx, replyToID)
	if errors.Is(err, storage.ErrNotFound) {
		return invalid("reply target does not exist")
	}
	if err != nil {
		return unavailable("load reply target", err)
	}
	if !target.Involves(senderID) || !target.Involves(recipientID) {
		return invalid("reply target belongs to another conversation")
	}
	return nil
}

// Edit replaces the text of a message the user sent within the edit window.
func (e *Engine) Edit(ctx context.Context, messageID, userID int64, content string) (msg *models.Message, err error) {
	defer func() { e.observe("edit", err) }()

	current, err := e.ownMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	now := e.opts.Now()
	age := now.Sub(time.Unix(current.CreatedAt, 0))
	if age > e.opts.EditWindow {
		return nil, ErrEditWindowExpired
	}

	content = e.normalize(content)
	if content == "" && current.Attachment == nil {
		return nil, invalid("message is empty")
	}

	updated, err := e.store.UpdateMessageContent(ctx, messageID, content, now.Unix())
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted between the lookup and the update.
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("update message", err)
	}
	e.cache.Invalidate(updated.SenderID, updated.RecipientID)
	return updated, nil
}

// DeleteForEveryone soft-deletes a message the user sent. The returned row
// is scrubbed: it carries ids and timestamps but no content.
func (e *Engine) DeleteForEveryone(ctx context.Context, messageID, userID int64) (msg *models.Message, err error) {
	defer func() { e.observe("delete", err) }()

	if _, err := e.ownMessage(ctx, messageID, userID); err != nil {
		return nil, err
	}

	deleted, err := e.store.SoftDeleteMessage(ctx, messageID, e.opts.Now().Unix())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("delete message", err)
	}
	e.cache.Invalidate(deleted.SenderID, deleted.RecipientID)
	deleted.Scrub(*deleted.DeletedAt)
	return deleted, nil
}

// HideForMe removes a message from the user's own view only.
func (e *Engine) HideForMe(ctx context.Context, messageID, userID int64) (msg *models.Message, err error) {
	defer func() { e.observe("hide", err) }()

	m, err := e.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !m.Involves(userID) {
		return nil, ErrForbidden
	}
	if err := e.store.HideMessage(ctx, userID, messageID); err != nil {
		return nil, unavailable("hide message", err)
	}
	e.cache.Invalidate(m.SenderID, m.RecipientID)
	return m, nil
}

// Fetch returns a window of the conversation between viewer and peer.
// With before == 0 it serves the newest page, preferably from the cache,
// and advances the viewer's read mark to the newest message returned. With
// before > 0 it pages backwards through the store and leaves read marks alone.
func (e *Engine) Fetch(ctx context.Context, viewerID, peerID, before int64) (*Page, error) {
	if viewerID <= 0 || peerID <= 0 || viewerID == peerID {
		return nil, invalid("invalid conversation")
	}
	if before < 0 {
		return nil, invalid("invalid cursor")
	}

	var (
		page *Page
		err  error
	)
	if before == 0 {
		page, err = e.fetchLatest(ctx, viewerID, peerID)
	} else {
		page, err = e.fetchBefore(ctx, viewerID, peerID, before)
	}
	if err != nil {
		return nil, err
	}

	page.PeerLastReadID, err = e.store.LastRead(ctx, peerID, viewerID)
	if err != nil {
		return nil, unavailable("load peer receipt", err)
	}
	return page, nil
}

func (e *Engine) fetchLatest(ctx context.Context, viewerID, peerID int64) (*Page, error) {
	window, err := e.window(ctx, viewerID, peerID)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Messages: window.VisibleTo(viewerID),
		HasMore:  window.HasOlder,
	}
	// Messages the viewer hid still occupy the shared window; fill the page
	// from older history so it holds the newest visible messages.
	if need := e.cache.Capacity() - len(page.Messages); need > 0 && window.HasOlder {
		older, err := e.store.MessagesBefore(ctx, viewerID, peerID, window.Messages[0].ID, need+1)
		if err != nil {
			return nil, unavailable("load older messages", err)
		}
		page.HasMore = len(older) > need
		if page.HasMore {
			older = older[len(older)-need:]
		}
		page.Messages = append(older, page.Messages...)
	}

	previous, err := e.store.LastRead(ctx, viewerID, peerID)
	if err != nil {
		return nil, unavailable("load receipt", err)
	}
	page.LastReadID = previous
	if n := len(page.Messages); n > 0 {
		newest := page.Messages[n-1].ID
		merged, err := e.store.MergeReadReceipt(ctx, viewerID, peerID, newest, e.opts.Now().Unix())
		if err != nil {
			return nil, unavailable("merge receipt", err)
		}
		page.LastReadID = merged
		page.ReadAdvanced = merged > previous
	}
	return page, nil
}

// window serves the pair's newest messages from the cache, rebuilding the
// entry from the store on a miss.
func (e *Engine) window(ctx context.Context, viewerID, peerID int64) (cache.Window, error) {
	gen := e.cache.Generation()
	if w, ok := e.cache.Get(viewerID, peerID); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return w, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	size := e.cache.Capacity()
	msgs, err := e.store.RecentMessages(ctx, viewerID, peerID, size+1)
	if err != nil {
		return cache.Window{}, unavailable("load conversation", err)
	}
	hasOlder := len(msgs) > size
	if hasOlder {
		msgs = msgs[len(msgs)-size:]
	}
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	w := cache.Window{Messages: msgs, Hidden: make(map[int64]map[int64]bool, 2), HasOlder: hasOlder}
	for _, u := range []int64{viewerID, peerID} {
		hidden, err := e.store.HiddenAmong(ctx, u, ids)
		if err != nil {
			return cache.Window{}, unavailable("load hidden markers", err)
		}
		w.Hidden[u] = hidden
	}

	if !e.cache.PutIfCurrent(viewerID, peerID, w, gen) {
		e.log.WithFields(logrus.Fields{
			"viewer_id": viewerID,
			"peer_id":   peerID,
		}).Debug("conversation changed while loading, not caching")
	}
	return w, nil
}

func (e *Engine) fetchBefore(ctx context.Context, viewerID, peerID, before int64) (*Page, error) {
	size := e.cache.Capacity()
	msgs, err := e.store.MessagesBefore(ctx, viewerID, peerID, before, size+1)
	if err != nil {
		return nil, unavailable("load older messages", err)
	}
	page := &Page{Messages: msgs}
	if len(msgs) > size {
		page.HasMore = true
		page.Messages = msgs[len(msgs)-size:]
	}
	page.LastReadID, err = e.store.LastRead(ctx, viewerID, peerID)
	if err != nil {
		return nil, unavailable("load receipt", err)
	}
	return page, nil
}

// MarkRead merges messageID into the viewer's read mark for the peer and
// returns the resulting mark. The mark never moves backwards.
func (e *Engine) MarkRead(ctx context.Context, viewerID, peerID, messageID int64) (int64, error) {
	if viewerID <= 0 || peerID <= 0 || viewerID == peerID {
		return 0, invalid("invalid conversation")
	}
	if messageID <= 0 {
		return 0, invalid("invalid message id")
	}
	merged, err := e.store.MergeReadReceipt(ctx, viewerID, peerID, messageID, e.opts.Now().Unix())
	if err != nil {
		return 0, unavailable("merge receipt", err)
	}
	return merged, nil
}

// UnreadCounts returns, per peer, how many visible messages the viewer has
// not read yet.
func (e *Engine) UnreadCounts(ctx context.Context, viewerID int64) (map[int64]int, error) {
	if viewerID <= 0 {
		return nil, invalid("invalid user id")
	}
	counts, err := e.store.UnreadCounts(ctx, viewerID)
	if err != nil {
		return nil, unavailable("count unread", err)
	}
	return counts, nil
}

// WipeConversation removes the pair's whole history from the store.
func (e *Engine) WipeConversation(ctx context.Context, userA, userB int64) error {
	if userA <= 0 || userB <= 0 || userA == userB {
		return invalid("invalid conversation")
	}
	if err := e.store.DeleteConversation(ctx, userA, userB); err != nil {
		return unavailable("delete conversation", err)
	}
	e.cache.Invalidate(userA, userB)
	e.log.WithFields(logrus.Fields{"user_a": userA, "user_b": userB}).Info("conversation wiped")
	return nil
}

// ForgetUser drops every cached conversation of a removed user.
func (e *Engine) ForgetUser(userID int64) {
	e.cache.InvalidateForUser(userID)
}

func (e *Engine) message(ctx context.Context, messageID int64) (*models.Message, error) {
	if messageID <= 0 {
		return nil, invalid("invalid message id")
	}
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load message", err)
	}
	if m.Deleted() {
		return nil, ErrNotFound
	}
	return m, nil
}

func (e *Engine) ownMessage(ctx context.Context, messageID, userID int64) (*models.Message, error) {
	m, err := e.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, ErrForbidden
	}
	return m, nil
}

func (e *Engine) normalize(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= e.opts.MaxContentLength {
		return content
	}
	runes := []rune(content)
	return strings.TrimSpace(string(runes[:e.opts.MaxContentLength]))
}

func normalizeAttachment(a *models.Attachment) (*models.Attachment, error) {
	if a == nil {
		return nil, nil
	}
	url := strings.TrimSpace(a.URL)
	if url == "" && a.Kind == "" {
		return nil, nil
	}
	if !a.Kind.Valid() {
		return nil, invalid("unsupported attachment kind %q", a.Kind)
	}
	if url == "" {
		return nil, invalid("attachment url is empty")
	}
	return &models.Attachment{Kind: a.Kind, URL: url}, nil
}

func (e *Engine) observe(op string, err error) {
	code := "ok"
	if err != nil {
		code = Code(err)
	}
	metrics.LifecycleOps.WithLabelValues(op, code).Inc()
	if code == CodeUnavailable || code == CodeInternal {
		e.log.WithError(err).WithField("op", op).Error("lifecycle operation failed")
	}
}
