// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package realtime is the connection-facing side of the DM engine. A Session
// turns inbound frames into lifecycle operations and fans the results out
// through the Hub to every session of the users involved.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/metrics"
	"github.com/efchatnet/efdm/backend/models"
)

const (
	DefaultOpTimeout  = 5 * time.Second
	DefaultFrameRate  = 20
	DefaultFrameBurst = 40

	pushTimeout     = 10 * time.Second
	pushPreviewSize = 120
)

// Verifier resolves a credential token to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// PushSink delivers a notification to a user's devices, best effort.
type PushSink interface {
	Notify(ctx context.Context, userID int64, n models.PushNotification) error
}

type Options struct {
	// OpTimeout bounds each lifecycle operation started by a frame.
	OpTimeout time.Duration
	// FrameRate and FrameBurst limit inbound frames per connection.
	FrameRate  rate.Limit
	FrameBurst int
	// AllowedOrigins is checked on websocket upgrade. Empty means same origin only.
	AllowedOrigins []string
	// Push, when set, is notified of messages to offline recipients.
	Push PushSink
}

type Gateway struct {
	hub      *Hub
	engine   *chat.Engine
	verifier Verifier
	opts     Options
	log      *logrus.Entry
	pushWG   sync.WaitGroup
}

func NewGateway(hub *Hub, engine *chat.Engine, verifier Verifier, logger *logrus.Logger, opts Options) *Gateway {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = DefaultFrameRate
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = DefaultFrameBurst
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		hub:      hub,
		engine:   engine,
		verifier: verifier,
		opts:     opts,
		log:      logger.WithField("component", "gateway"),
	}
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Wait blocks until background push deliveries have finished.
func (g *Gateway) Wait() {
	g.pushWG.Wait()
}

// Session is the protocol state of one connection: unauthenticated until a
// bind frame succeeds, then bound to a user until Close.
type Session struct {
	id      string
	conn    Conn
	gw      *Gateway
	limiter *rate.Limiter
	log     *logrus.Entry

	// userID is only touched by the goroutine that calls Handle.
	userID int64
}

// NewSession attaches conn to the hub as a new unauthenticated session.
func (g *Gateway) NewSession(conn Conn) *Session {
	id := uuid.NewString()
	g.hub.Attach(id, conn)
	return &Session{
		id:      id,
		conn:    conn,
		gw:      g,
		limiter: rate.NewLimiter(g.opts.FrameRate, g.opts.FrameBurst),
		log:     g.log.WithField("session_id", id),
	}
}

func (s *Session) ID() string {
	return s.id
}

// UserID returns the bound user, or 0 before a successful bind.
func (s *Session) UserID() int64 {
	return s.userID
}

// Close detaches the session and unbinds it from presence. It is safe to
// call on a session that never bound.
func (s *Session) Close() {
	s.gw.hub.Detach(s.id)
	if s.userID != 0 {
		s.log.WithField("user_id", s.userID).Debug("session closed")
	}
}

// Handle processes one inbound frame.
func (s *Session) Handle(ctx context.Context, data []byte) {
	if !s.limiter.Allow() {
		s.replyCode("", CodeRateLimited, "too many frames")
		return
	}

	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.replyCode("", CodeBadRequest, "invalid payload")
		return
	}
	metrics.Frames.WithLabelValues(frameLabel(f.Type)).Inc()

	if f.Type != FrameBind && s.userID == 0 {
		s.replyError(f.Ref, chat.ErrUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.gw.opts.OpTimeout)
	defer cancel()

	switch f.Type {
	case FrameBind:
		s.handleBind(ctx, f)
	case FrameTyping:
		s.handleTyping(f)
	case FrameSendMessage:
		s.handleSend(ctx, f)
	case FrameEditMessage:
		s.handleEdit(ctx, f)
	case FrameDeleteMessage:
		s.handleDelete(ctx, f)
	case FrameHideMessage:
		s.handleHide(ctx, f)
	case FrameMarkRead:
		s.handleMarkRead(ctx, f)
	default:
		s.replyCode(f.Ref, CodeUnsupportedType, "unknown frame type")
	}
}

func (s *Session) handleBind(ctx context.Context, f inboundFrame) {
	if f.Token == "" {
		s.unbind()
		s.replyError(f.Ref, chat.ErrUnauthorized)
		return
	}
	userID, err := s.gw.verifier.Verify(ctx, f.Token)
	if err != nil {
		s.unbind()
		s.replyError(f.Ref, chat.ErrUnauthorized)
		return
	}

	s.userID = userID
	s.gw.hub.Bind(s.id, userID)
	s.log = s.log.WithField("user_id", userID)
	s.log.Debug("session bound")

	_ = s.conn.Send(encode(boundEvent{
		Type:          EventBound,
		Ref:           f.Ref,
		UserID:        userID,
		OnlineUserIDs: s.gw.hub.OnlineUsers(),
	}))
}

// unbind drops the session back to unauthenticated. The connection stays
// attached so the client can bind again.
func (s *Session) unbind() {
	if s.userID == 0 {
		return
	}
	s.log.Debug("session unbound")
	s.gw.hub.Unbind(s.id)
	s.userID = 0
	s.log = s.gw.log.WithField("session_id", s.id)
}

func (s *Session) handleTyping(f inboundFrame) {
	if f.RecipientID <= 0 || f.RecipientID == s.userID {
		return
	}
	s.gw.hub.DeliverToUser(f.RecipientID, encode(typingEvent{Type: EventTyping, PeerID: s.userID}))
}

func (s *Session) handleSend(ctx context.Context, f inboundFrame) {
	msg, err := s.gw.engine.Send(ctx, chat.SendInput{
		SenderID:    s.userID,
		RecipientID: f.RecipientID,
		Content:     f.Content,
		Attachment:  f.Attachment,
		ReplyToID:   f.ReplyToID,
	})
	if err != nil {
		s.replyError(f.Ref, err)
		return
	}

	ev := messageEvent{Type: EventNewMessage, Message: *msg}
	payload := encode(ev)
	ev.Ref = f.Ref
	s.fanOut(msg.RecipientID, encode(ev), payload)

	if !s.gw.hub.Online(msg.RecipientID) && s.gw.opts.Push != nil {
		s.gw.notifyOffline(*msg)
	}
}

func (s *Session) handleEdit(ctx context.Context, f inboundFrame) {
	msg, err := s.gw.engine.Edit(ctx, f.MessageID, s.userID, f.Content)
	if err != nil {
		s.replyError(f.Ref, err)
		return
	}
	ev := messageEvent{Type: EventMessageUpdated, Message: *msg}
	payload := encode(ev)
	ev.Ref = f.Ref
	s.fanOut(msg.RecipientID, encode(ev), payload)
}

func (s *Session) handleDelete(ctx context.Context, f inboundFrame) {
	msg, err := s.gw.engine.DeleteForEveryone(ctx, f.MessageID, s.userID)
	if err != nil {
		s.replyError(f.Ref, err)
		return
	}
	ev := deletedEvent{
		Type:        EventMessageDeleted,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
	}
	payload := encode(ev)
	ev.Ref = f.Ref
	s.fanOut(msg.RecipientID, encode(ev), payload)
}

func (s *Session) handleHide(ctx context.Context, f inboundFrame) {
	msg, err := s.gw.engine.HideForMe(ctx, f.MessageID, s.userID)
	if err != nil {
		s.replyError(f.Ref, err)
		return
	}
	_ = s.conn.Send(encode(hiddenEvent{Type: EventHidden, Ref: f.Ref, MessageID: msg.ID}))
}

func (s *Session) handleMarkRead(ctx context.Context, f inboundFrame) {
	merged, err := s.gw.engine.MarkRead(ctx, s.userID, f.PeerID, f.MessageID)
	if err != nil {
		s.replyError(f.Ref, err)
		return
	}
	s.gw.hub.DeliverToUser(f.PeerID, ReadReceiptPayload(s.userID, merged))
}

// fanOut delivers payload to every session of the caller and of peerID.
// The calling session gets own instead, which carries the frame's ref so
// the client can settle an optimistic placeholder.
func (s *Session) fanOut(peerID int64, own, payload []byte) {
	_ = s.conn.Send(own)
	s.gw.hub.DeliverToUserExcept(s.userID, s.id, payload)
	s.gw.hub.DeliverToUser(peerID, payload)
}

func (s *Session) replyError(ref string, err error) {
	s.replyCode(ref, chat.Code(err), chat.Message(err))
}

func (s *Session) replyCode(ref, code, message string) {
	_ = s.conn.Send(encode(errorEvent{Type: EventError, Ref: ref, Code: code, Error: message}))
}

// notifyOffline hands a preview of msg to the push sink in the background.
// Failures are logged and otherwise ignored.
func (g *Gateway) notifyOffline(msg models.Message) {
	g.pushWG.Add(1)
	go func() {
		defer g.pushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()

		n := models.PushNotification{
			Title: "New message",
			Body:  preview(msg),
			Tag:   fmt.Sprintf("dm-%d", msg.SenderID),
		}
		if g.hub.users != nil {
			if sender, err := g.hub.users.GetUser(ctx, msg.SenderID); err == nil {
				n.Title = sender.Name()
			}
		}

		if err := g.opts.Push.Notify(ctx, msg.RecipientID, n); err != nil {
			metrics.PushNotifications.WithLabelValues("failed").Inc()
			g.log.WithError(err).WithField("recipient_id", msg.RecipientID).Warn("push notification failed")
			return
		}
		metrics.PushNotifications.WithLabelValues("sent").Inc()
	}()
}

func preview(msg models.Message) string {
	content := strings.TrimSpace(msg.Content)
	if content == "" && msg.Attachment != nil {
		if msg.Attachment.Kind == models.AttachmentImage {
			return "Sent an image"
		}
		return "Sent a video"
	}
	if utf8.RuneCountInString(content) > pushPreviewSize {
		return string([]rune(content)[:pushPreviewSize]) + "…"
	}
	return content
}

func frameLabel(t string) string {
	switch t {
	case FrameBind, FrameTyping, FrameSendMessage, FrameEditMessage,
		FrameDeleteMessage, FrameHideMessage, FrameMarkRead:
		return t
	default:
		return "unknown"
	}
}
