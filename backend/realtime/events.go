// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package realtime

import (
	"encoding/json"

	"github.com/efchatnet/efdm/backend/models"
)

// Inbound frame types.
const (
	FrameBind          = "bind"
	FrameTyping        = "typing"
	FrameSendMessage   = "send_message"
	FrameEditMessage   = "edit_message"
	FrameDeleteMessage = "delete_message"
	FrameHideMessage   = "hide_message"
	FrameMarkRead      = "mark_read"
)

// Outbound event types.
const (
	EventBound          = "bound"
	EventPresence       = "presence"
	EventNewMessage     = "new_message"
	EventMessageUpdated = "message_updated"
	EventMessageDeleted = "message_deleted"
	EventReadReceipt    = "read_receipt"
	EventTyping         = "typing"
	EventHidden         = "hidden"
	EventError          = "error"
)

// Error codes that only exist at the transport level.
const (
	CodeBadRequest      = "bad_request"
	CodeUnsupportedType = "unsupported_type"
	CodeRateLimited     = "rate_limited"
)

type inboundFrame struct {
	Type        string             `json:"type"`
	Ref         string             `json:"ref,omitempty"`
	Token       string             `json:"token,omitempty"`
	RecipientID int64              `json:"recipient_id,omitempty"`
	PeerID      int64              `json:"peer_id,omitempty"`
	MessageID   int64              `json:"message_id,omitempty"`
	Content     string             `json:"content,omitempty"`
	Attachment  *models.Attachment `json:"attachment,omitempty"`
	ReplyToID   *int64             `json:"reply_to_id,omitempty"`
}

type boundEvent struct {
	Type          string  `json:"type"`
	Ref           string  `json:"ref,omitempty"`
	UserID        int64   `json:"user_id"`
	OnlineUserIDs []int64 `json:"online_user_ids"`
}

type presenceEvent struct {
	Type          string  `json:"type"`
	OnlineUserIDs []int64 `json:"online_user_ids"`
}

// messageEvent carries new_message and message_updated.
type messageEvent struct {
	Type    string         `json:"type"`
	Ref     string         `json:"ref,omitempty"`
	Message models.Message `json:"message"`
}

// deletedEvent never carries content.
type deletedEvent struct {
	Type        string `json:"type"`
	Ref         string `json:"ref,omitempty"`
	MessageID   int64  `json:"message_id"`
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
}

type receiptEvent struct {
	Type              string `json:"type"`
	PeerID            int64  `json:"peer_id"`
	LastReadMessageID int64  `json:"last_read_message_id"`
}

type typingEvent struct {
	Type   string `json:"type"`
	PeerID int64  `json:"peer_id"`
}

type hiddenEvent struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID int64  `json:"message_id"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ReadReceiptPayload builds the event telling a peer how far userID has read.
func ReadReceiptPayload(readerID, lastReadID int64) []byte {
	return encode(receiptEvent{Type: EventReadReceipt, PeerID: readerID, LastReadMessageID: lastReadID})
}

func encode(v interface{}) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// Events are plain structs; this cannot fail.
		panic(err)
	}
	return payload
}
