// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

// AttachmentKind is the media type of an attachment stored in the external blob store.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Valid reports whether k is a supported attachment kind.
func (k AttachmentKind) Valid() bool {
	return k == AttachmentImage || k == AttachmentVideo
}

// Attachment references media uploaded to the blob store.
type Attachment struct {
	Kind AttachmentKind `json:"kind" db:"attachment_kind"`
	URL  string         `json:"url" db:"attachment_url"`
}

// MessageState is the shared lifecycle state of a message. It is the same
// for both participants; per-viewer hiding is tracked separately.
type MessageState string

const (
	StateActive  MessageState = "active"
	StateEdited  MessageState = "edited"
	StateDeleted MessageState = "deleted"
)

// Message is a direct message between two users.
// ID is assigned by the store and is the canonical ordering key.
// Timestamps are unix seconds.
type Message struct {
	ID          int64       `json:"id" db:"id"`
	SenderID    int64       `json:"sender_id" db:"sender_id"`
	RecipientID int64       `json:"recipient_id" db:"recipient_id"`
	Content     string      `json:"content" db:"content"`
	Attachment  *Attachment `json:"attachment" db:"-"`
	ReplyToID   *int64      `json:"reply_to_id" db:"reply_to_id"`
	CreatedAt   int64       `json:"created_at" db:"created_at"`
	EditedAt    *int64      `json:"edited_at" db:"edited_at"`
	DeletedAt   *int64      `json:"deleted_at" db:"deleted_at"`
}

// State derives the lifecycle state from the timestamps.
func (m *Message) State() MessageState {
	switch {
	case m.DeletedAt != nil:
		return StateDeleted
	case m.EditedAt != nil:
		return StateEdited
	default:
		return StateActive
	}
}

// Deleted reports whether the message was deleted for everyone.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Involves reports whether userID is the sender or the recipient.
func (m *Message) Involves(userID int64) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Peer returns the other participant from userID's point of view.
func (m *Message) Peer(userID int64) int64 {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// Scrub clears everything a soft-deleted message must not expose.
func (m *Message) Scrub(deletedAt int64) {
	m.Content = ""
	m.Attachment = nil
	m.DeletedAt = &deletedAt
}

// ReadReceipt is the viewer's high-water mark for a conversation with a peer.
type ReadReceipt struct {
	UserID            int64 `json:"user_id" db:"user_id"`
	OtherUserID       int64 `json:"other_user_id" db:"other_user_id"`
	LastReadMessageID int64 `json:"last_read_message_id" db:"last_read_message_id"`
	ReadAt            int64 `json:"read_at" db:"read_at"`
}

// User is the read-mostly account reference owned by the store.
type User struct {
	ID          int64  `json:"id" db:"id"`
	Username    string `json:"username" db:"username"`
	DisplayName string `json:"display_name" db:"display_name"`
	LastSeenAt  *int64 `json:"last_seen_at,omitempty" db:"last_seen_at"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// PushNotification is handed to the push delivery sink.
type PushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}
