// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"errors"

	"github.com/efchatnet/efdm/backend/models"
)

// ErrNotFound is returned when a user or message row does not exist.
var ErrNotFound = errors.New("storage: not found")

type UserStore interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	TouchLastSeen(ctx context.Context, userID int64, at int64) error
}

type MessageStore interface {
	// InsertMessage persists m and returns the canonical row with the
	// store-assigned id and creation time.
	InsertMessage(ctx context.Context, m models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, messageID int64, content string, editedAt int64) (*models.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID int64, deletedAt int64) (*models.Message, error)

	// RecentMessages returns the newest limit non-deleted messages of the
	// pair in ascending id order.
	RecentMessages(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error)
	// MessagesBefore returns up to limit non-deleted messages of the pair
	// older than beforeID and not hidden for viewerID, ascending.
	MessagesBefore(ctx context.Context, viewerID, peerID, beforeID int64, limit int) ([]models.Message, error)

	// DeleteConversation physically removes the pair's messages together
	// with hidden markers and read receipts that reference them.
	DeleteConversation(ctx context.Context, userA, userB int64) error
}

type HiddenStore interface {
	HideMessage(ctx context.Context, userID, messageID int64) error
	HiddenAmong(ctx context.Context, userID int64, messageIDs []int64) (map[int64]bool, error)
}

type ReceiptStore interface {
	// MergeReadReceipt stores max(existing, messageID) and returns the result.
	MergeReadReceipt(ctx context.Context, userID, otherUserID, messageID int64, readAt int64) (int64, error)
	LastRead(ctx context.Context, userID, otherUserID int64) (int64, error)
	// UnreadCounts returns, per peer, the number of visible messages sent
	// to userID above userID's read mark.
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error)
}

type Store interface {
	UserStore
	MessageStore
	HiddenStore
	ReceiptStore

	Ping(ctx context.Context) error
}
