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

package postgres

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Users are owned by the account service; this only guarantees the
		// columns the messaging core reads.
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(64) UNIQUE NOT NULL,
			display_name VARCHAR(100),
			password_hash TEXT,
			last_seen_at BIGINT,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM now())::BIGINT
		)`,

		`ALTER TABLE users ADD COLUMN IF NOT EXISTS last_seen_at BIGINT`,

		// Messages. The serial id is the ordering and pagination key.
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			sender_id BIGINT NOT NULL REFERENCES users(id),
			recipient_id BIGINT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL DEFAULT '',
			attachment_kind VARCHAR(16) CHECK (attachment_kind IN ('image', 'video')),
			attachment_url TEXT,
			reply_to_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM now())::BIGINT,
			edited_at BIGINT,
			deleted_at BIGINT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_pair
		ON messages(LEAST(sender_id, recipient_id), GREATEST(sender_id, recipient_id), id DESC)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_unread
		ON messages(recipient_id, sender_id, id)
		WHERE deleted_at IS NULL`,

		// Per-viewer "delete for me" markers
		`CREATE TABLE IF NOT EXISTS message_hidden (
			user_id BIGINT NOT NULL REFERENCES users(id),
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, message_id)
		)`,

		// Read receipts, one row per (viewer, peer)
		`CREATE TABLE IF NOT EXISTS read_receipts (
			user_id BIGINT NOT NULL REFERENCES users(id),
			other_user_id BIGINT NOT NULL REFERENCES users(id),
			last_read_message_id BIGINT NOT NULL DEFAULT 0,
			read_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM now())::BIGINT,
			PRIMARY KEY (user_id, other_user_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
