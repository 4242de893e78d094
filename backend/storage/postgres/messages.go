// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/efchatnet/efdm/backend/models"
)

const messageColumns = `id, sender_id, recipient_id, content, attachment_kind, attachment_url,
	reply_to_id, created_at, edited_at, deleted_at`

// pairClause matches both directions of a conversation for parameters $1 and $2.
const pairClause = `((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m         models.Message
		kind, url sql.NullString
		replyTo   sql.NullInt64
		editedAt  sql.NullInt64
		deletedAt sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &kind, &url,
		&replyTo, &m.CreatedAt, &editedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if kind.Valid && url.Valid {
		m.Attachment = &models.Attachment{Kind: models.AttachmentKind(kind.String), URL: url.String}
	}
	if replyTo.Valid {
		m.ReplyToID = &replyTo.Int64
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Int64
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Int64
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, m models.Message) (*models.Message, error) {
	var kind, url sql.NullString
	if m.Attachment != nil {
		kind = sql.NullString{String: string(m.Attachment.Kind), Valid: true}
		url = sql.NullString{String: m.Attachment.URL, Valid: true}
	}
	var replyTo sql.NullInt64
	if m.ReplyToID != nil {
		replyTo = sql.NullInt64{Int64: *m.ReplyToID, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, recipient_id, content, attachment_kind, attachment_url, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		m.SenderID, m.RecipientID, m.Content, kind, url, replyTo)
	return scanMessage(row)
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id = $1`, messageID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID int64, content string, editedAt int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET content = $2, edited_at = $3
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		messageID, content, editedAt)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, messageID int64, deletedAt int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET content = '', attachment_kind = NULL, attachment_url = NULL, deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		messageID, deletedAt)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) RecentMessages(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE `+pairClause+` AND deleted_at IS NULL
			ORDER BY id DESC
			LIMIT $3
		) recent
		ORDER BY id ASC`,
		userA, userB, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *Store) MessagesBefore(ctx context.Context, viewerID, peerID, beforeID int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages m
			WHERE `+pairClause+`
			  AND m.id < $3
			  AND m.deleted_at IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM message_hidden h
				WHERE h.user_id = $1 AND h.message_id = m.id
			  )
			ORDER BY m.id DESC
			LIMIT $4
		) page
		ORDER BY id ASC`,
		viewerID, peerID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *Store) DeleteConversation(ctx context.Context, userA, userB int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM message_hidden
		WHERE message_id IN (SELECT id FROM messages WHERE `+pairClause+`)`,
		userA, userB)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM read_receipts
		WHERE (user_id = $1 AND other_user_id = $2) OR (user_id = $2 AND other_user_id = $1)`,
		userA, userB)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM messages WHERE `+pairClause,
		userA, userB)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) HideMessage(ctx context.Context, userID, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_hidden (user_id, message_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, message_id) DO NOTHING`,
		userID, messageID)
	return err
}

func (s *Store) HiddenAmong(ctx context.Context, userID int64, messageIDs []int64) (map[int64]bool, error) {
	hidden := make(map[int64]bool)
	if len(messageIDs) == 0 {
		return hidden, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM message_hidden
		WHERE user_id = $1 AND message_id = ANY($2)`,
		userID, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		hidden[id] = true
	}
	return hidden, rows.Err()
}
