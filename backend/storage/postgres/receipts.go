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
	"errors"
)

// MergeReadReceipt never lowers the stored mark; concurrent sessions of the
// same viewer may acknowledge out of order.
func (s *Store) MergeReadReceipt(ctx context.Context, userID, otherUserID, messageID int64, readAt int64) (int64, error) {
	var merged int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO read_receipts (user_id, other_user_id, last_read_message_id, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, other_user_id) DO UPDATE
		SET last_read_message_id = GREATEST(read_receipts.last_read_message_id, EXCLUDED.last_read_message_id),
		    read_at = CASE
				WHEN EXCLUDED.last_read_message_id > read_receipts.last_read_message_id THEN EXCLUDED.read_at
				ELSE read_receipts.read_at
			END
		RETURNING last_read_message_id`,
		userID, otherUserID, messageID, readAt).Scan(&merged)
	return merged, err
}

func (s *Store) LastRead(ctx context.Context, userID, otherUserID int64) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_message_id FROM read_receipts
		WHERE user_id = $1 AND other_user_id = $2`,
		userID, otherUserID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return last, err
}

func (s *Store) UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.sender_id, COUNT(*) FROM messages m
		LEFT JOIN read_receipts r
		  ON r.user_id = $1 AND r.other_user_id = m.sender_id
		WHERE m.recipient_id = $1
		  AND m.deleted_at IS NULL
		  AND m.id > COALESCE(r.last_read_message_id, 0)
		  AND NOT EXISTS (
			SELECT 1 FROM message_hidden h
			WHERE h.user_id = $1 AND h.message_id = m.id
		  )
		GROUP BY m.sender_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			peerID int64
			count  int
		)
		if err := rows.Scan(&peerID, &count); err != nil {
			return nil, err
		}
		counts[peerID] = count
	}
	return counts, rows.Err()
}
