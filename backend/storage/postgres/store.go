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

import (
	"context"
	"database/sql"
	"errors"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var (
		user        models.User
		displayName sql.NullString
		lastSeen    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, last_seen_at FROM users
		WHERE id = $1`, userID).Scan(&user.ID, &user.Username, &displayName, &lastSeen)
	if err != nil {
		return nil, notFound(err)
	}
	user.DisplayName = displayName.String
	if lastSeen.Valid {
		user.LastSeenAt = &lastSeen.Int64
	}
	return &user, nil
}

func (s *Store) TouchLastSeen(ctx context.Context, userID int64, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_seen_at = $2
		WHERE id = $1`, userID, at)
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
