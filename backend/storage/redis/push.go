// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/models"
)

const (
	// PendingTTL bounds how long undelivered notifications are kept.
	PendingTTL = 7 * 24 * time.Hour

	// Redis key prefixes
	pushPendingPrefix = "dm:push:"   // dm:push:{userId} - hash of tag -> notification
	pushNotifyPrefix  = "dm:notify:" // dm:notify:{userId} - pub/sub channel for push workers
)

// Connect parses url, connects and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// PushStore is the push delivery sink. Notifications are parked per user,
// keyed by their dedupe tag so a burst of messages from one sender collapses
// into one pending entry, and announced on the user's notify channel for the
// workers that talk to the device endpoints. Users without a worker or an
// endpoint simply accumulate entries until they expire.
type PushStore struct {
	rdb *redis.Client
}

func NewPushStore(rdb *redis.Client) *PushStore {
	return &PushStore{rdb: rdb}
}

type pushEnvelope struct {
	UserID int64 `json:"user_id"`
	models.PushNotification
	CreatedAt int64 `json:"created_at"`
}

// Notify records n for userID and publishes it.
func (s *PushStore) Notify(ctx context.Context, userID int64, n models.PushNotification) error {
	data, err := json.Marshal(pushEnvelope{UserID: userID, PushNotification: n, CreatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := pendingKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, tagField(n), data)
	pipe.Expire(ctx, key, PendingTTL)
	pipe.Publish(ctx, notifyChannel(userID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	return nil
}

// Pending returns the notifications not yet acknowledged for userID.
func (s *PushStore) Pending(ctx context.Context, userID int64) ([]models.PushNotification, error) {
	entries, err := s.rdb.HGetAll(ctx, pendingKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	out := make([]models.PushNotification, 0, len(entries))
	for _, raw := range entries {
		var env pushEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue // Skip malformed entries
		}
		out = append(out, env.PushNotification)
	}
	return out, nil
}

// Ack drops a delivered notification.
func (s *PushStore) Ack(ctx context.Context, userID int64, tag string) error {
	return s.rdb.HDel(ctx, pendingKey(userID), tag).Err()
}

// Subscribe returns the notify channel of userID.
func (s *PushStore) Subscribe(ctx context.Context, userID int64) *redis.PubSub {
	return s.rdb.Subscribe(ctx, notifyChannel(userID))
}

func (s *PushStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func pendingKey(userID int64) string {
	return pushPendingPrefix + strconv.FormatInt(userID, 10)
}

func notifyChannel(userID int64) string {
	return pushNotifyPrefix + strconv.FormatInt(userID, 10)
}

func tagField(n models.PushNotification) string {
	if n.Tag != "" {
		return n.Tag
	}
	return "untagged"
}
