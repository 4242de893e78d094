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

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/efchatnet/efdm/backend/cache"
	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/handlers"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/presence"
	"github.com/efchatnet/efdm/backend/realtime"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/postgres"
	redisstore "github.com/efchatnet/efdm/backend/storage/redis"
)

// DMIntegration provides direct messaging as a plugin for efchat
type DMIntegration struct {
	store     storage.Store
	postgres  *postgres.Store
	engine    *chat.Engine
	hub       *realtime.Hub
	gateway   *realtime.Gateway
	verifier  *middleware.Verifier
	dmHandler *handlers.DMHandler
	push      *redisstore.PushStore
	jwtSecret string
	log       *logrus.Entry
}

// Config holds configuration for the DM integration. Either DB or Store
// must be set; Store wins when both are.
type Config struct {
	DB        *sql.DB
	Store     storage.Store
	Redis     *redis.Client
	JWTSecret string
	JWTIssuer string
	Logger    *logrus.Logger

	CacheCapacity int
	CacheTTL      time.Duration
	EditWindow    time.Duration
	Gateway       realtime.Options
}

// NewDMIntegration wires the DM engine and its gateway. Postgres-backed
// stores are migrated first.
func NewDMIntegration(ctx context.Context, config *Config) (*DMIntegration, error) {
	if config.JWTSecret == "" {
		return nil, &ValidationError{Message: "JWT secret is not configured"}
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	e := &DMIntegration{
		store:     config.Store,
		jwtSecret: config.JWTSecret,
		log:       logger.WithField("component", "dm_integration"),
	}
	if e.store == nil {
		if config.DB == nil {
			return nil, &ValidationError{Message: "neither a store nor a database is configured"}
		}
		e.postgres = postgres.NewStore(config.DB)
		if err := e.postgres.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		e.store = e.postgres
	}

	conversations := cache.New(config.CacheCapacity, config.CacheTTL)
	e.engine = chat.NewEngine(e.store, conversations, logger, chat.Options{EditWindow: config.EditWindow})
	e.hub = realtime.NewHub(presence.NewRegistry(), e.store, logger)
	e.verifier = middleware.NewVerifier(config.JWTSecret, config.JWTIssuer, logger)

	opts := config.Gateway
	if opts.Push == nil && config.Redis != nil {
		e.push = redisstore.NewPushStore(config.Redis)
		opts.Push = e.push
	}
	e.gateway = realtime.NewGateway(e.hub, e.engine, e.verifier, logger, opts)
	e.dmHandler = handlers.NewDMHandler(e.engine, e.hub, logger)

	return e, nil
}

// RegisterRoutes adds DM routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (e *DMIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	// The websocket authenticates in-band with a bind frame.
	router.Handle("/ws", e.gateway).Methods("GET")

	api := router.PathPrefix("/api/dm").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.verifier))
	}
	e.dmHandler.RegisterRoutes(api)
}

// ValidateSetup checks if the DM module is properly configured
func (e *DMIntegration) ValidateSetup(ctx context.Context) error {
	if e.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	if err := e.store.Ping(ctx); err != nil {
		return &ValidationError{Message: "store unreachable: " + err.Error()}
	}
	if e.push != nil {
		if err := e.push.Ping(ctx); err != nil {
			return &ValidationError{Message: "redis unreachable: " + err.Error()}
		}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *DMIntegration) GetStore() storage.Store {
	return e.store
}

func (e *DMIntegration) GetEngine() *chat.Engine {
	return e.engine
}

func (e *DMIntegration) GetHub() *realtime.Hub {
	return e.hub
}

func (e *DMIntegration) GetGateway() *realtime.Gateway {
	return e.gateway
}

func (e *DMIntegration) GetDMHandler() *handlers.DMHandler {
	return e.dmHandler
}

func (e *DMIntegration) GetVerifier() *middleware.Verifier {
	return e.verifier
}

// CleanupDMSession removes the whole history of a DM space. The space id
// has the form dm-<user1>-<user2>; other ids are ignored.
func (e *DMIntegration) CleanupDMSession(ctx context.Context, spaceID string) error {
	if !strings.HasPrefix(spaceID, "dm-") {
		return nil // Not a DM space
	}

	parts := strings.Split(spaceID, "-")
	if len(parts) != 3 {
		return fmt.Errorf("invalid DM space ID format: %s", spaceID)
	}
	user1, err1 := strconv.ParseInt(parts[1], 10, 64)
	user2, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("invalid DM space ID format: %s", spaceID)
	}

	if err := e.engine.WipeConversation(ctx, user1, user2); err != nil {
		return fmt.Errorf("failed to delete DMs between %d and %d: %w", user1, user2, err)
	}

	e.log.WithFields(logrus.Fields{
		"space_id": spaceID,
		"user1":    user1,
		"user2":    user2,
	}).Info("cleaned up DM session data")
	return nil
}

// ForgetUser drops cached state for a user whose account went away.
func (e *DMIntegration) ForgetUser(userID int64) {
	e.engine.ForgetUser(userID)
}

// Close disconnects every websocket and waits for background work.
func (e *DMIntegration) Close() {
	e.hub.Close()
	e.hub.Wait()
	e.gateway.Wait()
}
