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

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/efchatnet/efdm/backend/config"
	"github.com/efchatnet/efdm/backend/integration"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/realtime"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/memory"
	redisstore "github.com/efchatnet/efdm/backend/storage/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dmConfig := &integration.Config{
		JWTSecret:     cfg.JWTSecret,
		JWTIssuer:     cfg.JWTIssuer,
		Logger:        logger,
		CacheCapacity: cfg.CacheCapacity,
		CacheTTL:      cfg.CacheTTL,
		EditWindow:    cfg.EditWindow,
		Gateway: realtime.Options{
			FrameRate:      rate.Limit(cfg.FrameRate),
			FrameBurst:     cfg.FrameBurst,
			AllowedOrigins: cfg.AllowedOrigins,
		},
	}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		store, err := memoryStore(cfg.MemoryUsers)
		if err != nil {
			logger.Fatalf("Invalid MEMORY_USERS: %v", err)
		}
		dmConfig.Store = store
		logger.Warn("Using the in-memory store; messages are lost on restart")
	default:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		dmConfig.DB = db
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		dmConfig.Redis = rdb
	} else {
		logger.Info("REDIS_URL not set, push notifications disabled")
	}

	dm, err := integration.NewDMIntegration(ctx, dmConfig)
	if err != nil {
		logger.Fatalf("Failed to initialise DM module: %v", err)
	}
	if err := dm.ValidateSetup(ctx); err != nil {
		logger.Fatalf("DM module setup invalid: %v", err)
	}

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	dm.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := dm.GetStore().Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		dm.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Shutdown incomplete")
		}
	}()

	logger.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"store":      cfg.StoreDriver,
		"jwt_issuer": cfg.JWTIssuer,
	}).Info("DM server starting")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Server failed to start: %v", err)
	}
	<-done
}

func memoryStore(users []string) (storage.Store, error) {
	store := memory.NewStore()
	for _, entry := range users {
		idText, name, ok := strings.Cut(entry, ":")
		id, err := strconv.ParseInt(idText, 10, 64)
		if !ok || err != nil || id <= 0 || name == "" {
			return nil, fmt.Errorf("bad entry %q, want id:name", entry)
		}
		store.AddUser(models.User{ID: id, Username: name})
	}
	return store, nil
}
