// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config reads the server configuration from the environment. A
// .env file in the working directory is loaded first when present; values
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string
	StoreDriver string
	DatabaseURL string
	RedisURL    string

	JWTSecret string
	JWTIssuer string

	LogLevel  string
	LogFormat string

	CacheTTL      time.Duration
	CacheCapacity int
	EditWindow    time.Duration

	FrameRate  float64
	FrameBurst int

	AllowedOrigins []string

	// MemoryUsers seeds the memory store, as "id:name" pairs.
	MemoryUsers []string
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := &Config{
		Port:        orDefault(getenv("PORT"), "8081"),
		StoreDriver: orDefault(getenv("STORE_DRIVER"), DriverPostgres),
		DatabaseURL: orDefault(getenv("DATABASE_URL"), "postgres://localhost/efdm?sslmode=disable"),
		RedisURL:    getenv("REDIS_URL"),
		JWTSecret:   getenv("JWT_SECRET"),
		JWTIssuer:   orDefault(getenv("JWT_ISSUER"), "efchat"),
		LogLevel:    orDefault(getenv("LOG_LEVEL"), "info"),
		LogFormat:   orDefault(getenv("LOG_FORMAT"), "text"),
		AllowedOrigins: splitList(orDefault(getenv("ALLOWED_ORIGINS"),
			"https://efchat.net,https://app.efchat.net,http://localhost:3000")),
		MemoryUsers: splitList(getenv("MEMORY_USERS")),
	}

	var err error
	if c.CacheTTL, err = duration(getenv, "CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.EditWindow, err = duration(getenv, "EDIT_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.CacheCapacity, err = integer(getenv, "CACHE_CAPACITY", 50); err != nil {
		return nil, err
	}
	if c.FrameBurst, err = integer(getenv, "FRAME_BURST", 40); err != nil {
		return nil, err
	}
	c.FrameRate = 20
	if v := getenv("FRAME_RATE"); v != "" {
		if c.FrameRate, err = strconv.ParseFloat(v, 64); err != nil || c.FrameRate <= 0 {
			return nil, fmt.Errorf("config: FRAME_RATE must be a positive number, got %q", v)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET environment variable is required")
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func integer(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", key, v)
	}
	return n, nil
}
