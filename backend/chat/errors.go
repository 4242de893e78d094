// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrEditWindowExpired = errors.New("edit window expired")
	ErrValidation        = errors.New("validation failed")
	ErrUnavailable       = errors.New("service unavailable")
)

// Wire codes reported to clients.
const (
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeEditWindowExpired = "edit_window_expired"
	CodeValidation        = "validation_failed"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal_error"
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
	{ErrEditWindowExpired, CodeEditWindowExpired, http.StatusConflict},
	{ErrValidation, CodeValidation, http.StatusBadRequest},
	{ErrUnavailable, CodeUnavailable, http.StatusServiceUnavailable},
}

// Code maps err to its wire code. Unknown errors are internal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps err to the status code used by the REST handlers.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Message returns the text shown to the client. Store and collaborator
// details never leave the process.
func Message(err error) string {
	if errors.Is(err, ErrUnavailable) {
		return ErrUnavailable.Error()
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return err.Error()
		}
	}
	return "internal error"
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
