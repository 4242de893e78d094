// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/middleware"
)

const (
	readLimit   = 1 << 20
	readTimeout = 60 * time.Second
)

func (g *Gateway) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(g.opts.AllowedOrigins) > 0 {
		allowed := g.opts.AllowedOrigins
		u.CheckOrigin = func(r *http.Request) bool {
			return middleware.OriginAllowed(allowed, r.Header.Get("Origin"))
		}
	}
	return u
}

// ServeHTTP upgrades the request to a websocket and runs the session until
// the client goes away. Authentication happens in-band with a bind frame.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		g.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws)
	session := g.NewSession(conn)
	conn.Start()
	defer func() {
		session.Close()
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				session.log.WithError(err).Debug("read loop ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		session.Handle(r.Context(), data)
	}
}
