// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package realtime

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, server *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil returns the first event of type typ, skipping others.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev event
		require.NoError(t, ws.ReadJSON(&ev))
		if ev["type"] == typ {
			return ev
		}
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	server := httptest.NewServer(h.gw)
	defer server.Close()

	alice := dial(t, server, nil)
	bob := dial(t, server, nil)

	require.NoError(t, alice.WriteJSON(event{"type": FrameBind, "token": "t1"}))
	assert.Equal(t, int64(1), num(readUntil(t, alice, EventBound)["user_id"]))
	require.NoError(t, bob.WriteJSON(event{"type": FrameBind, "token": "t2"}))
	readUntil(t, bob, EventBound)

	require.NoError(t, alice.WriteJSON(event{"type": FrameSendMessage, "recipient_id": 2, "content": "hello", "ref": "a"}))

	got := readUntil(t, bob, EventNewMessage)
	msg := got["message"].(map[string]interface{})
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "a", readUntil(t, alice, EventNewMessage)["ref"])

	require.NoError(t, bob.Close())
	presence := readUntil(t, alice, EventPresence)
	assert.Equal(t, []interface{}{float64(1)}, presence["online_user_ids"])
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, Options{AllowedOrigins: []string{"https://efchat.net"}})
	server := httptest.NewServer(h.gw)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ok := dial(t, server, http.Header{"Origin": []string{"https://efchat.net"}})
	require.NoError(t, ok.WriteJSON(event{"type": FrameBind, "token": "t1"}))
	readUntil(t, ok, EventBound)
}

func TestSendToStalledClientDoesNotBlock(t *testing.T) {
	conns := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConnection(ws)
		conn.Start()
		conns <- conn
	}))
	defer server.Close()

	// The client never reads, so the socket and then the buffer fill up.
	dial(t, server, nil)
	var conn *Connection
	select {
	case conn = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no server connection")
	}

	payload := bytes.Repeat([]byte("x"), 64<<10)
	start := time.Now()
	var err error
	for i := 0; i < 10000 && err == nil; i++ {
		err = conn.Send(payload)
	}
	assert.ErrorIs(t, err, ErrBufferExceeded)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-conn.Done():
	default:
		t.Fatal("overflow should close the connection")
	}
	assert.ErrorIs(t, conn.Send(payload), ErrConnClosed)
}
