// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	closeWait      = time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 128
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrBufferExceeded = errors.New("connection buffer exceeded")
)

// Conn is one client connection as seen by the hub. Send must not block.
type Conn interface {
	Send(payload []byte) error
	Close(code int, reason string)
}

// Connection wraps a websocket and coordinates outbound writes via a buffered channel.
// It is safe for concurrent use. Only the write loop writes to the socket.
type Connection struct {
	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}

	// Set once, before close is closed.
	closeCode   int
	closeReason string
}

func NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ws:    ws,
		send:  make(chan []byte, sendBufferSize),
		close: make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. If the client is slow and the buffer is full,
// the connection is closed to keep backpressure bounded. Send never blocks.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return ErrBufferExceeded
	}
}

// Close asks the write loop to send a close frame and drop the socket, and
// returns immediately. The send channel stays open so concurrent Sends
// never panic.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.close)
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.close
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.close:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(closeWait))
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
