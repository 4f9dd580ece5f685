// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package ws adapts a gorilla websocket connection to the connection
// manager: a read pump feeding inbound frames to the manager and a write
// pump draining a buffered outbound queue. A slow or dead reader is closed
// rather than allowed to block fanout.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/echochat/server/internal/envelope"
	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/manager"
	"github.com/echochat/server/internal/registry"
	"github.com/echochat/server/internal/store"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024 // 64 KB
	sendBuffer   = 256
)

// ErrSendBufferFull reports a client whose outbound queue is saturated. The
// frame is dropped for that client only.
var ErrSendBufferFull = errors.New("client send buffer full")

// Client glues one websocket to the connection manager. It implements the
// transport interface the registry expects.
type Client struct {
	mgr     *manager.Manager
	sock    *websocket.Conn
	conn    *registry.Connection
	send    chan []byte
	limiter *rate.Limiter

	closeOnce  sync.Once
	detachOnce sync.Once
	done       chan struct{}
}

// NewClient wraps an upgraded websocket. frameRate bounds inbound frames per
// second per connection; excess frames are dropped, not fatal.
func NewClient(mgr *manager.Manager, sock *websocket.Conn, frameRate rate.Limit, burst int) *Client {
	return &Client{
		mgr:     mgr,
		sock:    sock,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(frameRate, burst),
		done:    make(chan struct{}),
	}
}

// Attach registers the connection for user and starts both pumps. On
// registration failure the socket is left to the caller to close.
func (c *Client) Attach(ctx context.Context, user store.User) error {
	conn := registry.NewConnection(user, c)
	if err := c.mgr.Register(ctx, conn); err != nil {
		return err
	}
	c.conn = conn

	go c.writePump()
	go c.readPump(ctx)
	return nil
}

// WriteEnvelope queues an outbound envelope. It never blocks; a full buffer
// means the client cannot keep up and the frame is dropped.
func (c *Client) WriteEnvelope(env envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return errors.New("client closed")
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times; the read pump's exit performs the unregister.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
	return nil
}

func (c *Client) readPump(ctx context.Context) {
	defer c.detach(ctx)

	c.sock.SetReadLimit(maxFrameSize)
	if err := c.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("topic", c.conn.Topic).Msg("unexpected websocket close")
			}
			return
		}

		if !c.limiter.Allow() {
			logging.Warn().Str("topic", c.conn.Topic).Msg("inbound frame rate exceeded, dropping frame")
			continue
		}

		c.mgr.HandleFrame(ctx, c.conn, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
				logging.Warn().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// detach unregisters exactly once, no matter how the pumps exit.
func (c *Client) detach(ctx context.Context) {
	c.detachOnce.Do(func() {
		_ = c.Close()
		c.mgr.Unregister(ctx, c.conn)
	})
}
