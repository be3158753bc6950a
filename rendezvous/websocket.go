// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/meshfeed/lib/netutil"
)

// writeTimeout bounds one announce write when ctx has no deadline.
const writeTimeout = 10 * time.Second

// signalBuffer is the inbound queue depth per connection.
const signalBuffer = 64

// WebSocketDialer connects to a tracker at URL (ws:// or wss://).
type WebSocketDialer struct {
	URL string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial opens the connection and starts its read loop.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing tracker %s: %w", d.URL, err)
	}

	conn := &webSocketConn{
		ws:      ws,
		url:     d.URL,
		logger:  logger,
		signals: make(chan Signal, signalBuffer),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

type webSocketConn struct {
	ws     *websocket.Conn
	url    string
	logger *slog.Logger

	signals chan Signal
	done    chan struct{}

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *webSocketConn) readLoop() {
	defer close(c.signals)
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.closed.Load():
			case netutil.IsExpectedCloseError(err),
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Info("tracker connection closed", "url", c.url, "error", err)
			default:
				c.logger.Warn("tracker connection lost", "url", c.url, "error", err)
			}
			return
		}
		var signal Signal
		if err := json.Unmarshal(data, &signal); err != nil {
			c.logger.Warn("dropping malformed tracker message", "url", c.url, "error", err)
			continue
		}
		if signal.FailureReason != "" {
			c.logger.Warn("tracker reported failure", "url", c.url, "reason", signal.FailureReason)
		}
		if signal.WarningMessage != "" {
			c.logger.Warn("tracker warning", "url", c.url, "message", signal.WarningMessage)
		}
		select {
		case c.signals <- signal:
		case <-c.done:
			return
		}
	}
}

func (c *webSocketConn) Open() bool { return !c.closed.Load() }

func (c *webSocketConn) Send(ctx context.Context, announce Announce) error {
	if c.closed.Load() {
		return ErrNotOpen
	}
	data, err := json.Marshal(announce)
	if err != nil {
		return fmt.Errorf("encoding announce: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		c.Close()
		return fmt.Errorf("writing announce: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.Close()
		return fmt.Errorf("writing announce: %w", err)
	}
	return nil
}

func (c *webSocketConn) Signals() <-chan Signal { return c.signals }

func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
