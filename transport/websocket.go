/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-channel/log"
)

const wsWriteBufferSize = 1 << 20

// Ensure WebSocket implements the Transport interface
var _ Transport = &WebSocket{}

// WebSocket is a Transport sending one text frame per message over a
// WebSocket connection to the driver.
type WebSocket struct {
	ctx    context.Context
	url    string
	logger *log.Logger
	conn   *websocket.Conn

	sendCh  chan []byte
	done    chan struct{}
	started bool

	mu           sync.Mutex
	closing      bool
	closeReason  error
	shutdownOnce sync.Once
}

// NewWebSocket dials the driver at url.
func NewWebSocket(ctx context.Context, url string, logger *log.Logger) (*WebSocket, error) {
	var header http.Header
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	return &WebSocket{
		ctx:    ctx,
		url:    url,
		logger: logger,
		conn:   conn,
		sendCh: make(chan []byte, 32), // Avoid blocking in Send
		done:   make(chan struct{}),
	}, nil
}

// Start implements Transport.
func (t *WebSocket) Start(h Handler) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("websocket transport already started")
	}
	t.started = true
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(t.ctx)
	g.Go(func() error { return t.recvLoop(h) })
	g.Go(t.sendLoop)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			reason := t.ctx.Err()
			if reason == nil {
				reason = ErrClosed
			}
			t.shutdown(websocket.CloseGoingAway, reason)
		case <-t.done:
		}
		return nil
	})

	go func() {
		err := g.Wait()
		t.logger.Debugf("transport", "websocket %s closed: %v", t.url, err)
		h.HandleClose(err)
	}()

	return nil
}

// Send implements Transport.
func (t *WebSocket) Send(payload []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	select {
	case t.sendCh <- payload:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Close implements Transport.
func (t *WebSocket) Close() error {
	return t.shutdown(websocket.CloseNormalClosure, ErrClosed)
}

// shutdown cleanly closes the WebSocket connection.
// Returns an error if sending the close control frame fails.
func (t *WebSocket) shutdown(code int, reason error) error {
	var err error

	t.shutdownOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.closeReason = reason
		t.mu.Unlock()

		defer func() {
			_ = t.conn.Close()
			close(t.done)
		}()

		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
	})

	return err
}

// closed reports whether the connection was shut down locally, and why.
func (t *WebSocket) closed() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing, t.closeReason
}

func (t *WebSocket) recvLoop(h Handler) error {
	for {
		_, buf, err := t.conn.ReadMessage()
		if err != nil {
			if closing, reason := t.closed(); closing {
				return reason
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// Report an unexpected closure
				h.HandleError(err)
			}
			code := websocket.CloseGoingAway
			var cerr *websocket.CloseError
			if errors.As(err, &cerr) {
				code = cerr.Code
			}
			_ = t.shutdown(code, err)
			return err
		}

		t.logger.Debugf("transport:recv", "<- %s", buf)
		h.HandleMessage(buf)
	}
}

func (t *WebSocket) sendLoop() error {
	for {
		select {
		case buf := <-t.sendCh:
			t.logger.Debugf("transport:send", "-> %s", buf)
			writer, err := t.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return t.writeFailed(err)
			}
			if _, err := writer.Write(buf); err != nil {
				return t.writeFailed(err)
			}
			if err := writer.Close(); err != nil {
				return t.writeFailed(err)
			}
		case <-t.done:
			return nil
		}
	}
}

func (t *WebSocket) writeFailed(err error) error {
	if closing, _ := t.closed(); closing {
		return nil
	}
	return err
}
