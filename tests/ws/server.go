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

// Package ws provides a WebSocket server that plays the driver side of the
// protocol in tests.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-channel/protocol"
)

// Server can be used as a test alternative to a real driver process.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	Context    context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
		Context:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the ws:// URL of path on the server.
func (s *Server) URL(path string) string {
	s.t.Helper()

	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	return fmt.Sprintf("ws://%s%s", u.Host, path)
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// This forces a connection closure without a proper WS close message exchange
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server. It echoes one message
// and then closes the connection normally.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		messageType, r, e := conn.NextReader()
		if e != nil {
			return
		}
		var wc io.WriteCloser
		wc, err = conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
		// Wait for the peer to acknowledge the close.
		_, _, _ = conn.ReadMessage()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// DriverHandlerFunc handles one request received by the fake driver. It may
// write any number of messages to writeCh, in the order they must reach the
// client.
type DriverHandlerFunc func(msg *protocol.Message, writeCh chan<- *protocol.Message)

// Driver records the requests received by a driver handler.
type Driver struct {
	mu      sync.Mutex
	methods []string
	writeCh chan *protocol.Message
}

// Methods returns the methods of the requests received so far.
func (d *Driver) Methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methods...)
}

// Push sends msg to the connected client outside of a request, which is how
// tests emit unsolicited events and lifecycle notifications.
func (d *Driver) Push(msg *protocol.Message) {
	d.writeCh <- msg
}

// WithDriverHandler attaches a fake driver to Server. Every decoded request
// is passed to fn; if driver is not nil it records the requests and can
// push messages. Only a single client is expected per path.
func WithDriverHandler(path string, fn DriverHandlerFunc, driver *Driver) func(*Server) {
	if driver == nil {
		driver = &Driver{}
	}
	driver.writeCh = make(chan *protocol.Message, 64)

	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return
				}
				msg, err := protocol.Decode(buf)
				if err != nil {
					return
				}
				driver.mu.Lock()
				driver.methods = append(driver.methods, msg.Method)
				driver.mu.Unlock()

				fn(msg, driver.writeCh)
			}
		}()

		for {
			select {
			case msg := <-driver.writeCh:
				buf, err := protocol.Encode(msg)
				if err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
					return
				}
			case <-done:
				return
			case <-req.Context().Done():
				return
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// DriverDefaultHandler answers every request with an empty result.
func DriverDefaultHandler(msg *protocol.Message, writeCh chan<- *protocol.Message) {
	writeCh <- protocol.NewResponse(msg.ID, []byte("{}"))
}
