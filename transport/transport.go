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

// Package transport carries framed messages between the client and the
// driver process. A transport knows nothing about the protocol: it only
// preserves message boundaries and ordering.
package transport

import "errors"

// ErrClosed is the close reason reported when the transport was closed
// locally.
var ErrClosed = errors.New("transport closed")

// Handler receives the inbound traffic of a Transport.
//
// Calls are made sequentially, never concurrently: HandleMessage in the
// order the peer sent the frames, optionally HandleError, and finally
// HandleClose, exactly once. HandleClose may come from another goroutine
// than the messages did.
type Handler interface {
	HandleMessage(payload []byte)
	HandleError(err error)
	HandleClose(reason error)
}

// Transport is a framed duplex channel to the driver process.
type Transport interface {
	// Start begins delivering inbound frames to h. It must be called once.
	Start(h Handler) error
	// Send writes one frame. It is safe for concurrent use.
	Send(payload []byte) error
	// Close shuts the channel down. HandleClose is called with ErrClosed
	// unless the transport had already failed.
	Close() error
}
