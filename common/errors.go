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

package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/xk6-channel/errext"
)

// Sentinel errors matched with errors.Is. Every typed error below unwraps to
// one of them.
var (
	ErrTransport         = errors.New("transport error")
	ErrRemote            = errors.New("remote error")
	ErrTimedOut          = errors.New("timed out")
	ErrCancelled         = errors.New("cancelled")
	ErrDisposed          = errors.New("object disposed")
	ErrProtocolViolation = errors.New("protocol violation")
)

var (
	_ errext.HasHint   = &TransportError{}
	_ errext.HasHint   = &ProtocolViolation{}
	_ errext.Exception = &RemoteError{}
)

// TransportError is returned for calls that could not complete because the
// connection to the driver went away.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "connection closed"
	}
	return "connection closed: " + e.Err.Error()
}

// Unwrap returns both the sentinel and the root cause.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// Hint implements errext.HasHint.
func (e *TransportError) Hint() string {
	return "the connection to the driver was lost, make sure the driver process is still running"
}

// RemoteError is a failure reported by the driver for a call.
type RemoteError struct {
	Name    string
	Message string

	// RemoteStack is the stack reported by the driver.
	RemoteStack string
	// LocalStack is the client call site that issued the call.
	LocalStack string

	GUID   string
	Method string
}

func (e *RemoteError) Error() string {
	name := e.Name
	if name == "" {
		name = "Error"
	}
	return fmt.Sprintf("%s.%s: %s: %s", e.GUID, e.Method, name, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// Stack returns the remote stack followed by the local call site.
func (e *RemoteError) Stack() string {
	var sb strings.Builder
	if e.RemoteStack != "" {
		sb.WriteString(e.RemoteStack)
	}
	if e.LocalStack != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(e.LocalStack)
	}
	return sb.String()
}

// StackTrace implements errext.Exception.
func (e *RemoteError) StackTrace() string {
	if s := e.Stack(); s != "" {
		return e.Error() + "\n" + s
	}
	return e.Error()
}

// TimeoutError is returned by a Waiter whose deadline passed.
type TimeoutError struct {
	Waiting string
	Timeout time.Duration
	Logs    []string
}

func (e *TimeoutError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "timeout %s exceeded", e.Timeout)
	if e.Waiting != "" {
		fmt.Fprintf(&sb, " while waiting for %s", e.Waiting)
	}
	if len(e.Logs) > 0 {
		sb.WriteString("\nwaiting log:")
		for _, l := range e.Logs {
			sb.WriteString("\n  ")
			sb.WriteString(l)
		}
	}
	return sb.String()
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimedOut
}

// CancelledError is returned by a Waiter that was cancelled before it
// settled.
type CancelledError struct {
	Waiting string
	Cause   error
}

func (e *CancelledError) Error() string {
	msg := "waiting cancelled"
	if e.Waiting != "" {
		msg = "waiting for " + e.Waiting + " cancelled"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCancelled}
	}
	return []error{ErrCancelled, e.Cause}
}

// DisposedError is returned when using, or waiting on, an object that the
// driver has disposed.
type DisposedError struct {
	GUID string
	Type string
}

func (e *DisposedError) Error() string {
	return fmt.Sprintf("%s %q has been disposed", e.Type, e.GUID)
}

func (e *DisposedError) Unwrap() error {
	return ErrDisposed
}

// ProtocolViolation is a message from the driver that breaks the protocol.
// It is fatal to the connection.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "protocol violation: " + e.Reason
}

func (e *ProtocolViolation) Unwrap() error {
	return ErrProtocolViolation
}

// Hint implements errext.HasHint.
func (e *ProtocolViolation) Hint() string {
	return "the driver sent a message this client cannot handle, make sure the client and driver versions match"
}

func violationf(format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{Reason: fmt.Sprintf(format, args...)}
}
