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
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/xk6-channel/errext"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/transport"
)

// Ensure Connection implements the transport.Handler interface
var _ transport.Handler = &Connection{}

// Connection multiplexes calls to the remote objects of a driver over a
// single transport, and mirrors the driver's object tree.
//
// Inbound messages are dispatched one at a time, in the order the driver
// sent them, on the goroutine the transport delivers them on. Listeners run
// on that goroutine too.
type Connection struct {
	ctx       context.Context
	transport transport.Transport
	registry  *Registry
	logger    *log.Logger
	opts      ConnectionOptions
	tracer    trace.Tracer

	root *ChannelOwner

	// dispatchMu serializes dispatch with teardown.
	dispatchMu sync.Mutex

	mu           sync.RWMutex
	lastID       int64
	pending      map[int64]*Call
	objects      map[string]*ChannelOwner
	closing      bool
	closed       bool
	err          error
	transportErr error

	teardownOnce sync.Once
	done         chan struct{}
}

// NewConnection creates a connection over t and starts reading from it.
// Objects announced by the driver are built with the factories in reg.
// The connection is closed when ctx is done.
func NewConnection(
	ctx context.Context, t transport.Transport, reg *Registry, logger *log.Logger, opts ...ConnectionOption,
) (*Connection, error) {
	if reg == nil {
		return nil, errext.WithHint(errors.New("creating connection: no object registry"),
			"register the object types of the driver with NewRegistry before connecting")
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}

	c := &Connection{
		ctx:       ctx,
		transport: t,
		registry:  reg,
		logger:    logger,
		opts:      NewConnectionOptions(),
		tracer:    defaultTracer(),
		pending:   make(map[int64]*Call),
		objects:   make(map[string]*ChannelOwner),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.root = newChannelOwner(c, nil, RootType, "", nil)
	c.root.timeouts.SetDefaultTimeout(c.opts.timeout())
	c.objects[c.root.guid] = c.root

	if err := t.Start(c); err != nil {
		return nil, fmt.Errorf("starting transport: %w", err)
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.logger.Debugf("connection", "context done: %v", ctx.Err())
				_ = c.Close()
			case <-c.done:
			}
		}()
	}

	return c, nil
}

// Root returns the root object, the ancestor of every object of the
// connection.
func (c *Connection) Root() *ChannelOwner {
	return c.root
}

// Object returns the live object with the given guid.
func (c *Connection) Object(guid string) (Object, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.objects[guid]
	if !ok {
		return nil, false
	}
	return o.object, true
}

// Objects returns the number of live objects, the root included.
func (c *Connection) Objects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.objects)
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.closed
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was torn down, as a
// *TransportError, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.err
}

// Close closes the transport. New calls fail at once; the connection is torn
// down when the transport reports the close, see Done.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("closing transport: %w", err)
	}
	return nil
}

// HandleMessage implements transport.Handler.
func (c *Connection) HandleMessage(payload []byte) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	if c.Closed() {
		c.logger.Debugf("connection:dispatch", "dropping message received after close: %s", payload)
		return
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		c.fail(violationf("malformed message: %v", err))
		return
	}
	if err := c.dispatch(msg); err != nil {
		c.fail(err)
	}
}

// HandleError implements transport.Handler.
func (c *Connection) HandleError(err error) {
	c.logger.Errorf("connection", "transport error: %v", err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transportErr == nil {
		c.transportErr = err
	}
}

// HandleClose implements transport.Handler.
func (c *Connection) HandleClose(reason error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.RLock()
	if c.transportErr != nil {
		reason = c.transportErr
	}
	c.mu.RUnlock()
	if reason == nil {
		reason = transport.ErrClosed
	}

	c.teardown(reason)
}

func (c *Connection) dispatch(msg *protocol.Message) error {
	switch msg.Kind() {
	case protocol.KindResponse:
		return c.handleResponse(msg)
	case protocol.KindCreate:
		return c.handleCreate(msg)
	case protocol.KindDispose:
		return c.handleDispose(msg)
	case protocol.KindAdopt:
		return violationf("%s %q: ownership of objects cannot change", protocol.MethodAdopt, msg.GUID)
	case protocol.KindEvent:
		return c.handleEvent(msg)
	default:
		return violationf("message is neither a response, an event nor a lifecycle notification (id=%d guid=%q method=%q)",
			msg.ID, msg.GUID, msg.Method)
	}
}

func (c *Connection) handleResponse(msg *protocol.Message) error {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		return violationf("response for unknown request id %d", msg.ID)
	}

	if msg.Error != nil {
		c.logger.Debugf("connection:dispatch", "<- #%d %s.%s failed: %v", msg.ID, call.owner.typ, call.Method, msg.Error)
		call.settle(nil, nil, &RemoteError{
			Name:        msg.Error.Name,
			Message:     msg.Error.Message,
			RemoteStack: msg.Error.Stack,
			LocalStack:  call.callerStack(),
			GUID:        call.GUID,
			Method:      call.Method,
		})
		return nil
	}

	result, err := c.decodeParams(msg.Result)
	if err != nil {
		v := violationf("decoding result of #%d %s.%s: %v", msg.ID, call.owner.typ, call.Method, err)
		call.settle(nil, nil, v)
		return v
	}
	c.logger.Debugf("connection:dispatch", "<- #%d %s.%s", msg.ID, call.owner.typ, call.Method)
	call.settle(result, msg.Result, nil)
	return nil
}

func (c *Connection) handleCreate(msg *protocol.Message) error {
	params, err := msg.CreateParams()
	if err != nil {
		return violationf("%v", err)
	}

	c.mu.RLock()
	_, exists := c.objects[msg.GUID]
	parent, parentOK := c.objects[params.ParentGUID]
	c.mu.RUnlock()

	switch {
	case exists:
		return violationf("object %q created twice", msg.GUID)
	case !parentOK:
		return violationf("object %q created under unknown parent %q", msg.GUID, params.ParentGUID)
	}

	factory, ok := c.registry.lookup(params.Type)
	if !ok {
		return violationf("object %q has unregistered type %q", msg.GUID, params.Type)
	}

	o := newChannelOwner(c, parent, params.Type, msg.GUID, params.Initializer)
	parent.addChild(o)
	c.mu.Lock()
	c.objects[o.guid] = o
	c.mu.Unlock()

	if factory != nil {
		obj, err := factory(o)
		if err != nil {
			return violationf("building %s: %v", o, err)
		}
		if obj == nil || obj.Owner() != o {
			return violationf("factory of type %q returned an object not owned by %q", o.typ, o.guid)
		}
		o.object = obj
	}

	c.logger.Debugf("connection:dispatch", "created %s under %s", o, parent)
	return nil
}

func (c *Connection) handleDispose(msg *protocol.Message) error {
	if msg.GUID == c.root.guid {
		return violationf("the root object cannot be disposed")
	}

	c.mu.RLock()
	o, ok := c.objects[msg.GUID]
	c.mu.RUnlock()

	if !ok {
		c.logger.Debugf("connection:dispatch", "ignoring dispose of unknown object %q", msg.GUID)
		return nil
	}
	o.dispose()
	return nil
}

func (c *Connection) handleEvent(msg *protocol.Message) error {
	c.mu.RLock()
	o, ok := c.objects[msg.GUID]
	c.mu.RUnlock()

	if !ok {
		// The object may have been disposed while the event was in flight.
		c.logger.Debugf("connection:dispatch", "dropping %q event for unknown object %q", msg.Method, msg.GUID)
		return nil
	}

	params, err := c.decodeParams(msg.Params)
	if err != nil {
		return violationf("decoding params of %q event for %s: %v", msg.Method, o, err)
	}
	if c.logger.DebugMode() {
		c.logger.Debugf("connection:dispatch", "<- %s %s %s", o, msg.Method, peek(msg.Params))
	}

	o.emit(&Event{
		Name:   msg.Method,
		Target: o.object,
		Params: params,
		Raw:    msg.Params,
	})
	return nil
}

// call registers and sends a call. Local failures settle the returned call
// before it is returned.
func (c *Connection) call(ctx context.Context, o *ChannelOwner, method string, params any) *Call {
	call := newCall(o, method)
	call.span = c.startSpan(ctx, o, method)

	if o.Disposed() {
		call.settle(nil, nil, o.disposedError())
		return call
	}
	buf, err := c.encodeParams(params)
	if err != nil {
		call.settle(nil, nil, fmt.Errorf("%s.%s: %w", o.typ, method, err))
		return call
	}

	c.mu.Lock()
	if c.closed || c.closing {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = &TransportError{Err: transport.ErrClosed}
		}
		call.settle(nil, nil, err)
		return call
	}
	c.lastID++
	call.ID = c.lastID
	c.pending[call.ID] = call
	c.mu.Unlock()

	setSpanID(call.span, call.ID)

	frame, err := protocol.Encode(protocol.NewRequest(call.ID, o.guid, method, buf))
	if err != nil {
		c.forgetCall(call.ID)
		call.settle(nil, nil, err)
		return call
	}

	if d := c.opts.SlowMo.TimeDuration(); d > 0 {
		time.Sleep(d)
	}

	c.logger.Debugf("connection", "-> #%d %s.%s", call.ID, o.typ, method)
	if err := c.transport.Send(frame); err != nil {
		c.forgetCall(call.ID)
		call.settle(nil, nil, &TransportError{Err: err})
	}
	return call
}

func (c *Connection) forgetCall(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

// forget removes a disposed object from the live objects.
func (c *Connection) forget(o *ChannelOwner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.objects[o.guid] == o {
		delete(c.objects, o.guid)
	}
}

// fail tears the connection down after a fatal dispatch error. Must be
// called with dispatchMu held.
func (c *Connection) fail(err error) {
	msg, fields := errext.Format(err)
	c.logger.Errorf("connection", "%s %v", msg, fields)

	c.teardown(err)
	if cerr := c.transport.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
		c.logger.Debugf("connection", "closing transport: %v", cerr)
	}
}

// teardown rejects every pending call and disposes every object. Must be
// called with dispatchMu held; only the first call has any effect.
func (c *Connection) teardown(cause error) {
	c.teardownOnce.Do(func() {
		terr := &TransportError{Err: cause}

		c.mu.Lock()
		c.closed = true
		c.err = terr
		pending := c.pending
		c.pending = make(map[int64]*Call)
		c.mu.Unlock()

		c.logger.Debugf("connection", "closing connection: %v (%d pending calls)", cause, len(pending))

		ids := make([]int64, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			pending[id].settle(nil, nil, terr)
		}

		c.root.dispose()
		close(c.done)
	})
}

// peek returns a short preview of raw JSON for debug logs.
func peek(raw []byte) string {
	const maxPeek = 256
	if len(raw) == 0 {
		return "{}"
	}
	s := gjson.ParseBytes(raw).Raw
	if len(s) > maxPeek {
		return s[:maxPeek] + "..."
	}
	return s
}
