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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// Ensure ChannelOwner implements the Object and EventEmitter interfaces
var (
	_ Object       = &ChannelOwner{}
	_ EventEmitter = &ChannelOwner{}
)

// RootType is the type of the root object every connection starts with.
const RootType = "Root"

// ChannelOwner is the client-side node of a remote object. It is created by
// the connection when the driver announces the object, and disposed, with
// all of its descendants, when the driver disposes it.
type ChannelOwner struct {
	BaseEventEmitter

	conn        *Connection
	guid        string
	typ         string
	parent      *ChannelOwner
	initializer easyjson.RawMessage
	timeouts    *TimeoutSettings

	// object is what the registered factory built for this node, or the
	// node itself. Set once on the dispatch path before any event.
	object Object

	// subtree holds listeners for events of this node and its descendants.
	subtree BaseEventEmitter

	mu       sync.Mutex
	children []*ChannelOwner
	waiters  map[*Waiter]struct{}
	disposed atomic.Bool
}

func newChannelOwner(
	conn *Connection, parent *ChannelOwner, typ, guid string, initializer easyjson.RawMessage,
) *ChannelOwner {
	o := &ChannelOwner{
		conn:        conn,
		guid:        guid,
		typ:         typ,
		parent:      parent,
		initializer: initializer,
		waiters:     make(map[*Waiter]struct{}),
	}
	if parent != nil {
		o.timeouts = NewTimeoutSettings(parent.timeouts)
	} else {
		o.timeouts = NewTimeoutSettings(nil)
	}
	o.object = o
	return o
}

// Owner implements Object.
func (o *ChannelOwner) Owner() *ChannelOwner {
	return o
}

// GUID returns the driver-assigned id of the object.
func (o *ChannelOwner) GUID() string {
	return o.guid
}

// Type returns the remote type name of the object.
func (o *ChannelOwner) Type() string {
	return o.typ
}

// Parent returns the owning object, or nil for the root.
func (o *ChannelOwner) Parent() *ChannelOwner {
	return o.parent
}

// Children returns the live children in creation order.
func (o *ChannelOwner) Children() []*ChannelOwner {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]*ChannelOwner(nil), o.children...)
}

// Object returns the Object the registry built for this node.
func (o *ChannelOwner) Object() Object {
	return o.object
}

// Connection returns the connection the object belongs to.
func (o *ChannelOwner) Connection() *Connection {
	return o.conn
}

// Initializer returns the initial state sent by the driver on creation.
func (o *ChannelOwner) Initializer() easyjson.RawMessage {
	return o.initializer
}

// InitializerValue looks up a single value of the initializer using gjson
// path syntax.
func (o *ChannelOwner) InitializerValue(path string) gjson.Result {
	return gjson.GetBytes(o.initializer, path)
}

// Timeouts returns the timeout settings of the object, inherited from its
// parent unless overridden.
func (o *ChannelOwner) Timeouts() *TimeoutSettings {
	return o.timeouts
}

// Disposed reports whether the driver disposed the object.
func (o *ChannelOwner) Disposed() bool {
	return o.disposed.Load()
}

// OnSubtree registers fn for event emitted by this object or any of its
// descendants.
func (o *ChannelOwner) OnSubtree(event string, fn Listener) ListenerID {
	return o.subtree.On(event, fn)
}

// OffSubtree removes a registration made with OnSubtree.
func (o *ChannelOwner) OffSubtree(event string, id ListenerID) {
	o.subtree.Off(event, id)
}

// Go calls method on the remote object asynchronously. The returned Call
// is settled when the driver answers, or when the call fails locally.
func (o *ChannelOwner) Go(method string, params any) *Call {
	return o.conn.call(o.conn.ctx, o, method, params)
}

// Send calls method on the remote object and waits for the result.
// If ctx is done first the call is abandoned: its response is still
// expected from the driver but is discarded.
func (o *ChannelOwner) Send(ctx context.Context, method string, params any) (Result, error) {
	call := o.conn.call(ctx, o, method, params)
	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		return nil, fmt.Errorf("%s.%s: %w", o.typ, method, ctx.Err())
	}
}

func (o *ChannelOwner) String() string {
	return fmt.Sprintf("%s@%s", o.typ, o.guid)
}

func (o *ChannelOwner) disposedError() *DisposedError {
	return &DisposedError{GUID: o.guid, Type: o.typ}
}

// emit delivers ev to the listeners of this node and then to the subtree
// listeners of this node and each ancestor, nearest first. The listeners
// are all collected before the first one runs.
func (o *ChannelOwner) emit(ev *Event) {
	var handlers []eventHandler
	handlers = append(handlers, o.listeners(ev.Name)...)
	for n := o; n != nil; n = n.parent {
		handlers = append(handlers, n.subtree.listeners(ev.Name)...)
	}

	for _, h := range handlers {
		h.fn(ev)
	}
}

func (o *ChannelOwner) addChild(child *ChannelOwner) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.children = append(o.children, child)
}

func (o *ChannelOwner) removeChild(child *ChannelOwner) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, c := range o.children {
		if c == child {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
}

// addWaiter attaches w so that it is settled if the object is disposed.
// It reports false if the object is already disposed.
func (o *ChannelOwner) addWaiter(w *Waiter) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed.Load() {
		return false
	}
	o.waiters[w] = struct{}{}
	return true
}

func (o *ChannelOwner) removeWaiter(w *Waiter) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.waiters, w)
}

// dispose removes the object and its descendants, children first. Runs on
// the dispatch path only.
func (o *ChannelOwner) dispose() {
	if o.disposed.Load() {
		return
	}
	for _, child := range o.Children() {
		child.dispose()
	}

	o.mu.Lock()
	o.disposed.Store(true)
	waiters := make([]*Waiter, 0, len(o.waiters))
	for w := range o.waiters {
		waiters = append(waiters, w)
	}
	o.waiters = make(map[*Waiter]struct{})
	o.mu.Unlock()

	o.conn.logger.Debugf("channel", "disposing %s", o)

	closeEv := &Event{Name: EventClose, Target: o.object}
	for _, w := range waiters {
		w.ownerDisposed(o, closeEv)
	}
	o.emit(closeEv)

	o.removeAllListeners()
	o.subtree.removeAllListeners()

	o.conn.forget(o)
	if o.parent != nil {
		o.parent.removeChild(o)
	}
}
