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
	"encoding/json"
	"sync"

	"github.com/mailru/easyjson"
)

// Ensure BaseEventEmitter implements the EventEmitter interface
var _ EventEmitter = &BaseEventEmitter{}

const (
	// EventClose is emitted by an object when the driver disposes it.
	EventClose string = "close"
)

// Event as emitted by an EventEmitter
type Event struct {
	Name   string
	Target Object
	// Params holds the decoded params, with references to live objects
	// replaced by the objects themselves.
	Params map[string]any
	// Raw holds the params exactly as the driver sent them.
	Raw easyjson.RawMessage
}

// Decode unmarshals the raw params of the event into v.
func (e *Event) Decode(v any) error {
	if len(e.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(e.Raw, v)
}

// Listener handles an event. Listeners run on the dispatch goroutine of the
// connection and must not block.
type Listener func(ev *Event)

// ListenerID identifies a listener registration so it can be removed.
type ListenerID uint64

type eventHandler struct {
	id ListenerID
	fn Listener
}

// EventEmitter that all event emitters need to implement
type EventEmitter interface {
	On(event string, fn Listener) ListenerID
	Off(event string, id ListenerID)
	emit(ev *Event)
}

// BaseEventEmitter emits events to registered listeners. The zero value is
// ready to use.
type BaseEventEmitter struct {
	handlersMu sync.Mutex
	handlers   map[string][]eventHandler
	lastID     ListenerID
}

// On registers fn for event and returns the id of the registration.
func (e *BaseEventEmitter) On(event string, fn Listener) ListenerID {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[string][]eventHandler)
	}
	e.lastID++
	e.handlers[event] = append(e.handlers[event], eventHandler{id: e.lastID, fn: fn})
	return e.lastID
}

// Off removes the registration id of event. Removing an unknown id is a
// no-op.
func (e *BaseEventEmitter) Off(event string, id ListenerID) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	handlers := e.handlers[event]
	for i, h := range handlers {
		if h.id != id {
			continue
		}
		// Copy so that a snapshot taken by an in-flight emit stays intact.
		rest := make([]eventHandler, 0, len(handlers)-1)
		rest = append(rest, handlers[:i]...)
		rest = append(rest, handlers[i+1:]...)
		if len(rest) == 0 {
			delete(e.handlers, event)
		} else {
			e.handlers[event] = rest
		}
		return
	}
}

// ListenerCount returns the number of listeners registered for event.
func (e *BaseEventEmitter) ListenerCount(event string) int {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	return len(e.handlers[event])
}

// emit calls the listeners registered for ev.Name when the emit started.
// Listeners added or removed meanwhile take effect on the next emit.
func (e *BaseEventEmitter) emit(ev *Event) {
	for _, h := range e.listeners(ev.Name) {
		h.fn(ev)
	}
}

// listeners returns the current registrations of event. The slice is never
// modified afterwards and must not be appended to.
func (e *BaseEventEmitter) listeners(event string) []eventHandler {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	return e.handlers[event]
}

func (e *BaseEventEmitter) removeAllListeners() {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	e.handlers = nil
}
