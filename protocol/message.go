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

// Package protocol defines the messages exchanged with the driver process.
//
// Every frame is a single JSON object. Requests flow from the client to the
// driver; responses, events and object lifecycle notifications flow back:
//
//	request   {"id": 1, "guid": "page@1", "method": "goto", "params": {...}}
//	response  {"id": 1, "result": {...}} or {"id": 1, "error": {"name", "message", "stack"}}
//	event     {"guid": "page@1", "method": "load", "params": {...}}
//	create    {"guid": "page@1", "method": "__create__", "params": {"type", "parentGuid", "initializer"}}
//	dispose   {"guid": "page@1", "method": "__dispose__"}
package protocol

import (
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Lifecycle methods reserved by the protocol.
const (
	MethodCreate  = "__create__"
	MethodDispose = "__dispose__"
	MethodAdopt   = "__adopt__"
)

// Kind is the kind of an inbound message.
type Kind int

// Inbound message kinds.
const (
	KindInvalid Kind = iota
	KindResponse
	KindEvent
	KindCreate
	KindDispose
	KindAdopt
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindCreate:
		return "create"
	case KindDispose:
		return "dispose"
	case KindAdopt:
		return "adopt"
	default:
		return "invalid"
	}
}

// Message is a single protocol frame. Which fields are set depends on the
// kind of message; see the package documentation.
type Message struct {
	ID     int64               `json:"id,omitempty"`
	GUID   string              `json:"guid,omitempty"`
	Method string              `json:"method,omitempty"`
	Params easyjson.RawMessage `json:"params,omitempty"`
	Result easyjson.RawMessage `json:"result,omitempty"`
	Error  *SerializedError    `json:"error,omitempty"`

	// hasGUID records whether the guid field was present on decode, so that
	// an event for the root object ("") can be told apart from a frame
	// without a target.
	hasGUID bool
}

// SerializedError is a failure reported by the driver for a request.
type SerializedError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *SerializedError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// CreateParams are the params of a __create__ message.
type CreateParams struct {
	Type        string              `json:"type"`
	ParentGUID  string              `json:"parentGuid"`
	Initializer easyjson.RawMessage `json:"initializer,omitempty"`
}

// NewRequest returns a request message. Nil params are sent as an empty object.
func NewRequest(id int64, guid, method string, params []byte) *Message {
	if len(params) == 0 {
		params = []byte("{}")
	}
	return &Message{
		ID:      id,
		GUID:    guid,
		Method:  method,
		Params:  params,
		hasGUID: true,
	}
}

// NewResponse returns a successful response to request id.
func NewResponse(id int64, result []byte) *Message {
	return &Message{ID: id, Result: result}
}

// NewErrorResponse returns a failed response to request id.
func NewErrorResponse(id int64, err *SerializedError) *Message {
	return &Message{ID: id, Error: err}
}

// NewEvent returns an event targeting guid.
func NewEvent(guid, method string, params []byte) *Message {
	return &Message{GUID: guid, Method: method, Params: params, hasGUID: true}
}

// NewCreate returns a __create__ notification for a new object.
func NewCreate(guid string, params *CreateParams) (*Message, error) {
	buf, err := easyjson.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{GUID: guid, Method: MethodCreate, Params: buf, hasGUID: true}, nil
}

// NewDispose returns a __dispose__ notification for guid.
func NewDispose(guid string) *Message {
	return &Message{GUID: guid, Method: MethodDispose, hasGUID: true}
}

// Kind classifies an inbound message.
func (m *Message) Kind() Kind {
	switch {
	case m.ID > 0:
		if m.Method != "" {
			// Requests only flow towards the driver.
			return KindInvalid
		}
		return KindResponse
	case m.Method == "":
		return KindInvalid
	case !m.hasGUID:
		return KindInvalid
	case m.Method == MethodCreate:
		return KindCreate
	case m.Method == MethodDispose:
		return KindDispose
	case m.Method == MethodAdopt:
		return KindAdopt
	default:
		return KindEvent
	}
}

// CreateParams decodes the params of a __create__ message.
func (m *Message) CreateParams() (*CreateParams, error) {
	var p CreateParams
	if len(m.Params) == 0 {
		return nil, fmt.Errorf("create message for %q has no params", m.GUID)
	}
	if err := easyjson.Unmarshal(m.Params, &p); err != nil {
		return nil, fmt.Errorf("decoding create params for %q: %w", m.GUID, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("create message for %q has no type", m.GUID)
	}
	return &p, nil
}

// Decode parses a single frame.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	l := jlexer.Lexer{Data: payload}
	msg.UnmarshalEasyJSON(&l)
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &msg, nil
}

// Encode serializes a frame.
func Encode(m *Message) ([]byte, error) {
	w := jwriter.Writer{}
	m.MarshalEasyJSON(&w)
	if w.Error != nil {
		return nil, fmt.Errorf("encoding message: %w", w.Error)
	}
	return w.BuildBytes()
}
