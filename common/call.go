package common

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/mailru/easyjson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// callerDepth is the number of frames between a caller of Go or Send and
// newCall.
const callerDepth = 4

// maxCallerFrames bounds the local stack recorded for remote errors.
const maxCallerFrames = 32

// Result is the decoded result of a call. References to live objects are
// replaced by the objects themselves.
type Result map[string]any

// Call is an in-flight call to a remote object.
type Call struct {
	ID     int64
	GUID   string
	Method string

	owner *ChannelOwner
	span  trace.Span
	pcs   []uintptr

	done       chan struct{}
	settleOnce sync.Once
	result     Result
	raw        easyjson.RawMessage
	err        error
}

func newCall(o *ChannelOwner, method string) *Call {
	pcs := make([]uintptr, maxCallerFrames)
	n := runtime.Callers(callerDepth, pcs)

	return &Call{
		GUID:   o.guid,
		Method: method,
		owner:  o,
		span:   noop.Span{},
		pcs:    pcs[:n],
		done:   make(chan struct{}),
	}
}

// Done is closed when the call is settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result waits for the call to settle and returns its outcome.
func (c *Call) Result() (Result, error) {
	<-c.done
	return c.result, c.err
}

// Err waits for the call to settle and returns its error.
func (c *Call) Err() error {
	<-c.done
	return c.err
}

// Decode waits for the call to settle and unmarshals the raw result into v.
func (c *Call) Decode(v any) error {
	<-c.done
	if c.err != nil {
		return c.err
	}
	if len(c.raw) == 0 {
		return nil
	}
	return json.Unmarshal(c.raw, v)
}

// settle completes the call. Only the first settlement has any effect.
func (c *Call) settle(result Result, raw easyjson.RawMessage, err error) {
	c.settleOnce.Do(func() {
		c.result, c.raw, c.err = result, raw, err
		endSpan(c.span, err)
		close(c.done)
	})
}

// callerStack formats the client call site that issued the call.
func (c *Call) callerStack() string {
	if len(c.pcs) == 0 {
		return ""
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(c.pcs)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "    at %s (%s:%d)\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
