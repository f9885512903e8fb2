package common

import (
	"sync"
	"time"
)

// DefaultTimeout is used when neither an object nor any of its ancestors
// set a default timeout.
const DefaultTimeout = 30 * time.Second

// TimeoutSettings holds information on timeout settings.
type TimeoutSettings struct {
	parent *TimeoutSettings

	mu             sync.RWMutex
	defaultTimeout *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	t := &TimeoutSettings{
		parent:         parent,
		defaultTimeout: nil,
	}
	return t
}

// SetDefaultTimeout overrides the timeout for this object and the objects
// below it that do not set their own.
func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.defaultTimeout = &timeout
}

// Timeout returns the effective timeout.
func (t *TimeoutSettings) Timeout() time.Duration {
	t.mu.RLock()
	d := t.defaultTimeout
	t.mu.RUnlock()

	if d != nil {
		return *d
	}
	if t.parent != nil {
		return t.parent.Timeout()
	}
	return DefaultTimeout
}
