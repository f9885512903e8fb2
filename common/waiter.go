package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/grafana/xk6-channel/log"
)

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithTimeout rejects the waiter with a *TimeoutError if it has not settled
// within d. Zero means no timeout.
func WithTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.timeout = d
	}
}

// WithClock sets the clock measuring the timeout.
func WithClock(c clock.Clock) WaiterOption {
	return func(w *Waiter) {
		w.clock = c
	}
}

// WithName describes what the waiter waits for, in errors and logs.
func WithName(name string) WaiterOption {
	return func(w *Waiter) {
		w.name = name
	}
}

// matcher is a single event registration of a waiter.
type matcher struct {
	owner   *ChannelOwner
	event   string
	subtree bool
	pred    func(*Event) bool
	// reject is the error to settle with on a match; nil resolves.
	reject error
}

// Waiter waits for one of several events, across any number of objects,
// and settles exactly once: with the first matching event, with an error
// registered with RejectOnEvent, on timeout, on cancellation, or when an
// object it listens on is disposed.
type Waiter struct {
	ctx     context.Context
	name    string
	timeout time.Duration
	clock   clock.Clock
	logger  *log.Logger

	// ctxTimeout is the time left until the deadline of ctx on creation.
	ctxTimeout time.Duration

	mu       sync.Mutex
	matchers []*matcher
	cleanups []func()
	logs     []string
	settled  bool

	settleOnce sync.Once
	done       chan struct{}
	timer      *clock.Timer
	event      *Event
	err        error
}

// NewWaiter returns a waiter bound to ctx. The timeout, if any, starts
// counting now.
func NewWaiter(ctx context.Context, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		ctx:   ctx,
		clock: clock.New(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name == "" {
		w.name = "event"
	}
	if deadline, ok := ctx.Deadline(); ok {
		w.ctxTimeout = time.Until(deadline)
	}

	var timerC <-chan time.Time
	if w.timeout > 0 {
		w.timer = w.clock.Timer(w.timeout)
		timerC = w.timer.C
	}
	go w.watch(timerC)

	return w
}

func (w *Waiter) watch(timerC <-chan time.Time) {
	select {
	case <-w.done:
	case <-timerC:
		w.reject(w.timeoutError(w.timeout))
	case <-w.ctx.Done():
		err := w.ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			w.reject(w.timeoutError(w.ctxTimeout))
			return
		}
		w.reject(&CancelledError{Waiting: w.name, Cause: context.Cause(w.ctx)})
	}
}

func (w *Waiter) timeoutError(d time.Duration) *TimeoutError {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &TimeoutError{
		Waiting: w.name,
		Timeout: d,
		Logs:    append([]string(nil), w.logs...),
	}
}

// WaitForEvent resolves the waiter with the first event of o that matches
// pred. A nil pred matches any event.
func (w *Waiter) WaitForEvent(o Object, event string, pred func(*Event) bool) *Waiter {
	w.attach(&matcher{owner: o.Owner(), event: event, pred: pred})
	return w
}

// WaitForSubtreeEvent is like WaitForEvent but also matches events of the
// descendants of o.
func (w *Waiter) WaitForSubtreeEvent(o Object, event string, pred func(*Event) bool) *Waiter {
	w.attach(&matcher{owner: o.Owner(), event: event, subtree: true, pred: pred})
	return w
}

// RejectOnEvent rejects the waiter with err when o emits an event matching
// pred. A nil pred matches any event.
func (w *Waiter) RejectOnEvent(o Object, event string, err error, pred func(*Event) bool) *Waiter {
	if err == nil {
		err = fmt.Errorf("%q event", event)
	}
	w.attach(&matcher{owner: o.Owner(), event: event, pred: pred, reject: err})
	return w
}

func (w *Waiter) attach(m *matcher) {
	o := m.owner
	w.mu.Lock()
	if w.logger == nil {
		w.logger = o.conn.logger
	}
	w.mu.Unlock()

	if !o.addWaiter(w) {
		w.reject(o.disposedError())
		return
	}

	var id ListenerID
	if m.subtree {
		id = o.OnSubtree(m.event, func(ev *Event) { w.match(m, ev) })
	} else {
		id = o.On(m.event, func(ev *Event) { w.match(m, ev) })
	}

	w.addCleanup(func() {
		if m.subtree {
			o.OffSubtree(m.event, id)
		} else {
			o.Off(m.event, id)
		}
		o.removeWaiter(w)
	})

	w.mu.Lock()
	w.matchers = append(w.matchers, m)
	w.mu.Unlock()
}

// addCleanup runs fn when the waiter settles, or now if it already has.
func (w *Waiter) addCleanup(fn func()) {
	w.mu.Lock()
	if w.settled {
		w.mu.Unlock()
		fn()
		return
	}
	w.cleanups = append(w.cleanups, fn)
	w.mu.Unlock()
}

func (w *Waiter) match(m *matcher, ev *Event) {
	if w.isSettled() {
		return
	}

	ok, err := w.test(m, ev)
	switch {
	case err != nil:
		w.reject(err)
	case !ok:
	case m.reject != nil:
		w.reject(m.reject)
	default:
		w.resolve(ev)
	}
}

func (w *Waiter) test(m *matcher, ev *Event) (ok bool, err error) {
	if m.pred == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate for %q event panicked: %v", m.event, r)
		}
	}()
	return m.pred(ev), nil
}

// ownerDisposed settles the waiter when o is disposed. A waiter listening
// for the close event of o gets the chance to match it first.
func (w *Waiter) ownerDisposed(o *ChannelOwner, closeEv *Event) {
	w.mu.Lock()
	var closers []*matcher
	for _, m := range w.matchers {
		if m.owner == o && m.event == EventClose {
			closers = append(closers, m)
		}
	}
	w.mu.Unlock()

	for _, m := range closers {
		w.match(m, closeEv)
	}
	w.reject(o.disposedError())
}

// Log records a line describing the progress of the wait. The lines are
// part of the error if the waiter times out.
func (w *Waiter) Log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)

	w.mu.Lock()
	w.logs = append(w.logs, line)
	logger := w.logger
	w.mu.Unlock()

	logger.Debugf("waiter", "%s: %s", w.name, line)
}

// Cancel rejects the waiter with a *CancelledError if it has not settled.
func (w *Waiter) Cancel() {
	w.reject(&CancelledError{Waiting: w.name})
}

// Wait blocks until the waiter settles and returns the matching event or
// the error it was rejected with.
func (w *Waiter) Wait() (*Event, error) {
	<-w.done
	return w.event, w.err
}

// Done is closed when the waiter settles.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

func (w *Waiter) resolve(ev *Event) {
	w.settle(ev, nil)
}

func (w *Waiter) reject(err error) {
	w.settle(nil, err)
}

func (w *Waiter) isSettled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.settled
}

// settle performs the single terminal transition of the waiter and
// releases its listeners and timer.
func (w *Waiter) settle(ev *Event, err error) {
	w.settleOnce.Do(func() {
		w.mu.Lock()
		w.settled = true
		cleanups := w.cleanups
		w.cleanups = nil
		logger := w.logger
		w.mu.Unlock()

		if w.timer != nil {
			w.timer.Stop()
		}
		for _, fn := range cleanups {
			fn()
		}

		w.event, w.err = ev, err
		if err != nil {
			logger.Debugf("waiter", "%s: %v", w.name, err)
		}
		close(w.done)
	})
}

// WaitForEvent waits for the first event of o that matches pred. A zero
// timeout uses the default timeout of o.
func WaitForEvent(
	ctx context.Context, o Object, event string, pred func(*Event) bool, timeout time.Duration,
) (*Event, error) {
	if timeout == 0 {
		timeout = o.Owner().Timeouts().Timeout()
	}
	w := NewWaiter(ctx, WithTimeout(timeout), WithName(fmt.Sprintf("%q event", event)))
	return w.WaitForEvent(o, event, pred).Wait()
}
