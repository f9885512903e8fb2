package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/transport"
)

const testWait = 5 * time.Second

// fakeTransport records the frames sent by the connection. Tests deliver
// inbound frames by calling the connection's handler methods directly, so
// dispatch happens synchronously on the test goroutine.
type fakeTransport struct {
	mu      sync.Mutex
	handler transport.Handler
	closed  bool
	sendErr error
	// hold keeps Close from reporting the close to the handler.
	hold bool

	sent      chan []byte
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 256)}
}

func (f *fakeTransport) Start(h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handler = h
	return nil
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return transport.ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent <- append([]byte(nil), payload...)
	return nil
}

// Close reports the close asynchronously, like the real transports do.
func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		h, hold := f.handler, f.hold
		f.mu.Unlock()

		if !hold {
			go h.HandleClose(transport.ErrClosed)
		}
	})
	return nil
}

func (f *fakeTransport) holdClose() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hold = true
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendErr = err
}

// testDriver plays the driver side of a connection in tests.
type testDriver struct {
	t    testing.TB
	tr   *fakeTransport
	conn *Connection
}

func newTestRegistry() *Registry {
	reg := NewRegistry()
	for _, typ := range []string{"Browser", "BrowserContext", "Page", "Frame"} {
		reg.MustRegister(typ, nil)
	}
	return reg
}

func newTestDriver(t testing.TB, reg *Registry, opts ...ConnectionOption) *testDriver {
	t.Helper()

	return newTestDriverContext(context.Background(), t, reg, opts...)
}

func newTestDriverContext(ctx context.Context, t testing.TB, reg *Registry, opts ...ConnectionOption) *testDriver {
	t.Helper()

	if reg == nil {
		reg = newTestRegistry()
	}
	tr := newFakeTransport()
	conn, err := NewConnection(ctx, tr, reg, log.NewNullLogger(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		select {
		case <-conn.Done():
		case <-time.After(testWait):
			t.Error("connection was not torn down")
		}
	})

	return &testDriver{t: t, tr: tr, conn: conn}
}

func (d *testDriver) deliver(msg *protocol.Message) {
	d.t.Helper()

	buf, err := protocol.Encode(msg)
	require.NoError(d.t, err)
	d.conn.HandleMessage(buf)
}

func (d *testDriver) create(guid, typ, parent, initializer string) Object {
	d.t.Helper()

	params := &protocol.CreateParams{Type: typ, ParentGUID: parent}
	if initializer != "" {
		params.Initializer = []byte(initializer)
	}
	msg, err := protocol.NewCreate(guid, params)
	require.NoError(d.t, err)
	d.deliver(msg)

	o, ok := d.conn.Object(guid)
	require.True(d.t, ok, "object %q was not created", guid)
	return o
}

func (d *testDriver) dispose(guid string) {
	d.t.Helper()

	d.deliver(protocol.NewDispose(guid))
}

func (d *testDriver) event(guid, method, params string) {
	d.t.Helper()

	var raw []byte
	if params != "" {
		raw = []byte(params)
	}
	d.deliver(protocol.NewEvent(guid, method, raw))
}

func (d *testDriver) respond(id int64, result string) {
	d.t.Helper()

	d.deliver(protocol.NewResponse(id, []byte(result)))
}

func (d *testDriver) fail(id int64, name, message, stack string) {
	d.t.Helper()

	d.deliver(protocol.NewErrorResponse(id, &protocol.SerializedError{Name: name, Message: message, Stack: stack}))
}

// request returns the next frame sent by the connection.
func (d *testDriver) request() *protocol.Message {
	d.t.Helper()

	select {
	case buf := <-d.tr.sent:
		msg, err := protocol.Decode(buf)
		require.NoError(d.t, err)
		return msg
	case <-time.After(testWait):
		d.t.Fatal("no request was sent")
		return nil
	}
}

func (d *testDriver) noRequest() {
	d.t.Helper()

	select {
	case buf := <-d.tr.sent:
		d.t.Fatalf("unexpected request %s", buf)
	default:
	}
}

// tree creates browser@1 > page@1 > frame@1 and returns them.
func (d *testDriver) tree() (browser, page, frame Object) {
	d.t.Helper()

	browser = d.create("browser@1", "Browser", "", `{"version":"1.0"}`)
	page = d.create("page@1", "Page", "browser@1", `{"url":"about:blank","viewport":{"width":800}}`)
	frame = d.create("frame@1", "Frame", "page@1", `{"name":"main"}`)
	return browser, page, frame
}

func waitDone(t testing.TB, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("timed out")
	}
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
