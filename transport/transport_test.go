package transport

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/tests/ws"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []string
	errs   []error
	gotMsg chan struct{}
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{
		gotMsg: make(chan struct{}, 64),
		closed: make(chan error, 1),
	}
}

func (r *recorder) HandleMessage(payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(payload))
	r.mu.Unlock()
	r.gotMsg <- struct{}{}
}

func (r *recorder) HandleError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) HandleClose(reason error) {
	r.closed <- reason
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) waitMessages(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.gotMsg:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}

func (r *recorder) waitClose(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint32(header[:]))
	_, err := io.ReadFull(r, buf)
	return buf, err
}

type pipePeer struct {
	in  *io.PipeReader // frames written by the client
	out *io.PipeWriter // frames read by the client
}

func newPipePair(t *testing.T, opts ...PipeOption) (*Pipe, *pipePeer) {
	t.Helper()

	clientIn, peerOut := io.Pipe()
	peerIn, clientOut := io.Pipe()
	t.Cleanup(func() {
		_ = peerOut.Close()
		_ = peerIn.Close()
	})

	return NewPipe(clientIn, clientOut, log.NewNullLogger(), opts...), &pipePeer{in: peerIn, out: peerOut}
}

func TestPipeFraming(t *testing.T) {
	t.Parallel()

	p, peer := newPipePair(t)
	rec := newRecorder()
	require.NoError(t, p.Start(rec))
	require.Error(t, p.Start(rec))

	frames := []string{`{"guid":"a","method":"one"}`, ``, `{"guid":"a","method":"three"}`}
	go func() {
		for _, f := range frames {
			if err := writeFrame(peer.out, []byte(f)); err != nil {
				return
			}
		}
	}()

	rec.waitMessages(t, len(frames))
	assert.Equal(t, frames, rec.messages())

	got := make(chan []byte, 1)
	go func() {
		buf, err := readFrame(peer.in)
		if err == nil {
			got <- buf
		}
	}()
	require.NoError(t, p.Send([]byte(`{"id":1}`)))
	select {
	case buf := <-got:
		assert.Equal(t, `{"id":1}`, string(buf))
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not receive the frame")
	}

	require.NoError(t, p.Close())
	assert.ErrorIs(t, rec.waitClose(t), ErrClosed)
	assert.ErrorIs(t, p.Send([]byte(`{}`)), ErrClosed)
	assert.Empty(t, rec.errors())
}

func TestPipePeerEOF(t *testing.T) {
	t.Parallel()

	p, peer := newPipePair(t)
	rec := newRecorder()
	require.NoError(t, p.Start(rec))

	require.NoError(t, peer.out.Close())
	assert.ErrorIs(t, rec.waitClose(t), io.EOF)
	assert.Empty(t, rec.errors())
}

func TestPipeFrameTooLarge(t *testing.T) {
	t.Parallel()

	p, peer := newPipePair(t, WithMaxFrameSize(8))
	rec := newRecorder()
	require.NoError(t, p.Start(rec))

	go func() { _ = writeFrame(peer.out, []byte(`{"guid":"abcdefgh"}`)) }()

	err := rec.waitClose(t)
	require.ErrorContains(t, err, "exceeds the limit")
	require.Len(t, rec.errors(), 1)
	assert.Empty(t, rec.messages())
}

func TestPipeTruncatedFrame(t *testing.T) {
	t.Parallel()

	p, peer := newPipePair(t)
	rec := newRecorder()
	require.NoError(t, p.Start(rec))

	go func() {
		var header [frameHeaderSize]byte
		binary.LittleEndian.PutUint32(header[:], 10)
		_, _ = peer.out.Write(header[:])
		_, _ = peer.out.Write([]byte(`{"a"`))
		_ = peer.out.Close()
	}()

	assert.ErrorIs(t, rec.waitClose(t), io.ErrUnexpectedEOF)
	require.Len(t, rec.errors(), 1)
}

func TestWebSocketEcho(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithEchoHandler("/echo"))

	tr, err := NewWebSocket(context.Background(), server.URL("/echo"), log.NewNullLogger())
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, tr.Start(rec))
	require.NoError(t, tr.Send([]byte(`{"id":1,"guid":"","method":"ping"}`)))

	rec.waitMessages(t, 1)
	assert.Equal(t, []string{`{"id":1,"guid":"","method":"ping"}`}, rec.messages())

	err = rec.waitClose(t)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
	assert.Empty(t, rec.errors())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrClosed)
}

func TestWebSocketClosureAbnormal(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))

	tr, err := NewWebSocket(context.Background(), server.URL("/closure-abnormal"), log.NewNullLogger())
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, tr.Start(rec))

	err = rec.waitClose(t)
	require.EqualError(t, err, "websocket: close 1006 (abnormal closure): unexpected EOF")
	require.Len(t, rec.errors(), 1)
}

func TestWebSocketClose(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithDriverHandler("/driver", ws.DriverDefaultHandler, nil))

	tr, err := NewWebSocket(context.Background(), server.URL("/driver"), log.NewNullLogger())
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, tr.Start(rec))
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, rec.waitClose(t), ErrClosed)
}

func TestWebSocketContextCancel(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithDriverHandler("/driver", ws.DriverDefaultHandler, nil))

	ctx, cancel := context.WithCancel(context.Background())
	tr, err := NewWebSocket(ctx, server.URL("/driver"), log.NewNullLogger())
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, tr.Start(rec))
	cancel()

	assert.ErrorIs(t, rec.waitClose(t), context.Canceled)
}
