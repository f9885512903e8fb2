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

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/grafana/xk6-channel/log"
)

const (
	frameHeaderSize = 4

	// DefaultMaxFrameSize bounds the size of a single inbound frame.
	DefaultMaxFrameSize = 256 << 20
)

// Ensure Pipe implements the Transport interface
var _ Transport = &Pipe{}

// PipeOption configures a Pipe.
type PipeOption func(*Pipe)

// WithMaxFrameSize sets the largest inbound frame the pipe accepts.
func WithMaxFrameSize(n uint32) PipeOption {
	return func(p *Pipe) {
		if n > 0 {
			p.maxFrameSize = n
		}
	}
}

// Pipe is a Transport over a pair of byte streams, typically the stdio of a
// driver process. Each frame is a 4 byte little-endian length followed by
// the payload.
type Pipe struct {
	r      io.Reader
	w      io.WriteCloser
	logger *log.Logger

	maxFrameSize uint32

	writeMu sync.Mutex

	mu          sync.Mutex
	started     bool
	closing     bool
	closeReason error
	closeOnce   sync.Once
	done        chan struct{}
}

// NewPipe returns a pipe transport reading frames from r and writing frames
// to w. If r is also an io.Closer it is closed together with w.
func NewPipe(r io.Reader, w io.WriteCloser, logger *log.Logger, opts ...PipeOption) *Pipe {
	p := &Pipe{
		r:            r,
		w:            w,
		logger:       logger,
		maxFrameSize: DefaultMaxFrameSize,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start implements Transport.
func (p *Pipe) Start(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipe transport already started")
	}
	p.started = true

	go p.readLoop(h)
	return nil
}

func (p *Pipe) readLoop(h Handler) {
	var reason error
	defer func() {
		h.HandleClose(reason)
	}()

	for {
		buf, err := p.readFrame()
		if err != nil {
			if closing, r := p.closed(); closing {
				reason = r
				return
			}
			if !errors.Is(err, io.EOF) {
				h.HandleError(err)
			}
			p.shutdown(err)
			reason = err
			return
		}
		p.logger.Debugf("transport:recv", "<- %s", buf)
		h.HandleMessage(buf)
	}
}

func (p *Pipe) readFrame() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(p.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > p.maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds the limit of %d bytes", size, p.maxFrameSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// Send implements Transport.
func (p *Pipe) Send(payload []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.logger.Debugf("transport:send", "-> %s", payload)
	if _, err := p.w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close implements Transport.
func (p *Pipe) Close() error {
	return p.shutdown(ErrClosed)
}

func (p *Pipe) shutdown(reason error) error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.closeReason = reason
		p.mu.Unlock()
		close(p.done)

		err = p.w.Close()
		if rc, ok := p.r.(io.Closer); ok {
			if cerr := rc.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (p *Pipe) closed() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing, p.closeReason
}
