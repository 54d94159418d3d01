package qechomem

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

var (
	ErrStreamReset   = errors.New("qechomem: stream reset by peer")
	ErrStopSending   = errors.New("qechomem: peer stopped reading")
	ErrWriteFinished = errors.New("qechomem: write on finished stream")
	ErrLocalReset    = errors.New("qechomem: stream reset locally")
)

// pipe is one direction of a stream.
// Writes never block; data is buffered until it is read.
type pipe struct {
	mu       sync.Mutex
	buf      []byte
	finished bool
	writeErr error
	readErr  error
	changed  chan struct{}
}

func newPipe() *pipe {
	return &pipe{changed: make(chan struct{})}
}

func (p *pipe) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *pipe) notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifyLocked()
}

func (p *pipe) read(b []byte, deadline func() time.Time) (int, error) {
	for {
		p.mu.Lock()
		switch {
		case p.readErr != nil:
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		case len(p.buf) > 0:
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			p.mu.Unlock()
			return n, nil
		case p.writeErr != nil:
			err := p.writeErr
			p.mu.Unlock()
			return 0, err
		case p.finished:
			p.mu.Unlock()
			return 0, io.EOF
		}
		ch := p.changed
		p.mu.Unlock()
		if err := waitUntil(ch, deadline()); err != nil {
			return 0, err
		}
	}
}

func (p *pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.readErr != nil:
		return 0, ErrStopSending
	case p.writeErr != nil:
		return 0, p.writeErr
	case p.finished:
		return 0, ErrWriteFinished
	}
	p.buf = append(p.buf, b...)
	p.notifyLocked()
	return len(b), nil
}

// finish marks the end of the data; it is a no-op after a reset.
func (p *pipe) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr == nil {
		p.finished = true
	}
	p.notifyLocked()
}

// reset discards unread data, and fails the reader with err.
func (p *pipe) reset(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished && len(p.buf) == 0 {
		return
	}
	p.buf = nil
	p.writeErr = err
	p.notifyLocked()
}

// stop discards unread data, and fails future reads and writes.
func (p *pipe) stop(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr == nil {
		p.readErr = err
	}
	p.buf = nil
	p.notifyLocked()
}

func waitUntil(ch <-chan struct{}, deadline time.Time) error {
	if deadline.IsZero() {
		<-ch
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return os.ErrDeadlineExceeded
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return os.ErrDeadlineExceeded
	}
}
