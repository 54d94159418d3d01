package qechomem

import (
	"os"
	"sync"
	"time"

	"go.qecho.dev/qecho/pkg/qecho"
)

var _ qecho.Stream = &Stream{}

var errDeadline = os.ErrDeadlineExceeded

type Stream struct {
	id      int64
	in, out *pipe

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// newStreamPair returns the two ends of a bidirectional stream.
func newStreamPair(id int64) (a, b *Stream) {
	p1, p2 := newPipe(), newPipe()
	a = &Stream{id: id, in: p1, out: p2}
	b = &Stream{id: id, in: p2, out: p1}
	return a, b
}

func (s *Stream) ID() int64 {
	return s.id
}

func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return s.in.read(p, s.getReadDeadline)
}

func (s *Stream) Write(p []byte) (int, error) {
	if d := s.getWriteDeadline(); !d.IsZero() && !time.Now().Before(d) {
		return 0, errDeadline
	}
	return s.out.write(p)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	s.in.notify()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	return nil
}

func (s *Stream) CloseWrite() error {
	s.out.finish()
	return nil
}

func (s *Stream) Close() error {
	s.out.finish()
	s.in.stop(ErrLocalReset)
	return nil
}

func (s *Stream) Reset() error {
	s.out.reset(ErrStreamReset)
	s.in.stop(ErrLocalReset)
	return nil
}

func (s *Stream) getReadDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDeadline
}

func (s *Stream) getWriteDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDeadline
}
