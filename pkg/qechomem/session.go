package qechomem

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"go.qecho.dev/qecho/pkg/qecho"
)

var (
	_ qecho.Session       = &serverSession{}
	_ qecho.ClientSession = &clientSession{}
)

// conn is the state shared by both ends of a session.
type conn struct {
	clientAddr, serverAddr net.Addr

	streams chan *Stream
	nextID  atomic.Int64

	mu         sync.Mutex
	goingAway  bool
	done       chan struct{}
	closedOnce sync.Once
}

func newConn(clientAddr, serverAddr net.Addr, queueLen int) *conn {
	return &conn{
		clientAddr: clientAddr,
		serverAddr: serverAddr,
		streams:    make(chan *Stream, queueLen),
		done:       make(chan struct{}),
	}
}

func (c *conn) close(goingAway bool) {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		c.goingAway = goingAway
		c.mu.Unlock()
		close(c.done)
	})
}

type serverSession struct {
	c *conn
}

func (s *serverSession) AcceptStream(ctx context.Context) (qecho.Stream, error) {
	// streams opened before the peer went away are still delivered.
	select {
	case str := <-s.c.streams:
		return str, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case str := <-s.c.streams:
		return str, nil
	case <-s.c.done:
		select {
		case str := <-s.c.streams:
			return str, nil
		default:
		}
		s.c.mu.Lock()
		goingAway := s.c.goingAway
		s.c.mu.Unlock()
		if goingAway {
			return nil, qecho.ErrNoMoreStreams
		}
		return nil, qecho.ErrClosed
	}
}

func (s *serverSession) RemoteAddr() net.Addr {
	return s.c.clientAddr
}

func (s *serverSession) Close() error {
	s.c.close(false)
	return nil
}

type clientSession struct {
	c *conn
}

// OpenStream opens a stream, and makes it available to the server's AcceptStream.
func (s *clientSession) OpenStream(ctx context.Context) (qecho.Stream, error) {
	local, remote := newStreamPair(s.c.nextID.Add(1) - 1)
	select {
	case <-s.c.done:
		return nil, qecho.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.c.done:
		return nil, qecho.ErrClosed
	case s.c.streams <- remote:
		return local, nil
	}
}

func (s *clientSession) LocalAddr() net.Addr {
	return s.c.clientAddr
}

// Close tells the server no more streams will be opened.
func (s *clientSession) Close() error {
	s.c.close(true)
	return nil
}
