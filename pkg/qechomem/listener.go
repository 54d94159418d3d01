package qechomem

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.qecho.dev/qecho/pkg/qecho"
)

var (
	_ qecho.Listener = &Listener{}
	_ qecho.Dialer   = &Listener{}
	_ qecho.Incoming = &incoming{}
)

var listenerCount atomic.Int64

// Addr is an in-memory address.
type Addr string

func (a Addr) Network() string { return "mem" }

func (a Addr) String() string { return string(a) }

// Listener is an in-memory qecho.Listener. Sessions are created by calling Dial.
type Listener struct {
	config config
	addr   Addr

	incoming chan *incoming
	nextPort atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func Listen(opts ...Option) *Listener {
	config := config{
		acceptQueueLen: defaultAcceptQueueLen,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Listener{
		config:   config,
		addr:     Addr(fmt.Sprintf("mem-%d", listenerCount.Add(1))),
		incoming: make(chan *incoming),
		closed:   make(chan struct{}),
	}
}

func (l *Listener) Accept(ctx context.Context) (qecho.Incoming, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, qecho.ErrClosed
	case in := <-l.incoming:
		return in, nil
	}
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Dial starts a negotiation with the Listener and waits for the server to accept or reject it.
func (l *Listener) Dial(ctx context.Context) (qecho.ClientSession, error) {
	clientAddr := Addr(fmt.Sprintf("%s:%d", l.addr, l.nextPort.Add(1)))
	c := newConn(clientAddr, l.addr, l.config.acceptQueueLen)
	in := &incoming{
		l:       l,
		c:       c,
		decided: make(chan struct{}),
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, qecho.ErrClosed
	case l.incoming <- in:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-in.decided:
		if in.err != nil {
			return nil, in.err
		}
		return &clientSession{c: c}, nil
	}
}

type incoming struct {
	l *Listener
	c *conn

	decideOnce sync.Once
	decided    chan struct{}
	err        error
}

func (in *incoming) RemoteAddr() net.Addr {
	return in.c.clientAddr
}

func (in *incoming) Await(ctx context.Context) (qecho.Session, error) {
	var err error
	if hs := in.l.config.handshake; hs != nil {
		err = hs(ctx, in.c.clientAddr)
	}
	if err != nil {
		in.decide(fmt.Errorf("qechomem: handshake failed: %w", err))
		return nil, err
	}
	in.decide(nil)
	return &serverSession{c: in.c}, nil
}

func (in *incoming) Reject(reason string) error {
	in.decide(fmt.Errorf("%w: %s", qecho.ErrRejected, reason))
	return nil
}

func (in *incoming) decide(err error) {
	in.decideOnce.Do(func() {
		in.err = err
		if err != nil {
			in.c.close(false)
		}
		close(in.decided)
	})
}
