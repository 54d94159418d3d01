package qecho

import (
	"context"
	"io"
	"net"
	"time"
)

// Listener is a bound endpoint producing session negotiation attempts.
type Listener interface {
	// Accept returns the next negotiation attempt.
	// It does not wait for the attempt's handshake to complete.
	Accept(ctx context.Context) (Incoming, error)
	Addr() net.Addr
	Close() error
}

// Incoming is a single session negotiation attempt.
// Exactly one of Await or Reject should be called.
type Incoming interface {
	RemoteAddr() net.Addr
	// Await completes the negotiation and returns the established Session.
	Await(ctx context.Context) (Session, error)
	// Reject refuses the attempt.
	Reject(reason string) error
}

// Session is an established secure multiplexed connection with one peer.
type Session interface {
	// AcceptStream blocks until the peer opens the next bidirectional stream.
	// It returns an error matching ErrNoMoreStreams when the peer closed the session gracefully.
	AcceptStream(ctx context.Context) (Stream, error)
	RemoteAddr() net.Addr
	Close() error
}

// ClientSession is the dialing side of a Session.
type ClientSession interface {
	OpenStream(ctx context.Context) (Stream, error)
	LocalAddr() net.Addr
	Close() error
}

// Stream is one bidirectional byte stream within a Session.
type Stream interface {
	io.Reader
	io.Writer

	ID() int64
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	// CloseWrite finishes the send direction.
	CloseWrite() error
	// Close finishes the send direction and stops receiving.
	Close() error
	// Reset aborts both directions.
	Reset() error
}

// Dialer opens client sessions to an echo server.
type Dialer interface {
	Dial(ctx context.Context) (ClientSession, error)
}
