package qecho

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNoMoreStreams is returned by Session.AcceptStream when the peer has
	// signaled that it will not open any more streams.
	ErrNoMoreStreams = errors.New("peer will open no more streams")
	// ErrStreamClosed is returned by EchoOnce when the peer finished its send
	// direction without sending any bytes.
	ErrStreamClosed = errors.New("stream closed by peer")
	// ErrRejected is returned to callers when an attempt or stream was refused
	// because the server is at capacity.
	ErrRejected = errors.New("rejected: at capacity")
	ErrClosed   = net.ErrClosed
)

func IsNoMoreStreams(err error) bool {
	return errors.Is(err, ErrNoMoreStreams)
}

func IsErrClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// ErrShortWrite is returned when a stream accepted fewer bytes than it was given.
type ErrShortWrite struct {
	Wrote, Want int
}

func (e ErrShortWrite) Error() string {
	return fmt.Sprintf("short write: wrote %d of %d bytes", e.Wrote, e.Want)
}

// OpError is a read or write failure on a single stream.
type OpError struct {
	Op       string
	StreamID int64
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s stream %d: %v", e.Op, e.StreamID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
