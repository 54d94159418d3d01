// Package qechoquic implements the qecho transport contract on raw QUIC.
package qechoquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/qlog"

	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/serde"
)

const (
	DefaultALPN = "qecho"

	// CodeNoError closes a session or stream gracefully.
	CodeNoError = 0x0
	// CodeRejected closes a negotiation attempt refused by the server.
	CodeRejected = 0x10
	// CodeHandshakeTimeout closes a negotiation attempt which took too long.
	CodeHandshakeTimeout = 0x11
)

var (
	_ qecho.Listener      = &Listener{}
	_ qecho.Incoming      = &incoming{}
	_ qecho.Session       = &session{}
	_ qecho.ClientSession = &clientSession{}
	_ qecho.Stream        = stream{}
	_ qecho.Dialer        = &Dialer{}
)

type Params struct {
	Certificate tls.Certificate
	// NextProtos defaults to DefaultALPN.
	NextProtos []string
	QUICConfig *quic.Config
	// Qlog writes a qlog trace per connection into the directory named by $QLOGDIR.
	Qlog bool
}

// Listener accepts QUIC connections.
// Connections are returned as soon as the client's first flight arrives;
// Incoming.Await waits for the handshake to complete.
type Listener struct {
	udpConn   *net.UDPConn
	transport *quic.Transport
	ln        *quic.EarlyListener
}

func Listen(addr string, params Params) (*Listener, error) {
	resetKey, err := serde.DeriveResetKey(params.Certificate)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	srk := quic.StatelessResetKey(resetKey)
	transport := &quic.Transport{
		Conn:              udpConn,
		StatelessResetKey: &srk,
	}
	ln, err := transport.ListenEarly(ServerTLSConfig(params.Certificate, params.NextProtos...), quicConfig(params.QUICConfig, params.Qlog))
	if err != nil {
		transport.Close()
		udpConn.Close()
		return nil, err
	}
	return &Listener{
		udpConn:   udpConn,
		transport: transport,
		ln:        ln,
	}, nil
}

func (l *Listener) Accept(ctx context.Context) (qecho.Incoming, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil, qecho.ErrClosed
		}
		return nil, err
	}
	return &incoming{conn: conn}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return errors.Join(l.ln.Close(), l.transport.Close(), l.udpConn.Close())
}

// ServerTLSConfig returns a TLS 1.3 config presenting cert.
func ServerTLSConfig(cert tls.Certificate, nextProtos ...string) *tls.Config {
	if len(nextProtos) == 0 {
		nextProtos = []string{DefaultALPN}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS13,
	}
}

func quicConfig(base *quic.Config, withQlog bool) *quic.Config {
	var conf *quic.Config
	if base != nil {
		conf = base.Clone()
	} else {
		conf = &quic.Config{}
	}
	if withQlog {
		conf.Tracer = qlog.DefaultConnectionTracer
	}
	return conf
}

type incoming struct {
	conn *quic.Conn
}

func (in *incoming) RemoteAddr() net.Addr {
	return in.conn.RemoteAddr()
}

func (in *incoming) Await(ctx context.Context) (qecho.Session, error) {
	select {
	case <-in.conn.HandshakeComplete():
		return &session{conn: in.conn}, nil
	case <-in.conn.Context().Done():
		return nil, fmt.Errorf("handshake failed: %w", context.Cause(in.conn.Context()))
	case <-ctx.Done():
		in.conn.CloseWithError(CodeHandshakeTimeout, "handshake timeout")
		return nil, ctx.Err()
	}
}

func (in *incoming) Reject(reason string) error {
	return in.conn.CloseWithError(CodeRejected, reason)
}

type session struct {
	conn *quic.Conn
}

func (s *session) AcceptStream(ctx context.Context) (qecho.Stream, error) {
	str, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	return stream{str}, nil
}

func (s *session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *session) Close() error {
	return s.conn.CloseWithError(CodeNoError, "")
}

// convertError maps a graceful close by the peer to qecho.ErrNoMoreStreams.
func convertError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == CodeNoError {
		return fmt.Errorf("%w: %v", qecho.ErrNoMoreStreams, err)
	}
	return err
}

type stream struct {
	*quic.Stream
}

func (s stream) ID() int64 {
	return int64(s.StreamID())
}

func (s stream) CloseWrite() error {
	return s.Stream.Close()
}

func (s stream) Close() error {
	err := s.Stream.Close()
	s.CancelRead(CodeNoError)
	return err
}

func (s stream) Reset() error {
	s.CancelRead(CodeNoError)
	s.CancelWrite(CodeNoError)
	return nil
}
