// Package qechowt implements the qecho transport contract on WebTransport over HTTP/3.
package qechowt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"

	"github.com/go-chi/chi"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/qlog"
	"github.com/quic-go/webtransport-go"

	"go.qecho.dev/qecho/pkg/qecho"
)

const (
	DefaultPath = "/qecho"

	codeNoError = 0
)

var (
	_ qecho.Listener = &Listener{}
	_ qecho.Incoming = &incoming{}
	_ qecho.Session  = &session{}
	_ qecho.Stream   = stream{}
)

type Params struct {
	Certificate tls.Certificate
	// Path is the URL path sessions are established on. Defaults to DefaultPath.
	Path string
	// AllowedOrigins restricts the Origin header of browser clients.
	// "*" allows any origin. If empty, only same-origin requests or requests without an Origin are allowed.
	AllowedOrigins []string
	QUICConfig     *quic.Config
	Qlog           bool
}

// Listener turns WebTransport CONNECT requests into qecho negotiation attempts.
type Listener struct {
	server  *webtransport.Server
	udpConn *net.UDPConn

	incoming  chan *incoming
	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	serveErr error
}

func Listen(addr string, params Params) (*Listener, error) {
	if params.Path == "" {
		params.Path = DefaultPath
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		udpConn:  udpConn,
		incoming: make(chan *incoming),
		closed:   make(chan struct{}),
	}
	r := chi.NewRouter()
	r.Connect(params.Path, l.handleConnect)

	var quicConf *quic.Config
	if params.QUICConfig != nil {
		quicConf = params.QUICConfig.Clone()
	}
	if params.Qlog {
		if quicConf == nil {
			quicConf = &quic.Config{}
		}
		quicConf.Tracer = qlog.DefaultConnectionTracer
	}
	l.server = &webtransport.Server{
		H3: http3.Server{
			Handler: r,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{params.Certificate},
				MinVersion:   tls.VersionTLS13,
			},
			QUICConfig: quicConf,
		},
	}
	if len(params.AllowedOrigins) > 0 {
		l.server.CheckOrigin = checkOrigin(params.AllowedOrigins)
	}
	go func() {
		err := l.server.Serve(udpConn)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, quic.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			l.mu.Lock()
			l.serveErr = err
			l.mu.Unlock()
		}
		l.close()
	}()
	return l, nil
}

func (l *Listener) Accept(ctx context.Context) (qecho.Incoming, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.serveErr != nil {
			return nil, l.serveErr
		}
		return nil, qecho.ErrClosed
	case in := <-l.incoming:
		return in, nil
	}
}

func (l *Listener) Addr() net.Addr {
	return l.udpConn.LocalAddr()
}

func (l *Listener) Close() error {
	l.close()
	return errors.Join(l.server.Close(), l.udpConn.Close())
}

func (l *Listener) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// handleConnect hands the request to Accept, and holds it until the attempt is decided.
func (l *Listener) handleConnect(w http.ResponseWriter, r *http.Request) {
	in := &incoming{
		l:    l,
		w:    w,
		r:    r,
		done: make(chan struct{}),
	}
	select {
	case l.incoming <- in:
	case <-l.closed:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	select {
	case <-in.done:
	case <-l.closed:
	case <-r.Context().Done():
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if slices.Contains(allowed, "*") {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

type incoming struct {
	l *Listener
	w http.ResponseWriter
	r *http.Request

	doneOnce sync.Once
	done     chan struct{}
}

func (in *incoming) RemoteAddr() net.Addr {
	addr, err := net.ResolveUDPAddr("udp", in.r.RemoteAddr)
	if err != nil {
		return nil
	}
	return addr
}

func (in *incoming) Await(ctx context.Context) (qecho.Session, error) {
	defer in.finish()
	if err := ctx.Err(); err != nil {
		in.w.WriteHeader(http.StatusServiceUnavailable)
		return nil, err
	}
	sess, err := in.l.server.Upgrade(in.w, in.r)
	if err != nil {
		in.w.WriteHeader(http.StatusBadRequest)
		return nil, fmt.Errorf("upgrading to webtransport: %w", err)
	}
	return &session{sess: sess}, nil
}

func (in *incoming) Reject(reason string) error {
	defer in.finish()
	in.w.Header().Set("Content-Type", "text/plain")
	in.w.WriteHeader(http.StatusServiceUnavailable)
	_, err := in.w.Write([]byte(reason))
	return err
}

func (in *incoming) finish() {
	in.doneOnce.Do(func() { close(in.done) })
}

type session struct {
	sess *webtransport.Session
}

func (s *session) AcceptStream(ctx context.Context) (qecho.Stream, error) {
	str, err := s.sess.AcceptStream(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	return stream{str}, nil
}

func (s *session) RemoteAddr() net.Addr {
	return s.sess.RemoteAddr()
}

func (s *session) Close() error {
	return s.sess.CloseWithError(codeNoError, "")
}

// convertError maps a graceful close by the peer, of either the session or the
// underlying connection, to qecho.ErrNoMoreStreams.
func convertError(err error) error {
	var sessErr *webtransport.SessionError
	if errors.As(err, &sessErr) && sessErr.Remote && sessErr.ErrorCode == codeNoError {
		return fmt.Errorf("%w: %v", qecho.ErrNoMoreStreams, err)
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == codeNoError {
		return fmt.Errorf("%w: %v", qecho.ErrNoMoreStreams, err)
	}
	return err
}

type stream struct {
	*webtransport.Stream
}

func (s stream) ID() int64 {
	return int64(s.StreamID())
}

func (s stream) CloseWrite() error {
	return s.Stream.Close()
}

func (s stream) Close() error {
	err := s.Stream.Close()
	s.CancelRead(codeNoError)
	return err
}

func (s stream) Reset() error {
	s.CancelRead(codeNoError)
	s.CancelWrite(codeNoError)
	return nil
}
