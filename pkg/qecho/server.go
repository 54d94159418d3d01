package qecho

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"

	"go.qecho.dev/qecho/internal/netutil"
)

const acceptRetryDelay = 10 * time.Millisecond

type Params struct {
	Listener Listener
	Echo     EchoConfig

	// MaxSessions and MaxStreamsPerSession cap concurrency. Zero means unbounded.
	MaxSessions          int64
	MaxStreamsPerSession int64
	// Overflow is applied when a cap is reached. Defaults to netutil.Queue.
	Overflow netutil.OverflowPolicy

	// HandshakeTimeout bounds each session negotiation. Zero means no timeout.
	HandshakeTimeout time.Duration
	// StreamAcceptTimeout closes a session which opens no stream for this long. Zero means no timeout.
	StreamAcceptTimeout time.Duration

	Metrics *Metrics
}

// Server accepts sessions from a Listener and echoes the first chunk of every stream.
type Server struct {
	params   Params
	sessions *netutil.Gate
	streams  atomic.Int64
	wg       sync.WaitGroup
}

func NewServer(params Params) *Server {
	if params.Overflow == "" {
		params.Overflow = netutil.Queue
	}
	return &Server{
		params:   params,
		sessions: netutil.NewGate(params.MaxSessions, params.Overflow),
	}
}

func (s *Server) Addr() net.Addr {
	return s.params.Listener.Addr()
}

// ActiveSessions returns the number of sessions which are negotiating or being served.
func (s *Server) ActiveSessions() int64 {
	return s.sessions.Active()
}

// ActiveStreams returns the number of streams currently being echoed, across all sessions.
func (s *Server) ActiveStreams() int64 {
	return s.streams.Load()
}

// Serve accepts session negotiation attempts until ctx is cancelled or the Listener is closed.
// Each attempt is negotiated and served in its own go routine; a failed attempt never stops the loop.
// Serve returns ctx.Err() if ctx was cancelled, and nil if the Listener was closed.
// It waits for all sessions to finish before returning.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	l := s.params.Listener
	logctx.Info(ctx, "listening", zap.String("addr", addrString(l.Addr())))
	for {
		in, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsErrClosed(err) {
				return nil
			}
			logctx.Warn(ctx, "error accepting session", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		admitted, err := s.sessions.Admit(ctx)
		if err != nil {
			in.Reject("shutting down")
			return ctx.Err()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if !admitted {
				s.reject(ctx, in)
				return
			}
			defer s.sessions.Release()
			s.negotiate(ctx, in)
		}()
	}
}

func (s *Server) reject(ctx context.Context, in Incoming) {
	s.params.Metrics.sessionRejected()
	logctx.Warn(ctx, "rejecting session", remoteField(in.RemoteAddr()), zap.Error(ErrRejected))
	if err := in.Reject(ErrRejected.Error()); err != nil {
		logctx.Warn(ctx, "while rejecting session", remoteField(in.RemoteAddr()), zap.Error(err))
	}
}

func (s *Server) negotiate(ctx context.Context, in Incoming) {
	remote := remoteField(in.RemoteAddr())
	logctx.Info(ctx, "accepting incoming session", remote)
	hctx, cf := ctx, context.CancelFunc(func() {})
	if s.params.HandshakeTimeout > 0 {
		hctx, cf = context.WithTimeout(ctx, s.params.HandshakeTimeout)
	}
	sess, err := in.Await(hctx)
	cf()
	if err != nil {
		s.params.Metrics.sessionFailed()
		logctx.Warn(ctx, "failed to accept session", remote, zap.Error(err))
		return
	}
	s.params.Metrics.sessionAccepted()
	defer s.params.Metrics.sessionClosed()
	logctx.Info(ctx, "session accepted", remote)
	s.HandleSession(ctx, sess)
}

// HandleSession accepts streams from sess, and echoes each one in its own go routine.
// It returns when the peer will open no more streams, or when accepting a stream fails.
// sess is closed after every stream it produced has been handled.
func (s *Server) HandleSession(ctx context.Context, sess Session) {
	remote := remoteField(sess.RemoteAddr())
	defer func() {
		if err := sess.Close(); err != nil {
			logctx.Debugf(ctx, "closing session: %v", err)
		}
		logctx.Info(ctx, "session closed", remote)
	}()
	gate := netutil.NewGate(s.params.MaxStreamsPerSession, s.params.Overflow)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		str, err := s.acceptStream(ctx, sess)
		if err != nil {
			switch {
			case IsNoMoreStreams(err):
				logctx.Info(ctx, "no more streams from peer", remote)
			case ctx.Err() != nil:
			default:
				logctx.Warn(ctx, "error accepting stream", remote, zap.Error(err))
			}
			return
		}
		admitted, err := gate.Admit(ctx)
		if err != nil {
			str.Reset()
			return
		}
		sid := zap.Int64("stream", str.ID())
		if !admitted {
			s.params.Metrics.streamRejected()
			logctx.Warn(ctx, "rejecting stream", remote, sid, zap.Error(ErrRejected))
			str.Reset()
			continue
		}
		s.params.Metrics.streamAccepted()
		s.streams.Add(1)
		logctx.Info(ctx, "accepted a bidirectional stream", remote, sid)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer gate.Release()
			defer s.streams.Add(-1)
			n, err := EchoOnce(ctx, str, s.params.Echo)
			s.params.Metrics.streamDone(ResultOf(err), n)
		}()
	}
}

func (s *Server) acceptStream(ctx context.Context, sess Session) (Stream, error) {
	if s.params.StreamAcceptTimeout <= 0 {
		return sess.AcceptStream(ctx)
	}
	ctx, cf := context.WithTimeout(ctx, s.params.StreamAcceptTimeout)
	defer cf()
	return sess.AcceptStream(ctx)
}

func remoteField(addr net.Addr) zap.Field {
	return zap.String("remote", addrString(addr))
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
