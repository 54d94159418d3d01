package qecho_test

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"go.qecho.dev/qecho/internal/netutil"
	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechomem"
	"go.qecho.dev/qecho/pkg/qechotest"
)

func TestServerMetrics(t *testing.T) {
	l := qechomem.Listen()
	m := qecho.NewMetrics(prometheus.NewRegistry())
	qechotest.Serve(t, qecho.Params{Listener: l, Metrics: m})
	sess := qechotest.Dial(t, l)

	require.Equal(t, "hello", string(qechotest.EchoRoundTrip(t, sess, []byte("hello"))))
	require.Empty(t, qechotest.EchoRoundTrip(t, sess, nil))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EchoResults.WithLabelValues(string(qecho.ResultEchoed))) == 1 &&
			testutil.ToFloat64(m.EchoResults.WithLabelValues(string(qecho.ResultPeerClosed))) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 5.0, testutil.ToFloat64(m.EchoBytes))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsAccepted))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StreamsAccepted))
	require.Equal(t, 0.0, testutil.ToFloat64(m.StreamsActive))
}

func TestServerMaxSessionsReject(t *testing.T) {
	ctx := context.Background()
	l := qechomem.Listen()
	m := qecho.NewMetrics(nil)
	srv := qechotest.Serve(t, qecho.Params{
		Listener:    l,
		MaxSessions: 1,
		Overflow:    netutil.Reject,
		Metrics:     m,
	})
	first := qechotest.Dial(t, l)
	_, err := l.Dial(ctx)
	require.ErrorIs(t, err, qecho.ErrRejected)
	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsRejected))
	require.EqualValues(t, 1, srv.ActiveSessions())

	// the admitted session is unaffected.
	require.Equal(t, "still here", string(qechotest.EchoRoundTrip(t, first, []byte("still here"))))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return srv.ActiveSessions() == 0
	}, time.Second, 5*time.Millisecond)
	second := qechotest.Dial(t, l)
	require.Equal(t, "next", string(qechotest.EchoRoundTrip(t, second, []byte("next"))))
}

func TestServerMaxSessionsQueue(t *testing.T) {
	l := qechomem.Listen()
	qechotest.Serve(t, qecho.Params{
		Listener:    l,
		MaxSessions: 1,
		Overflow:    netutil.Queue,
	})
	first := qechotest.Dial(t, l)

	dialed := make(chan qecho.ClientSession, 1)
	go func() {
		ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
		defer cf()
		sess, err := l.Dial(ctx)
		if err != nil {
			t.Errorf("Dial: %v", err)
		}
		dialed <- sess
	}()
	select {
	case <-dialed:
		t.Fatal("second session should wait for the first")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, first.Close())
	select {
	case sess := <-dialed:
		require.NotNil(t, sess)
		defer sess.Close()
		require.Equal(t, "queued", string(qechotest.EchoRoundTrip(t, sess, []byte("queued"))))
	case <-time.After(5 * time.Second):
		t.Fatal("second session was never accepted")
	}
}

func TestServerMaxStreamsReject(t *testing.T) {
	ctx := context.Background()
	l := qechomem.Listen()
	m := qecho.NewMetrics(nil)
	srv := qechotest.Serve(t, qecho.Params{
		Listener:             l,
		MaxStreamsPerSession: 1,
		Overflow:             netutil.Reject,
		Metrics:              m,
	})
	sess := qechotest.Dial(t, l)

	idle, err := sess.OpenStream(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return srv.ActiveStreams() == 1
	}, time.Second, 5*time.Millisecond)

	str, err := sess.OpenStream(ctx)
	require.NoError(t, err)
	// the server may have stopped reading before this write.
	str.Write([]byte("too many"))
	_, err = io.ReadAll(str)
	require.ErrorIs(t, err, qechomem.ErrStreamReset)
	require.Equal(t, 1.0, testutil.ToFloat64(m.StreamsRejected))

	// once the first stream is done there is room again.
	_, err = idle.Write([]byte("a"))
	require.NoError(t, err)
	got, err := io.ReadAll(idle)
	require.NoError(t, err)
	require.Equal(t, "a", string(got))
	require.Eventually(t, func() bool {
		return srv.ActiveStreams() == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "b", string(qechotest.EchoRoundTrip(t, sess, []byte("b"))))
}

func TestServerHandshakeIsolation(t *testing.T) {
	var calls atomic.Int32
	l := qechomem.Listen(qechomem.WithHandshake(func(ctx context.Context, remote net.Addr) error {
		if calls.Add(1) == 1 {
			// the first negotiation stalls until the server gives up on it.
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}))
	m := qecho.NewMetrics(nil)
	qechotest.Serve(t, qecho.Params{
		Listener:         l,
		HandshakeTimeout: 100 * time.Millisecond,
		Metrics:          m,
	})

	stalled := make(chan error, 1)
	go func() {
		_, err := l.Dial(context.Background())
		stalled <- err
	}()
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, time.Millisecond)

	sess := qechotest.Dial(t, l)
	require.Equal(t, "hello", string(qechotest.EchoRoundTrip(t, sess, []byte("hello"))))

	select {
	case err := <-stalled:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled negotiation never failed")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SessionsFailed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestServerStreamAcceptTimeout(t *testing.T) {
	ctx := context.Background()
	l := qechomem.Listen()
	srv := qechotest.Serve(t, qecho.Params{
		Listener:            l,
		StreamAcceptTimeout: 20 * time.Millisecond,
	})
	sess := qechotest.Dial(t, l)
	require.Eventually(t, func() bool {
		return srv.ActiveSessions() == 0
	}, time.Second, 5*time.Millisecond)
	_, err := sess.OpenStream(ctx)
	require.ErrorIs(t, err, qecho.ErrClosed)
}

func TestServerReadTimeout(t *testing.T) {
	ctx := context.Background()
	l := qechomem.Listen()
	m := qecho.NewMetrics(nil)
	qechotest.Serve(t, qecho.Params{
		Listener: l,
		Echo:     qecho.EchoConfig{ReadTimeout: 20 * time.Millisecond},
		Metrics:  m,
	})
	sess := qechotest.Dial(t, l)

	str, err := sess.OpenStream(ctx)
	require.NoError(t, err)
	defer str.Close()
	got, err := io.ReadAll(str)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EchoResults.WithLabelValues(string(qecho.ResultReadError))) == 1
	}, time.Second, 5*time.Millisecond)

	// the session survives a failed stream.
	require.Equal(t, "ok", string(qechotest.EchoRoundTrip(t, sess, []byte("ok"))))
}

func TestServerShutdown(t *testing.T) {
	l := qechomem.Listen()
	ctx, cf := context.WithCancel(qechotest.Context(t))
	srv := qecho.NewServer(qecho.Params{Listener: l})
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	sess := qechotest.Dial(t, l)
	str, err := sess.OpenStream(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return srv.ActiveStreams() == 1
	}, time.Second, 5*time.Millisecond)

	cf()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = io.ReadAll(str)
	require.ErrorIs(t, err, qechomem.ErrStreamReset)
	require.EqualValues(t, 0, srv.ActiveSessions())
}

func TestServerListenerClosed(t *testing.T) {
	l := qechomem.Listen()
	srv := qecho.NewServer(qecho.Params{Listener: l})
	require.NoError(t, l.Close())
	require.NoError(t, srv.Serve(qechotest.Context(t)))
}
