package qechotest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"go.qecho.dev/qecho/pkg/qecho"
)

// SetupFunc creates a fresh Listener, and a Dialer which connects to it.
type SetupFunc = func(t testing.TB) (qecho.Listener, qecho.Dialer)

// TestTransport runs an echo server on the transport produced by setup
// and checks the behavior observed by clients.
func TestTransport(t *testing.T, setup SetupFunc) {
	t.Run("Hello", func(t *testing.T) {
		t.Parallel()
		d := setupServer(t, setup)
		sess := Dial(t, d)
		require.Equal(t, "hello", string(EchoRoundTrip(t, sess, []byte("hello"))))
	})
	t.Run("EmptyStream", func(t *testing.T) {
		t.Parallel()
		d := setupServer(t, setup)
		sess := Dial(t, d)
		require.Empty(t, EchoRoundTrip(t, sess, nil))
		// the session is still usable
		require.Equal(t, "after", string(EchoRoundTrip(t, sess, []byte("after"))))
	})
	t.Run("Truncate", func(t *testing.T) {
		t.Parallel()
		d := setupServer(t, setup)
		sess := Dial(t, d)
		data := make([]byte, 3*qecho.DefaultBufferSize)
		rand.New(rand.NewSource(0)).Read(data)
		ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
		defer cf()
		str, err := sess.OpenStream(ctx)
		require.NoError(t, err)
		defer str.Close()
		require.NoError(t, str.SetReadDeadline(time.Now().Add(5*time.Second)))
		// the server stops reading after the first chunk, so the tail of the write may be refused.
		str.Write(data)
		str.CloseWrite()
		got, err := io.ReadAll(str)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		require.LessOrEqual(t, len(got), qecho.DefaultBufferSize)
		require.Equal(t, data[:len(got)], got)
	})
	t.Run("ManyStreams", func(t *testing.T) {
		t.Parallel()
		d := setupServer(t, setup)
		sess := Dial(t, d)
		const N = 20
		var eg errgroup.Group
		for i := 0; i < N; i++ {
			i := i
			eg.Go(func() error {
				msg := []byte(fmt.Sprintf("stream %d", i))
				got, err := echoRoundTrip(sess, msg)
				if err != nil {
					return err
				}
				if !bytes.Equal(msg, got) {
					return fmt.Errorf("stream %d: got %q", i, got)
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	})
	t.Run("ManySessions", func(t *testing.T) {
		t.Parallel()
		d := setupServer(t, setup)
		const N = 5
		sessions := make([]qecho.ClientSession, N)
		for i := range sessions {
			sessions[i] = Dial(t, d)
		}
		var eg errgroup.Group
		for i := range sessions {
			sess := sessions[i]
			msg := []byte(fmt.Sprintf("session %d", i))
			eg.Go(func() error {
				got, err := echoRoundTrip(sess, msg)
				if err != nil {
					return err
				}
				if !bytes.Equal(msg, got) {
					return fmt.Errorf("got %q, want %q", got, msg)
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	})
	t.Run("IdleStream", func(t *testing.T) {
		t.Parallel()
		d := setupServer(t, setup)
		sess := Dial(t, d)
		// a stream which never sends anything must not hold up the others.
		ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
		defer cf()
		idle, err := sess.OpenStream(ctx)
		require.NoError(t, err)
		defer idle.Reset()
		// some transports only announce a stream once it carries data.
		_, err = idle.Write([]byte{})
		require.NoError(t, err)

		require.Equal(t, "ok", string(EchoRoundTrip(t, sess, []byte("ok"))))
		other := Dial(t, d)
		require.Equal(t, "ok", string(EchoRoundTrip(t, other, []byte("ok"))))
	})
	t.Run("IdleSession", func(t *testing.T) {
		t.Parallel()
		d := setupServer(t, setup)
		// a session with no streams must not block new sessions.
		Dial(t, d)
		sess := Dial(t, d)
		require.Equal(t, "ok", string(EchoRoundTrip(t, sess, []byte("ok"))))
	})
}

func setupServer(t testing.TB, setup SetupFunc) qecho.Dialer {
	l, d := setup(t)
	Serve(t, qecho.Params{Listener: l})
	return d
}

// EchoRoundTrip opens a stream, sends msg, finishes the send direction,
// and returns everything the server sends back.
func EchoRoundTrip(t testing.TB, sess qecho.ClientSession, msg []byte) []byte {
	got, err := echoRoundTrip(sess, msg)
	require.NoError(t, err)
	return got
}

func echoRoundTrip(sess qecho.ClientSession, msg []byte) ([]byte, error) {
	ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
	defer cf()
	str, err := sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	defer str.Close()
	if err := str.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	if len(msg) > 0 {
		if _, err := str.Write(msg); err != nil {
			return nil, err
		}
	}
	if err := str.CloseWrite(); err != nil {
		return nil, err
	}
	return io.ReadAll(str)
}
