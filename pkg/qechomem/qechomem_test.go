package qechomem

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechotest"
)

func TestTransport(t *testing.T) {
	qechotest.TestTransport(t, func(t testing.TB) (qecho.Listener, qecho.Dialer) {
		l := Listen()
		return l, l
	})
}

func TestTruncateExact(t *testing.T) {
	l := Listen()
	qechotest.Serve(t, qecho.Params{Listener: l})
	sess := qechotest.Dial(t, l)

	data := make([]byte, 4*qecho.DefaultBufferSize)
	for i := range data {
		data[i] = byte(i)
	}
	got := qechotest.EchoRoundTrip(t, sess, data)
	require.Equal(t, data[:qecho.DefaultBufferSize], got)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	l := Listen()
	go func() {
		in, err := l.Accept(ctx)
		if err != nil {
			return
		}
		in.Reject("go away")
	}()
	_, err := l.Dial(ctx)
	require.ErrorIs(t, err, qecho.ErrRejected)
}

func TestHandshakeFailure(t *testing.T) {
	ctx := context.Background()
	hsErr := errors.New("bad handshake")
	l := Listen(WithHandshake(func(ctx context.Context, remote net.Addr) error {
		return hsErr
	}))
	go func() {
		in, err := l.Accept(ctx)
		if err != nil {
			return
		}
		in.Await(ctx)
	}()
	_, err := l.Dial(ctx)
	require.ErrorIs(t, err, hsErr)
}

func TestNoMoreStreams(t *testing.T) {
	ctx := context.Background()
	l := Listen()
	accepted := make(chan qecho.Session, 1)
	go func() {
		in, err := l.Accept(ctx)
		if err != nil {
			return
		}
		sess, err := in.Await(ctx)
		if err != nil {
			return
		}
		accepted <- sess
	}()
	csess, err := l.Dial(ctx)
	require.NoError(t, err)
	ssess := <-accepted

	_, err = csess.OpenStream(ctx)
	require.NoError(t, err)
	require.NoError(t, csess.Close())

	// streams opened before the close are still delivered.
	str, err := ssess.AcceptStream(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, str.ID())
	_, err = ssess.AcceptStream(ctx)
	require.ErrorIs(t, err, qecho.ErrNoMoreStreams)

	_, err = csess.OpenStream(ctx)
	require.ErrorIs(t, err, qecho.ErrClosed)
}

func TestListenerClose(t *testing.T) {
	ctx := context.Background()
	l := Listen()
	require.NoError(t, l.Close())
	_, err := l.Accept(ctx)
	require.True(t, qecho.IsErrClosed(err))
	_, err = l.Dial(ctx)
	require.True(t, qecho.IsErrClosed(err))
}

func TestStreamReset(t *testing.T) {
	a, b := newStreamPair(0)
	_, err := a.Write([]byte("unread"))
	require.NoError(t, err)
	require.NoError(t, a.Reset())

	buf := make([]byte, 16)
	_, err = b.Read(buf)
	require.ErrorIs(t, err, ErrStreamReset)
	_, err = b.Write([]byte("x"))
	require.ErrorIs(t, err, ErrStopSending)
}

func TestStreamCloseStopsPeerWrites(t *testing.T) {
	a, b := newStreamPair(0)
	_, err := b.Write([]byte("first"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := a.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "first", string(buf[:n]))
	require.NoError(t, a.Close())

	_, err = b.Write([]byte("second"))
	require.ErrorIs(t, err, ErrStopSending)
	n, err = b.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamReadDeadline(t *testing.T) {
	a, _ := newStreamPair(0)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err := a.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestStreamDeadlineWakesReader(t *testing.T) {
	a, _ := newStreamPair(0)
	done := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 1))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.SetReadDeadline(time.Now()))
	select {
	case err := <-done:
		require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("Read did not return")
	}
}
