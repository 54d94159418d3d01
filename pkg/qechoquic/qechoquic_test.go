package qechoquic

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechotest"
)

func TestTransport(t *testing.T) {
	qechotest.TestTransport(t, func(t testing.TB) (qecho.Listener, qecho.Dialer) {
		return setup(t)
	})
}

func TestReject(t *testing.T) {
	l, d := setup(t)
	go func() {
		in, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		in.Reject("at capacity")
	}()
	ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
	defer cf()
	// the handshake may finish before the close arrives, so the failure can surface on dial or on first use.
	sess, err := d.Dial(ctx)
	if err != nil {
		return
	}
	defer sess.Close()
	str, err := sess.OpenStream(ctx)
	if err != nil {
		return
	}
	str.SetReadDeadline(time.Now().Add(5 * time.Second))
	str.Write([]byte("hello"))
	str.CloseWrite()
	buf := make([]byte, 16)
	_, err = str.Read(buf)
	require.Error(t, err)
}

func TestGracefulClose(t *testing.T) {
	l, d := setup(t)
	ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
	defer cf()
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
	csess, err := d.Dial(ctx)
	require.NoError(t, err)
	ssess := <-accepted
	defer ssess.Close()
	require.NoError(t, csess.Close())

	_, err = ssess.AcceptStream(ctx)
	require.ErrorIs(t, err, qecho.ErrNoMoreStreams)
}

func TestListenerClose(t *testing.T) {
	l, _ := setup(t)
	require.NoError(t, l.Close())
	_, err := l.Accept(context.Background())
	require.True(t, qecho.IsErrClosed(err), "%v", err)
}

func TestListenWithoutKey(t *testing.T) {
	_, err := Listen("127.0.0.1:0", Params{Certificate: tls.Certificate{}})
	require.Error(t, err)
}

func setup(t testing.TB) (*Listener, *Dialer) {
	cert := qechotest.NewTestCert(t)
	l, err := Listen("127.0.0.1:0", Params{Certificate: cert})
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
	})
	return l, &Dialer{
		Addr:      l.Addr().String(),
		TLSConfig: qechotest.ClientTLSConfig(cert),
	}
}
