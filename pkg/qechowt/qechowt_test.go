package qechowt

import (
	"context"
	"net/http"
	"net/http/httptest"
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
	_, err := d.Dial(ctx)
	require.ErrorIs(t, err, qecho.ErrRejected)
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
	l.Close()
	_, err := l.Accept(context.Background())
	require.True(t, qecho.IsErrClosed(err), "%v", err)
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://example.com"})
	r := httptest.NewRequest(http.MethodGet, "https://localhost/qecho", nil)
	require.True(t, check(r))
	r.Header.Set("Origin", "https://example.com")
	require.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	require.False(t, check(r))

	require.True(t, checkOrigin([]string{"*"})(r))
}

func TestURLFor(t *testing.T) {
	require.Equal(t, "https://127.0.0.1:4434/qecho", URLFor("127.0.0.1:4434", ""))
	require.Equal(t, "https://example.com:443/echo", URLFor("example.com:443", "/echo"))
}

func setup(t testing.TB) (*Listener, *Dialer) {
	cert := qechotest.NewTestCert(t)
	l, err := Listen("127.0.0.1:0", Params{Certificate: cert})
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
	})
	return l, &Dialer{
		URL:       URLFor(l.Addr().String(), ""),
		TLSConfig: qechotest.ClientTLSConfig(cert),
	}
}
