// Package qechotest contains helpers and a test suite for qecho transports.
package qechotest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"

	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/serde"
)

func Context(t testing.TB) context.Context {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	ctx := context.Background()
	ctx = logctx.NewContext(ctx, l)
	return ctx
}

// NewTestCert creates a self-signed certificate for localhost and 127.0.0.1.
func NewTestCert(t testing.TB) tls.Certificate {
	certPEM, keyPEM, err := serde.GenerateSelfSigned([]string{"localhost", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	cert, err := serde.ParseServerIdentity(certPEM, keyPEM)
	require.NoError(t, err)
	return cert
}

// ClientTLSConfig returns a client config which trusts only cert.
func ClientTLSConfig(cert tls.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
	}
}

// Serve runs a qecho.Server on l until the test is over.
func Serve(t testing.TB, params qecho.Params) *qecho.Server {
	ctx, cf := context.WithCancel(Context(t))
	srv := qecho.NewServer(params)
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cf()
		params.Listener.Close()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Serve did not return")
		}
	})
	return srv
}

func Dial(t testing.TB, d qecho.Dialer) qecho.ClientSession {
	ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
	defer cf()
	sess, err := d.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		sess.Close()
	})
	return sess
}
