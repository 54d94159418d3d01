package qechowt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/quic-go/webtransport-go"

	"go.qecho.dev/qecho/pkg/qecho"
)

var (
	_ qecho.ClientSession = &clientSession{}
	_ qecho.Dialer        = &Dialer{}
)

// Dialer establishes WebTransport sessions with a qecho server.
type Dialer struct {
	// URL is the session URL, e.g. https://localhost:4434/qecho
	URL       string
	TLSConfig *tls.Config
}

func (d *Dialer) Dial(ctx context.Context) (qecho.ClientSession, error) {
	wd := webtransport.Dialer{TLSClientConfig: d.TLSConfig}
	rsp, sess, err := wd.Dial(ctx, d.URL, nil)
	if err != nil {
		if rsp != nil && rsp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%w: %v", qecho.ErrRejected, err)
		}
		return nil, err
	}
	return &clientSession{sess: sess}, nil
}

func Dial(ctx context.Context, url string, tlsConfig *tls.Config) (qecho.ClientSession, error) {
	d := Dialer{URL: url, TLSConfig: tlsConfig}
	return d.Dial(ctx)
}

// URLFor returns the session URL for a server listening on addr.
func URLFor(addr, path string) string {
	if path == "" {
		path = DefaultPath
	}
	return "https://" + addr + path
}

type clientSession struct {
	sess *webtransport.Session
}

func (s *clientSession) OpenStream(ctx context.Context) (qecho.Stream, error) {
	str, err := s.sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return stream{str}, nil
}

func (s *clientSession) LocalAddr() net.Addr {
	return s.sess.LocalAddr()
}

// Close tells the server that no more streams will be opened.
func (s *clientSession) Close() error {
	return s.sess.CloseWithError(codeNoError, "")
}
