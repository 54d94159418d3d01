package qechoquic

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"

	"go.qecho.dev/qecho/pkg/qecho"
)

// Dialer connects to a qecho server over QUIC.
type Dialer struct {
	Addr       string
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

func (d *Dialer) Dial(ctx context.Context) (qecho.ClientSession, error) {
	tlsConf := d.TLSConfig.Clone()
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{DefaultALPN}
	}
	conn, err := quic.DialAddr(ctx, d.Addr, tlsConf, d.QUICConfig)
	if err != nil {
		return nil, err
	}
	return &clientSession{conn: conn}, nil
}

func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (qecho.ClientSession, error) {
	d := Dialer{Addr: addr, TLSConfig: tlsConfig}
	return d.Dial(ctx)
}

type clientSession struct {
	conn *quic.Conn
}

func (s *clientSession) OpenStream(ctx context.Context) (qecho.Stream, error) {
	str, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return stream{str}, nil
}

func (s *clientSession) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close tells the server that no more streams will be opened.
func (s *clientSession) Close() error {
	return s.conn.CloseWithError(CodeNoError, "")
}
