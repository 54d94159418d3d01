package qechocmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechod"
	"go.qecho.dev/qecho/pkg/qechoquic"
	"go.qecho.dev/qecho/pkg/qechowt"
)

func newSendCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "send <message>",
		Short: "opens a stream to an echo server, sends a message, and prints the reply",
		Args:  cobra.MinimumNArgs(1),
	}
	addr := c.Flags().String("addr", "127.0.0.1:4434", "address of the server")
	protocol := c.Flags().String("protocol", qechod.ProtocolQUIC, "quic or webtransport")
	path := c.Flags().String("path", qechowt.DefaultPath, "URL path for webtransport sessions")
	serverName := c.Flags().String("server-name", "", "name to verify the server certificate against")
	caPath := c.Flags().String("ca", "", "PEM certificate to trust, instead of the system roots")
	insecure := c.Flags().Bool("insecure", false, "skip verification of the server certificate")
	timeout := c.Flags().Duration("timeout", 10*time.Second, "")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		tlsConf, err := clientTLSConfig(*serverName, *caPath, *insecure)
		if err != nil {
			return err
		}
		var d qecho.Dialer
		switch *protocol {
		case qechod.ProtocolQUIC:
			d = &qechoquic.Dialer{Addr: *addr, TLSConfig: tlsConf}
		case qechod.ProtocolWebTransport:
			d = &qechowt.Dialer{URL: qechowt.URLFor(*addr, *path), TLSConfig: tlsConf}
		default:
			return errors.Errorf("unknown protocol %q", *protocol)
		}
		ctx, cf := context.WithTimeout(ctx, *timeout)
		defer cf()
		reply, err := send(ctx, d, []byte(strings.Join(args, " ")))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		out.Write(reply)
		out.Write([]byte("\n"))
		return nil
	}
	return c
}

// send opens a session and a single stream, writes msg, and returns everything the server sends back.
func send(ctx context.Context, d qecho.Dialer, msg []byte) ([]byte, error) {
	sess, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	str, err := sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	defer str.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := str.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	if _, err := str.Write(msg); err != nil {
		return nil, err
	}
	if err := str.CloseWrite(); err != nil {
		return nil, err
	}
	return io.ReadAll(str)
}

func clientTLSConfig(serverName, caPath string, insecure bool) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.Errorf("no certificates found in %s", caPath)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}
