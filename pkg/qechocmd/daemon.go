package qechocmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.brendoncarroll.net/stdctx/logctx"

	"go.qecho.dev/qecho/internal/netutil"
	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechod"
	"go.qecho.dev/qecho/pkg/serde"
)

func newDaemonCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "daemon",
		Short: "runs the echo server using a config file",
	}
	configPath := c.Flags().String("config", "", "--config=./path/to/config.yml")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if *configPath == "" {
			return errors.New("must provide config path")
		}
		config, err := qechod.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		logger, err := qechod.SetupLogger(config.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()
		ctx := logctx.NewContext(context.Background(), logger)
		logctx.Infof(ctx, "using config from path: %v", *configPath)
		params, err := qechod.MakeParams(*configPath, *config)
		if err != nil {
			return err
		}
		return runDaemon(ctx, qechod.New(*params))
	}
	return c
}

// newServeCmd runs the echo server configured only by flags.
func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "runs the echo server using command line flags",
	}
	defaults := qechod.DefaultConfig()
	listenAddr := c.Flags().String("addr", defaults.ListenAddr, "address to listen on")
	protocol := c.Flags().String("protocol", defaults.Protocol, "quic or webtransport")
	certPath := c.Flags().String("cert", "cert.pem", "path to the PEM certificate chain")
	keyPath := c.Flags().String("key", "key.pem", "path to the PEM private key")
	adminAddr := c.Flags().String("admin", "", "address for the admin HTTP API, disabled if empty")
	path := c.Flags().String("path", defaults.WebTransport.Path, "URL path for webtransport sessions")
	maxSessions := c.Flags().Int64("max-sessions", 0, "maximum concurrent sessions, 0 for no limit")
	maxStreams := c.Flags().Int64("max-streams", 0, "maximum concurrent streams per session, 0 for no limit")
	overflow := c.Flags().String("overflow", string(netutil.Queue), "queue or reject, when a limit is reached")
	readTimeout := c.Flags().Duration("read-timeout", 0, "timeout for reading the first chunk of a stream")
	writeTimeout := c.Flags().Duration("write-timeout", 0, "timeout for writing the echo")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		policy, err := netutil.ParseOverflowPolicy(*overflow)
		if err != nil {
			return err
		}
		switch *protocol {
		case qechod.ProtocolQUIC, qechod.ProtocolWebTransport:
		default:
			return errors.Errorf("unknown protocol %q", *protocol)
		}
		cert, err := serde.LoadServerIdentity(*certPath, *keyPath)
		if err != nil {
			return err
		}
		d := qechod.New(qechod.Params{
			Protocol:             *protocol,
			ListenAddr:           *listenAddr,
			Certificate:          cert,
			Path:                 *path,
			AdminAddr:            *adminAddr,
			MaxSessions:          *maxSessions,
			MaxStreamsPerSession: *maxStreams,
			Overflow:             policy,
			Echo: qecho.EchoConfig{
				ReadTimeout:  *readTimeout,
				WriteTimeout: *writeTimeout,
			},
		})
		return runDaemon(ctx, d)
	}
	return c
}

func runDaemon(ctx context.Context, d *qechod.Daemon) error {
	ctx, cf := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cf()
	start := time.Now()
	err := d.Run(ctx)
	logctx.Infof(ctx, "shut down after %v", time.Since(start).Round(time.Second))
	return err
}
