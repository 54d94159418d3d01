package qechod

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.qecho.dev/qecho/internal/netutil"
	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechoquic"
	"go.qecho.dev/qecho/pkg/qechowt"
)

type Params struct {
	Protocol    string
	ListenAddr  string
	Certificate tls.Certificate

	// Path and AllowedOrigins only apply to webtransport.
	Path           string
	AllowedOrigins []string
	Qlog           bool

	Echo                 qecho.EchoConfig
	MaxSessions          int64
	MaxStreamsPerSession int64
	Overflow             netutil.OverflowPolicy
	HandshakeTimeout     time.Duration
	StreamAcceptTimeout  time.Duration

	AdminAddr string
}

type Daemon struct {
	params  Params
	reg     *prometheus.Registry
	metrics *qecho.Metrics
	started time.Time

	setupDone chan struct{}
	srv       *qecho.Server
}

func New(p Params) *Daemon {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Daemon{
		params:    p,
		reg:       reg,
		metrics:   qecho.NewMetrics(reg),
		setupDone: make(chan struct{}),
	}
}

// Run binds the listening endpoint and serves until ctx is cancelled.
// Failing to bind is returned immediately.
func (d *Daemon) Run(ctx context.Context) error {
	l, err := d.listen()
	if err != nil {
		return err
	}
	srv := qecho.NewServer(qecho.Params{
		Listener:             l,
		Echo:                 d.params.Echo,
		MaxSessions:          d.params.MaxSessions,
		MaxStreamsPerSession: d.params.MaxStreamsPerSession,
		Overflow:             d.params.Overflow,
		HandshakeTimeout:     d.params.HandshakeTimeout,
		StreamAcceptTimeout:  d.params.StreamAcceptTimeout,
		Metrics:              d.metrics,
	})
	d.srv = srv
	d.started = time.Now()
	close(d.setupDone)
	logctx.Info(ctx, "echo server listening", zap.String("protocol", d.params.Protocol), zap.String("addr", srv.Addr().String()))

	sg := netutil.ServiceGroup{Background: ctx}
	defer func() {
		if err := sg.Stop(); err != nil {
			logctx.Errorf(ctx, "stopping services: %v", err)
		}
	}()
	if d.params.AdminAddr != "" {
		sg.Go("admin", func(ctx context.Context) error {
			return d.runHTTPServer(ctx, d.params.AdminAddr)
		})
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		if err := l.Close(); err != nil {
			logctx.Warnf(ctx, "closing listener: %v", err)
		}
		return nil
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// DoWithServer calls cb with the running server, once it has been set up.
func (d *Daemon) DoWithServer(ctx context.Context, cb func(s *qecho.Server) error) error {
	select {
	case <-d.setupDone:
		return cb(d.srv)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) listen() (qecho.Listener, error) {
	switch d.params.Protocol {
	case ProtocolQUIC, "":
		return qechoquic.Listen(d.params.ListenAddr, qechoquic.Params{
			Certificate: d.params.Certificate,
			Qlog:        d.params.Qlog,
		})
	case ProtocolWebTransport:
		return qechowt.Listen(d.params.ListenAddr, qechowt.Params{
			Certificate:    d.params.Certificate,
			Path:           d.params.Path,
			AllowedOrigins: d.params.AllowedOrigins,
			Qlog:           d.params.Qlog,
		})
	default:
		return nil, errors.New("unknown protocol " + d.params.Protocol)
	}
}
