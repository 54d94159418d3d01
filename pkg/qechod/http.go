package qechod

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.brendoncarroll.net/stdctx/logctx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"go.qecho.dev/qecho/pkg/qecho"
)

// HealthService is the name reported to the gRPC health service.
const HealthService = "qecho"

type StatusResponse struct {
	Protocol       string `json:"protocol"`
	ListenAddr     string `json:"listen_addr"`
	ActiveSessions int64  `json:"active_sessions"`
	ActiveStreams  int64  `json:"active_streams"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// runHTTPServer starts a listener at endpoint, and serves the admin API until ctx is done.
func (d *Daemon) runHTTPServer(ctx context.Context, endpoint string) error {
	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return err
	}
	defer l.Close()

	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	defer hs.Shutdown()

	hSrv := http.Server{
		Handler:     d.makeHandler(hs),
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}
	go func() {
		logctx.Infof(ctx, "admin API listening on: %v", l.Addr())
		if err := hSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			logctx.Errorf(ctx, "error serving http: %v", err)
		}
	}()
	<-ctx.Done()
	sctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
	defer cf()
	return hSrv.Shutdown(sctx)
}

// makeHandler returns the admin API, with the gRPC services multiplexed over h2c.
func (d *Daemon) makeHandler(hs *health.Server) http.Handler {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	mux := chi.NewMux()
	for name := range gs.GetServiceInfo() {
		mux.Handle("/"+name+"/*", gs)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("QECHO\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	mux.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		res, err := d.status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (d *Daemon) status(ctx context.Context) (*StatusResponse, error) {
	ctx, cf := context.WithTimeout(ctx, time.Second)
	defer cf()
	var res *StatusResponse
	err := d.DoWithServer(ctx, func(s *qecho.Server) error {
		res = &StatusResponse{
			Protocol:       d.params.Protocol,
			ListenAddr:     s.Addr().String(),
			ActiveSessions: s.ActiveSessions(),
			ActiveStreams:  s.ActiveStreams(),
			UptimeSeconds:  int64(time.Since(d.started) / time.Second),
		}
		return nil
	})
	return res, err
}
