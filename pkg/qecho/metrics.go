package qecho

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EchoResult classifies how a single EchoOnce call ended.
type EchoResult string

const (
	ResultEchoed     EchoResult = "echoed"
	ResultPeerClosed EchoResult = "peer_closed"
	ResultReadError  EchoResult = "read_error"
	ResultWriteError EchoResult = "write_error"
)

// Metrics holds the Prometheus collectors for a Server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsAccepted prometheus.Counter
	SessionsFailed   prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsActive   prometheus.Gauge

	StreamsAccepted prometheus.Counter
	StreamsRejected prometheus.Counter
	StreamsActive   prometheus.Gauge

	EchoResults *prometheus.CounterVec
	EchoBytes   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// If reg is nil the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "qecho_sessions_accepted_total",
			Help: "Sessions which completed negotiation",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "qecho_sessions_failed_total",
			Help: "Session negotiation attempts which failed",
		}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "qecho_sessions_rejected_total",
			Help: "Session negotiation attempts refused at capacity",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "qecho_sessions_active",
			Help: "Sessions currently being served",
		}),
		StreamsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "qecho_streams_accepted_total",
			Help: "Bidirectional streams accepted",
		}),
		StreamsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "qecho_streams_rejected_total",
			Help: "Bidirectional streams reset at capacity",
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "qecho_streams_active",
			Help: "Streams currently being echoed",
		}),
		EchoResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qecho_echo_results_total",
			Help: "Outcome of each stream echo",
		}, []string{"result"}),
		EchoBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "qecho_echo_bytes_total",
			Help: "Bytes written back to peers",
		}),
	}
}

func (m *Metrics) sessionAccepted() {
	if m == nil {
		return
	}
	m.SessionsAccepted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) sessionFailed() {
	if m == nil {
		return
	}
	m.SessionsFailed.Inc()
}

func (m *Metrics) sessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

func (m *Metrics) streamAccepted() {
	if m == nil {
		return
	}
	m.StreamsAccepted.Inc()
	m.StreamsActive.Inc()
}

func (m *Metrics) streamDone(res EchoResult, n int) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.EchoResults.WithLabelValues(string(res)).Inc()
	if res == ResultEchoed {
		m.EchoBytes.Add(float64(n))
	}
}

func (m *Metrics) streamRejected() {
	if m == nil {
		return
	}
	m.StreamsRejected.Inc()
}
