// Package metrics exposes Prometheus collectors for the live connection and
// the unread store. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	connectionStatus prometheus.Gauge
	dialAttempts     prometheus.Counter
	reconnectDelay   prometheus.Histogram
	protocolErrors   prometheus.Counter
	handlerFailures  *prometheus.CounterVec
	heartbeatsSent   prometheus.Counter
	restFetches      *prometheus.CounterVec
	unreadTotal      *prometheus.GaugeVec
	resyncs          prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewRecorder registers all collectors on reg. A nil reg uses a fresh
// private registry.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pawpal_live_connection_status",
			Help: "Live connection status (0 disconnected, 1 connecting, 2 connected)",
		}),
		dialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pawpal_live_dial_attempts_total",
			Help: "Total live connection dial attempts",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pawpal_live_reconnect_delay_seconds",
			Help:    "Scheduled delay before the next reconnect attempt",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60, 120},
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pawpal_live_protocol_errors_total",
			Help: "Inbound payloads dropped because they failed validation",
		}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pawpal_live_handler_failures_total",
			Help: "Registered handlers that panicked while handling a message",
		}, []string{"type"}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pawpal_live_heartbeats_sent_total",
			Help: "Heartbeats written to the live connection",
		}),
		restFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pawpal_unread_rest_fetches_total",
			Help: "Authoritative unread count fetches over REST",
		}, []string{"outcome"}),
		unreadTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pawpal_unread_messages",
			Help: "Unread messages per role",
		}, []string{"role"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pawpal_unread_resyncs_total",
			Help: "Forced resynchronisations triggered by count divergence",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		r.connectionStatus,
		r.dialAttempts,
		r.reconnectDelay,
		r.protocolErrors,
		r.handlerFailures,
		r.heartbeatsSent,
		r.restFetches,
		r.unreadTotal,
		r.resyncs,
	)
	return r
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) SetConnectionStatus(status int) {
	if r == nil {
		return
	}
	r.connectionStatus.Set(float64(status))
}

func (r *Recorder) IncDialAttempt() {
	if r == nil {
		return
	}
	r.dialAttempts.Inc()
}

func (r *Recorder) ObserveReconnectDelay(seconds float64) {
	if r == nil {
		return
	}
	r.reconnectDelay.Observe(seconds)
}

func (r *Recorder) IncProtocolError() {
	if r == nil {
		return
	}
	r.protocolErrors.Inc()
}

func (r *Recorder) IncHandlerFailure(msgType string) {
	if r == nil {
		return
	}
	r.handlerFailures.WithLabelValues(msgType).Inc()
}

func (r *Recorder) IncHeartbeatSent() {
	if r == nil {
		return
	}
	r.heartbeatsSent.Inc()
}

// IncRestFetch records a REST fetch; outcome is "success" or "failure".
func (r *Recorder) IncRestFetch(outcome string) {
	if r == nil {
		return
	}
	r.restFetches.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SetUnread(role string, count int) {
	if r == nil {
		return
	}
	r.unreadTotal.WithLabelValues(role).Set(float64(count))
}

func (r *Recorder) IncResync() {
	if r == nil {
		return
	}
	r.resyncs.Inc()
}
