// Package metrics exports hume telemetry as Prometheus instruments.
//
//	reg := prometheus.NewRegistry()
//	obs := metrics.New(reg, metrics.Options{Namespace: "myapp"})
//	client, _ := hume.NewClient(hume.Config{Credential: cred, Observer: obs})
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enesunal-m/hume"
)

// Options configures New.
type Options struct {
	Namespace string // Default: "hume"

	// PathLabel maps a request path to a low-cardinality label value.
	// Default: the first three path segments, e.g. "/v0/evi/chats".
	PathLabel func(path string) string
}

// Observer implements hume.Observer with Prometheus counters, histograms
// and a gauge of open sessions.
type Observer struct {
	pathLabel func(string) string

	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	RetryDelay      prometheus.Histogram
	Transitions     *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	OpenSessions    prometheus.Gauge
}

var _ hume.Observer = (*Observer)(nil)

// New registers the instruments with reg. A nil reg uses the default
// registerer. Registering twice on the same registry panics, as with promauto.
func New(reg prometheus.Registerer, opts Options) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "hume"
	}
	pathLabel := opts.PathLabel
	if pathLabel == nil {
		pathLabel = defaultPathLabel
	}
	f := promauto.With(reg)
	return &Observer{
		pathLabel: pathLabel,
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "request_attempts_total",
			Help:      "HTTP attempts by method, path and outcome.",
		}, []string{"method", "path", "outcome"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_attempt_duration_seconds",
			Help:      "Duration of single HTTP attempts.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "path"}),
		RetryDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_retry_delay_seconds",
			Help:      "Wait before a retried HTTP attempt.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "session_transitions_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"from", "to"}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sessions_ended_total",
			Help:      "Sessions that reached a terminal state, by state and reason.",
		}, []string{"state", "reason"}),
		OpenSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "open_sessions",
			Help:      "Sessions currently in the Open state.",
		}),
	}
}

// OnAttempt implements hume.Observer.
func (o *Observer) OnAttempt(e hume.AttemptEvent) {
	path := o.pathLabel(e.Path)
	o.Attempts.WithLabelValues(e.Method, path, outcome(e)).Inc()
	o.AttemptDuration.WithLabelValues(e.Method, path).Observe(e.Elapsed.Seconds())
	if e.Delay > 0 {
		o.RetryDelay.Observe(e.Delay.Seconds())
	}
}

// OnSessionTransition implements hume.Observer.
func (o *Observer) OnSessionTransition(e hume.TransitionEvent) {
	o.Transitions.WithLabelValues(e.From.String(), e.To.String()).Inc()
	if e.To == hume.StateOpen {
		o.OpenSessions.Inc()
	}
	if e.From == hume.StateOpen {
		o.OpenSessions.Dec()
	}
	if e.To == hume.StateClosed || e.To == hume.StateFailed {
		o.SessionsEnded.WithLabelValues(e.To.String(), reasonLabel(e.Reason)).Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func outcome(e hume.AttemptEvent) string {
	if e.Status > 0 {
		return strconv.Itoa(e.Status/100) + "xx"
	}
	if e.Err != nil {
		return reasonLabel(e.Err)
	}
	return "unknown"
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, hume.ErrCancelled):
		return "cancelled"
	case errors.Is(err, hume.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, hume.ErrUnauthenticated):
		return "auth"
	case errors.Is(err, hume.ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, hume.ErrTransport):
		return "transport"
	case errors.Is(err, hume.ErrDecode):
		return "decode"
	case errors.Is(err, hume.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "other"
	}
}

func defaultPathLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
