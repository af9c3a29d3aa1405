package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_dispatch_total",
			Help: "Total number of envelope dispatches by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	replayRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentwire_replay_rejected_total",
			Help: "Total number of envelopes rejected by the replay window",
		},
	)

	inboundRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_inbound_rejected_total",
			Help: "Total number of inbound envelopes rejected before handler dispatch",
		},
		[]string{"reason"},
	)

	// Mailbox relay metrics
	mailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentwire_mailbox_depth",
			Help: "Queued envelopes per target at the relay",
		},
		[]string{"target"},
	)

	mailboxPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_mailbox_polls_total",
			Help: "Total number of relay polls by outcome",
		},
		[]string{"outcome"},
	)

	mailboxPollInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwire_mailbox_poll_interval_seconds",
			Help: "Current relay poll interval after backoff",
		},
	)

	// Dialogue metrics
	sessionAdvanceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_session_advance_total",
			Help: "Total number of session transitions by outcome",
		},
		[]string{"outcome"},
	)

	// Bureau metrics
	bureauAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwire_bureau_agents",
			Help: "Agents currently hosted by the bureau",
		},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentwire_handler_duration_seconds",
			Help:    "Message handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	initOnce sync.Once
)

// InitMetrics registers all metrics with the default registry. Safe to
// call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			dispatchTotal,
			replayRejectedTotal,
			inboundRejectedTotal,
			mailboxDepth,
			mailboxPollsTotal,
			mailboxPollInterval,
			sessionAdvanceTotal,
			bureauAgents,
			handlerDuration,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records one dispatch attempt.
func RecordDispatch(route, outcome string) {
	dispatchTotal.WithLabelValues(route, outcome).Inc()
}

// RecordReplayRejected counts an envelope dropped by the replay window.
func RecordReplayRejected() {
	replayRejectedTotal.Inc()
}

// RecordInboundRejected counts an inbound envelope rejected before any
// handler ran.
func RecordInboundRejected(reason string) {
	inboundRejectedTotal.WithLabelValues(reason).Inc()
}

// SetMailboxDepth sets the queue depth gauge for a target.
func SetMailboxDepth(target string, depth int) {
	mailboxDepth.WithLabelValues(target).Set(float64(depth))
}

// RecordMailboxPoll records one relay poll.
func RecordMailboxPoll(outcome string) {
	mailboxPollsTotal.WithLabelValues(outcome).Inc()
}

// SetMailboxPollInterval reports the current backoff interval.
func SetMailboxPollInterval(d time.Duration) {
	mailboxPollInterval.Set(d.Seconds())
}

// RecordSessionAdvance records one dialogue transition attempt.
func RecordSessionAdvance(outcome string) {
	sessionAdvanceTotal.WithLabelValues(outcome).Inc()
}

// SetBureauAgents sets the hosted-agent gauge.
func SetBureauAgents(n int) {
	bureauAgents.Set(float64(n))
}

// RecordHandlerDuration records one handler invocation.
func RecordHandlerDuration(agent string, d time.Duration) {
	handlerDuration.WithLabelValues(agent).Observe(d.Seconds())
}
