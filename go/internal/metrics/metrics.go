package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for collecting round metrics
type Collector interface {
	RecordRoundStarted()
	RecordRoundEnded(reason string)
	RecordPress(accepted bool, reactionMs int64)
	RecordConfirm(count int, success bool, duration time.Duration)
	RecordConnection(role string, delta int)
	RecordBroadcastDropped()
	RecordWriteDropped(kind string)
	RecordStreamPublish(success bool)
}

// NoOp is a no-op implementation for when metrics aren't needed
type NoOp struct{}

func (NoOp) RecordRoundStarted()                                          {}
func (NoOp) RecordRoundEnded(reason string)                               {}
func (NoOp) RecordPress(accepted bool, reactionMs int64)                  {}
func (NoOp) RecordConfirm(count int, success bool, duration time.Duration) {}
func (NoOp) RecordConnection(role string, delta int)                      {}
func (NoOp) RecordBroadcastDropped()                                      {}
func (NoOp) RecordWriteDropped(kind string)                               {}
func (NoOp) RecordStreamPublish(success bool)                             {}

// Prometheus implements Collector using Prometheus
type Prometheus struct {
	roundsStarted     prometheus.Counter
	roundsEnded       *prometheus.CounterVec
	presses           *prometheus.CounterVec
	reactionTime      prometheus.Histogram
	confirms          *prometheus.CounterVec
	confirmedResults  prometheus.Counter
	confirmDuration   prometheus.Histogram
	connections       *prometheus.GaugeVec
	broadcastsDropped prometheus.Counter
	writesDropped     *prometheus.CounterVec
	streamPublishes   *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaction_rounds_started_total",
			Help: "Rounds started by moderators.",
		}),
		roundsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaction_rounds_ended_total",
			Help: "Rounds that reached a terminal phase, by reason.",
		}, []string{"reason"}),
		presses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaction_presses_total",
			Help: "Participant presses, by outcome.",
		}, []string{"status"}),
		reactionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reaction_time_milliseconds",
			Help:    "Reaction times of accepted presses.",
			Buckets: []float64{100, 200, 300, 400, 500, 750, 1000, 1500, 2000, 3000, 5000, 10000},
		}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaction_confirms_total",
			Help: "Confirm operations that reached the store, by outcome.",
		}, []string{"status"}),
		confirmedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaction_confirmed_results_total",
			Help: "Results written to the store by confirm.",
		}),
		confirmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reaction_confirm_duration_seconds",
			Help:    "Time spent persisting a confirm delta.",
			Buckets: prometheus.DefBuckets,
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reaction_connections",
			Help: "Open websocket connections, by role.",
		}, []string{"role"}),
		broadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaction_broadcasts_dropped_total",
			Help: "Broadcasts dropped because the fan-out queue was full.",
		}),
		writesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaction_writes_dropped_total",
			Help: "Write-through jobs dropped because the writer queue was full.",
		}, []string{"kind"}),
		streamPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaction_stream_publishes_total",
			Help: "Events mirrored to JetStream, by outcome.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.roundsStarted,
		m.roundsEnded,
		m.presses,
		m.reactionTime,
		m.confirms,
		m.confirmedResults,
		m.confirmDuration,
		m.connections,
		m.broadcastsDropped,
		m.writesDropped,
		m.streamPublishes,
	)
	return m
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Prometheus) RecordRoundStarted() {
	m.roundsStarted.Inc()
}

func (m *Prometheus) RecordRoundEnded(reason string) {
	m.roundsEnded.WithLabelValues(reason).Inc()
}

func (m *Prometheus) RecordPress(accepted bool, reactionMs int64) {
	if !accepted {
		m.presses.WithLabelValues("rejected").Inc()
		return
	}
	m.presses.WithLabelValues("accepted").Inc()
	m.reactionTime.Observe(float64(reactionMs))
}

func (m *Prometheus) RecordConfirm(count int, success bool, duration time.Duration) {
	m.confirms.WithLabelValues(status(success)).Inc()
	m.confirmDuration.Observe(duration.Seconds())
	if success {
		m.confirmedResults.Add(float64(count))
	}
}

func (m *Prometheus) RecordConnection(role string, delta int) {
	m.connections.WithLabelValues(role).Add(float64(delta))
}

func (m *Prometheus) RecordBroadcastDropped() {
	m.broadcastsDropped.Inc()
}

func (m *Prometheus) RecordWriteDropped(kind string) {
	m.writesDropped.WithLabelValues(kind).Inc()
}

func (m *Prometheus) RecordStreamPublish(success bool) {
	m.streamPublishes.WithLabelValues(status(success)).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
