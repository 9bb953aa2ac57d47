// Package metrics provides Prometheus instrumentation for protocol
// endpoints: message counters, send retries, handler durations and an
// HTTP exporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "asmv"

var (
	// contextsActive is a gauge of invocation contexts currently executing.
	contextsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_active",
			Help:      "Number of invocation contexts currently executing",
		},
	)

	// messagesReceived counts protocol messages accepted from the peer.
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total protocol messages received, by message type",
		},
		[]string{"type"},
	)

	// messagesSent counts protocol messages delivered to the peer.
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total protocol messages sent, by message type",
		},
		[]string{"type"},
	)

	// sendRetriesTotal counts message delivery attempts beyond the first.
	sendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Total message send retries",
		},
	)

	// commandDuration is a histogram of command handler execution duration.
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Histogram of command handler execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"command", "status"}, // status: success, error, cancelled, suspended
	)

	// upcallDuration is a histogram of time handlers spend waiting on the
	// agent for inputs, confirmations and payment authorizations.
	upcallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upcall_duration_seconds",
			Help:      "Duration of handler upcalls to the agent in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"kind"}, // kind: inputs, confirmation, payment
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		contextsActive,
		messagesReceived,
		messagesSent,
		sendRetriesTotal,
		commandDuration,
		upcallDuration,
	}
)

// RecordContextStart records an invocation context entering execution.
func RecordContextStart() {
	contextsActive.Inc()
}

// RecordContextEnd records an invocation context leaving execution.
func RecordContextEnd() {
	contextsActive.Dec()
}

// RecordMessageReceived records an accepted incoming message.
func RecordMessageReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMessageSent records a delivered outgoing message.
func RecordMessageSent(msgType string) {
	messagesSent.WithLabelValues(msgType).Inc()
}

// RecordSendRetry records one message delivery retry.
func RecordSendRetry() {
	sendRetriesTotal.Inc()
}

// RecordCommandDuration records a completed handler run.
func RecordCommandDuration(command, status string, durationSeconds float64) {
	commandDuration.WithLabelValues(command, status).Observe(durationSeconds)
}

// RecordUpcall records the time a handler spent blocked on the agent.
func RecordUpcall(kind string, durationSeconds float64) {
	upcallDuration.WithLabelValues(kind).Observe(durationSeconds)
}
