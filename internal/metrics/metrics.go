package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jordanhubbard/tinyloom/internal/eventbus"
)

// Metrics holds all Prometheus metrics for tinyloom
type Metrics struct {
	// Queue metrics
	QueueDepth         *prometheus.GaugeVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesFailed     *prometheus.CounterVec
	MessagesQuarantine prometheus.Counter
	ProcessingDuration *prometheus.HistogramVec

	// Agent metrics
	AgentInvocations   *prometheus.CounterVec
	AgentLatency       *prometheus.HistogramVec
	ActiveLanes        prometheus.Gauge
	ResetsConsumed     *prometheus.CounterVec
	LongResponsesSaved prometheus.Counter

	// Team metrics
	ActiveConversations prometheus.Gauge
	TeamHandoffs        *prometheus.CounterVec
	ConversationSteps   *prometheus.HistogramVec

	// System metrics
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tinyloom_queue_depth",
					Help: "Number of files in each queue directory",
				},
				[]string{"state"},
			),
			MessagesProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tinyloom_messages_processed_total",
					Help: "Total number of queue messages processed",
				},
				[]string{"channel", "kind"}, // kind: external, internal
			),
			MessagesFailed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tinyloom_messages_failed_total",
					Help: "Total number of queue messages whose processing failed",
				},
				[]string{"reason"},
			),
			MessagesQuarantine: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "tinyloom_messages_dead_lettered_total",
					Help: "Total number of messages moved to the dead-letter directory",
				},
			),
			ProcessingDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tinyloom_message_processing_seconds",
					Help:    "Time to process one queue message in seconds",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to 17min
				},
				[]string{"agent_id"},
			),

			AgentInvocations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tinyloom_agent_invocations_total",
					Help: "Total number of agent invocations",
				},
				[]string{"agent_id", "provider", "success"},
			),
			AgentLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tinyloom_agent_invocation_seconds",
					Help:    "Agent invocation duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
				},
				[]string{"agent_id", "provider"},
			),
			ActiveLanes: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "tinyloom_active_lanes",
					Help: "Number of agents with queued or running work",
				},
			),
			ResetsConsumed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tinyloom_agent_resets_total",
					Help: "Total number of consumed reset flags",
				},
				[]string{"agent_id"},
			),
			LongResponsesSaved: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "tinyloom_long_responses_total",
					Help: "Total number of responses saved to a file because of their length",
				},
			),

			ActiveConversations: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "tinyloom_active_conversations",
					Help: "Number of team conversations with outstanding branches",
				},
			),
			TeamHandoffs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tinyloom_team_handoffs_total",
					Help: "Total number of teammate delegations",
				},
				[]string{"team_id"},
			),
			ConversationSteps: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tinyloom_conversation_steps",
					Help:    "Number of responses aggregated per completed team conversation",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
				},
				[]string{"team_id"},
			),

			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tinyloom_events_published_total",
					Help: "Total number of events published",
				},
				[]string{"event_type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tinyloom_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tinyloom_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordInvocation records one agent invocation
func (m *Metrics) RecordInvocation(agentID, provider string, success bool, seconds float64) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	m.AgentInvocations.WithLabelValues(agentID, provider, successStr).Inc()
	m.AgentLatency.WithLabelValues(agentID, provider).Observe(seconds)
}

// RecordQueueDepth publishes the current directory counts
func (m *Metrics) RecordQueueDepth(incoming, processing, outgoing, deadLetter int) {
	m.QueueDepth.WithLabelValues("incoming").Set(float64(incoming))
	m.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	m.QueueDepth.WithLabelValues("outgoing").Set(float64(outgoing))
	m.QueueDepth.WithLabelValues("dead-letter").Set(float64(deadLetter))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// HandleEvent counts published events; it satisfies eventbus.Sink.
func (m *Metrics) HandleEvent(ctx context.Context, event *eventbus.Event) error {
	m.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}
