// Package metrics defines the Prometheus instrumentation for every
// normative metric name in spec.md §6, grounded in the teacher's
// internal/common/metrics/metrics.go (package-level promauto vars
// namespaced per subsystem). The Metrics type additionally satisfies the
// small Observer interfaces defined locally by mediator, batch,
// outboxproc, and recovery, so it plugs into each without those packages
// importing Prometheus directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.flowmediator.dev/recovery"
	"go.flowmediator.dev/result"
)

const namespace = "flowmediator"

var (
	// MediatorCommandsCount is spec.md §6's mediator.commands.count.
	MediatorCommandsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "commands_count",
			Help:      "Total Send invocations by request type and outcome",
		},
		[]string{"request_type", "outcome"},
	)

	// MediatorCommandsDuration is mediator.commands.duration.
	MediatorCommandsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "commands_duration_seconds",
			Help:      "Send pipeline duration by request type",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"request_type"},
	)

	// MediatorEventsCount is mediator.events.count.
	MediatorEventsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "events_count",
			Help:      "Total Publish invocations by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// MediatorErrorsCount is mediator.errors.count{error_type}.
	MediatorErrorsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "errors_count",
			Help:      "Total failures by result.ErrorCode",
		},
		[]string{"error_type"},
	)

	// MediatorBatchOverflow is mediator.batch.overflow.
	MediatorBatchOverflow = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "batch_overflow_total",
			Help:      "Total items dropped from a batch shard queue for exceeding maxQueueLength",
		},
		[]string{"request_type"},
	)

	// MediatorBatchSize is mediator.batch.size.
	MediatorBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "batch_size",
			Help:      "Number of items in a flushed batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"request_type"},
	)

	// MediatorBatchQueueLength is mediator.batch.queue_length.
	MediatorBatchQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "batch_queue_length",
			Help:      "Current queue length of a batch shard",
		},
		[]string{"request_type"},
	)

	// MediatorBatchFlushDuration is mediator.batch.flush.duration.
	MediatorBatchFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mediator",
			Name:      "batch_flush_duration_seconds",
			Help:      "Time to flush a batch shard",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"request_type"},
	)

	// OutboxProcessed is outbox.processed.
	OutboxProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "processed_total",
			Help:      "Total outbox rows successfully published",
		},
	)

	// OutboxFailed is outbox.failed.
	OutboxFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Total outbox rows that failed to publish",
		},
	)

	// RecoveryComponentState tracks each recovery.Recoverable's current
	// state (0=healthy, 1=recovering, 2=unhealthy), supplementing the
	// normative names with the teacher's CircuitBreakerState-style gauge
	// encoding.
	RecoveryComponentState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "component_state",
			Help:      "Recovery component state (0=healthy, 1=recovering, 2=unhealthy)",
		},
		[]string{"component"},
	)
)

// Metrics adapts the package-level collectors to the Observer interfaces
// mediator, batch, outboxproc, and recovery each define locally.
type Metrics struct{}

func New() *Metrics { return &Metrics{} }

// mediator.Observer

func (m *Metrics) ObserveCommand(requestType string, ok bool, durationSeconds float64) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	MediatorCommandsCount.WithLabelValues(requestType, outcome).Inc()
	if durationSeconds > 0 {
		MediatorCommandsDuration.WithLabelValues(requestType).Observe(durationSeconds)
	}
}

func (m *Metrics) ObserveEvent(eventType string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	MediatorEventsCount.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveError(code result.ErrorCode) {
	MediatorErrorsCount.WithLabelValues(string(code)).Inc()
}

// batch.Observer

func (m *Metrics) IncOverflow(requestType string) {
	MediatorBatchOverflow.WithLabelValues(requestType).Inc()
}

func (m *Metrics) ObserveBatchSize(requestType string, size int) {
	MediatorBatchSize.WithLabelValues(requestType).Observe(float64(size))
}

func (m *Metrics) ObserveQueueLength(requestType string, length int) {
	MediatorBatchQueueLength.WithLabelValues(requestType).Set(float64(length))
}

func (m *Metrics) ObserveFlushDuration(requestType string, d time.Duration) {
	MediatorBatchFlushDuration.WithLabelValues(requestType).Observe(d.Seconds())
}

// outboxproc.Observer

func (m *Metrics) IncProcessed(n int) {
	OutboxProcessed.Add(float64(n))
}

func (m *Metrics) IncFailed(n int) {
	OutboxFailed.Add(float64(n))
}

// recovery.Observer

func (m *Metrics) ObserveState(component string, state recovery.State) {
	RecoveryComponentState.WithLabelValues(component).Set(float64(state))
}
