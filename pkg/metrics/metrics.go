// Package metrics provides Prometheus metrics for the fern orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fern"

var (
	// NodeTransitionsTotal tracks node execution status transitions
	NodeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "transitions_total",
			Help:      "Total number of node execution status transitions",
		},
		[]string{"mode", "status"},
	)

	// NodeStaleUpdatesTotal counts compare-and-set updates that lost the race
	NodeStaleUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "stale_updates_total",
			Help:      "Total number of node status updates skipped because the precondition no longer held",
		},
		[]string{"target_status"},
	)

	// NodeDuration tracks how long nodes take from start to a terminal status
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "duration_seconds",
			Help:      "Duration of node executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"step_type", "status"},
	)

	// PlanExecutionsTotal tracks finished plan executions
	PlanExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "executions_total",
			Help:      "Total number of plan executions by final status",
		},
		[]string{"status"},
	)

	// InterruptsTotal tracks processed interrupts
	InterruptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interrupt",
			Name:      "processed_total",
			Help:      "Total number of interrupts processed by type and final state",
		},
		[]string{"type", "state"},
	)

	// NotifyEventsEnqueued tracks events handed to the notify queue
	NotifyEventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waitnotify",
			Name:      "events_enqueued_total",
			Help:      "Total number of notify events enqueued by source",
		},
		[]string{"source"},
	)

	// NotifyEventsHandled tracks dispatcher outcomes
	NotifyEventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waitnotify",
			Name:      "events_handled_total",
			Help:      "Total number of notify events handled by outcome",
		},
		[]string{"callback_type", "outcome"},
	)

	// NotifierCycles tracks notifier poll cycles
	NotifierCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "cycles_total",
			Help:      "Total number of notifier poll cycles by result",
		},
		[]string{"result"},
	)

	// NotifierCycleDuration tracks how long one poll cycle takes
	NotifierCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of notifier poll cycles in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"type", "status"},
	)

	// DLQJobsTotal tracks jobs moved to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to the dead letter queue",
		},
		[]string{"type", "reason"},
	)

	// KafkaMessagesPublished tracks messages published to Kafka
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks worker responses consumed from Kafka
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "status"},
	)
)

func RecordNodeTransition(mode, status string) {
	NodeTransitionsTotal.WithLabelValues(mode, status).Inc()
}

func RecordStaleUpdate(targetStatus string) {
	NodeStaleUpdatesTotal.WithLabelValues(targetStatus).Inc()
}

func RecordNodeDuration(stepType, status string, durationSeconds float64) {
	NodeDuration.WithLabelValues(stepType, status).Observe(durationSeconds)
}

func RecordPlanExecution(status string) {
	PlanExecutionsTotal.WithLabelValues(status).Inc()
}

func RecordInterrupt(interruptType, state string) {
	InterruptsTotal.WithLabelValues(interruptType, state).Inc()
}

func RecordNotifyEnqueued(source string) {
	NotifyEventsEnqueued.WithLabelValues(source).Inc()
}

func RecordNotifyHandled(callbackType, outcome string) {
	NotifyEventsHandled.WithLabelValues(callbackType, outcome).Inc()
}

func RecordNotifierCycle(result string, durationSeconds float64) {
	NotifierCycles.WithLabelValues(result).Inc()
	if result != "skipped" {
		NotifierCycleDuration.Observe(durationSeconds)
	}
}

func RecordQueueJob(jobType, status string) {
	QueueJobsProcessed.WithLabelValues(jobType, status).Inc()
}

func RecordDLQJob(jobType, reason string) {
	DLQJobsTotal.WithLabelValues(jobType, reason).Inc()
}

func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}

func RecordKafkaConsume(topic, status string) {
	KafkaMessagesConsumed.WithLabelValues(topic, status).Inc()
}
