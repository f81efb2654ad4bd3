package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent metrics collectors
var (
	// Messaging

	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_messages_sent_total",
			Help: "Total number of outbound messages by queue and result",
		},
		[]string{"queue", "status"},
	)

	MessageSendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_agent_message_send_retries_total",
			Help: "Total number of delivery retries",
		},
	)

	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_messages_received_total",
			Help: "Total number of inbound messages by result",
		},
		[]string{"status"},
	)

	MessagesHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_messages_handled_total",
			Help: "Total number of dispatched inbound messages by name and result",
		},
		[]string{"name", "status"},
	)

	// Operations

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_operations_total",
			Help: "Total number of finished operations by final state",
		},
		[]string{"state"},
	)

	OperationsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_agent_operations_in_progress",
			Help: "Number of pending or running operations",
		},
	)

	// Scripting

	ScriptRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_script_runs_total",
			Help: "Total number of script executions by outcome",
		},
		[]string{"outcome"},
	)

	ScriptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_agent_script_duration_seconds",
			Help:    "Script execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1200},
		},
	)

	ScriptLogsRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_agent_script_logs_removed_total",
			Help: "Total number of script logs removed by rotation",
		},
	)

	// Lifecycle

	LifecycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_lifecycle_transitions_total",
			Help: "Total number of agent state transitions by target state",
		},
		[]string{"state"},
	)
)
