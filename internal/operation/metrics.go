package operation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_operations_submitted_total",
			Help: "Operations created, by type.",
		},
		[]string{"type"},
	)

	operationsAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_operations_attached_total",
			Help: "Requests that attached to an existing operation by idempotency key.",
		},
		[]string{"type"},
	)

	operationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_operations_finished_total",
			Help: "Operations reaching a terminal state, by type and code.",
		},
		[]string{"type", "code"},
	)

	operationsRestored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chanmgr_operations_restored_total",
			Help: "Not-done operations resumed by the startup scan.",
		},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanmgr_operation_step_retries_total",
			Help: "Steps rescheduled after a transient error, by type.",
		},
		[]string{"type"},
	)
)
