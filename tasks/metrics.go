package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_submitted",
	Help: "Number of tasks accepted into the ledger",
})

var tasksDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_deduplicated",
	Help: "Number of submissions answered by an existing task via idempotency key",
})

var tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_claimed",
	Help: "Number of task claims won by workers",
})

var tasksSucceeded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_succeeded",
	Help: "Number of task executions that completed successfully",
})

var tasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ballast_tasks_failed",
	Help: "Number of failed task executions",
}, []string{"class"})

var tasksDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ballast_tasks_dead_lettered",
	Help: "Number of tasks moved to the dead letter queue",
}, []string{"reason"})

var tasksReaped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_reaped",
	Help: "Number of expired claims reverted by the reaper",
})

var tasksReplayed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_replayed",
	Help: "Number of dead-lettered tasks re-queued by operators",
})

var tasksCanceled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_canceled",
	Help: "Number of tasks stopped by a cancellation request",
})

var tasksPruned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_tasks_pruned",
	Help: "Number of dead-lettered tasks removed by retention cleanup",
})

var handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ballast_task_handler_duration_seconds",
	Help:    "Time spent inside task handlers",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"type"})
