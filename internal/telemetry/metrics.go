package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики оркестрации. Экспортируются на /metrics каждого сервиса.
var (
	// JobsSubmitted — количество принятых jobs по типу.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_jobs_submitted_total",
		Help: "Jobs accepted for processing",
	}, []string{"job_type"})

	// JobsFinished — количество завершённых jobs по типу и статусу.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_jobs_finished_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"job_type", "status"})

	// TasksFinished — количество терминальных tasks по типу и статусу.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_tasks_finished_total",
		Help: "Tasks that reached a terminal status",
	}, []string{"task_type", "status"})

	// TaskRetries — количество повторных постановок tasks в очередь.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_task_retries_total",
		Help: "Task retry requeues",
	}, []string{"task_type"})

	// StagesAdvanced — количество переходов jobs на следующий stage.
	StagesAdvanced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_stages_advanced_total",
		Help: "Stage transitions driven by last-task detection",
	}, []string{"job_type"})

	// TasksDispatched — количество отправленных task-сообщений по транспорту.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_tasks_dispatched_total",
		Help: "Task messages dispatched, by transport",
	}, []string{"transport"})

	// TasksReaped — количество зависших tasks, возвращённых в очередь.
	TasksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mosaic_tasks_reaped_total",
		Help: "Stale tasks requeued by the reaper",
	})

	// HandlerDuration — длительность выполнения task handlers.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mosaic_handler_duration_seconds",
		Help:    "Task handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"task_type"})
)
