package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/telemetry"
)

// Default configuration values.
const (
	defaultSchedule   = "@every 1m"
	defaultStaleAfter = 5 * time.Minute
	defaultBatchSize  = 100
)

// TaskStore — операции state store, нужные reaper'у.
// Реализуется repo.TaskRepo.
type TaskStore interface {
	// ListStale — PROCESSING tasks с heartbeat старше cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error)

	// Requeue — возврат task'а в QUEUED.
	Requeue(ctx context.Context, id string, errDetails string) error
}

// Dispatcher — повторная отправка task-сообщений. Реализуется mq.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []mq.TaskMessage, threshold int) error
}

// Reaper возвращает в очередь tasks, чей worker умер посреди
// выполнения: PROCESSING без свежего heartbeat'а.
//
// Без reaper'а такой task завис бы навсегда — last-task детекция
// stage никогда бы не сработала, и job остался бы в PROCESSING.
type Reaper struct {
	tasks      TaskStore
	dispatcher Dispatcher
	logger     *slog.Logger

	schedule   string
	staleAfter time.Duration
	batchSize  int

	cron *cron.Cron
}

// Config — конфигурация Reaper.
type Config struct {
	// Tasks — state store.
	Tasks TaskStore

	// Dispatcher — повторная отправка сообщений.
	Dispatcher Dispatcher

	// Schedule — cron-расписание sweep'ов (default: "@every 1m").
	Schedule string

	// StaleAfter — возраст heartbeat'а, после которого task считается
	// зависшим (default: 5m). Должен быть заметно больше heartbeat
	// interval'а воркеров.
	StaleAfter time.Duration

	// BatchSize — лимит tasks за один sweep (default: 100).
	BatchSize int

	// Logger — логгер.
	Logger *slog.Logger
}

// New создаёт Reaper.
func New(cfg Config) *Reaper {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reaper{
		tasks:      cfg.Tasks,
		dispatcher: cfg.Dispatcher,
		logger:     logger.With("component", "reaper"),
		schedule:   schedule,
		staleAfter: staleAfter,
		batchSize:  batchSize,
	}
}

// Start запускает периодические sweep'ы по расписанию.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()

	_, err := r.cron.AddFunc(r.schedule, func() {
		r.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	r.cron.Start()
	r.logger.Info("reaper started",
		"schedule", r.schedule,
		"stale_after", r.staleAfter,
	)
	return nil
}

// Stop останавливает расписание и дожидается текущего sweep'а.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.logger.Info("reaper stopped")
}

// Sweep выполняет один проход: находит зависшие tasks, возвращает их
// в QUEUED и переотправляет сообщения. Возвращает число reaped tasks.
//
// Безопасен при нескольких экземплярах reaper'а: Requeue идемпотентен,
// а двойная доставка сообщения гасится claim'ом на стороне воркера.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.staleAfter)

	stale, err := r.tasks.ListStale(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error("list stale tasks", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	r.logger.Warn("found stale tasks", "count", len(stale), "cutoff", cutoff)

	reaped := 0
	for i := range stale {
		task := &stale[i]

		if err := r.tasks.Requeue(ctx, task.ID, "worker heartbeat lost"); err != nil {
			r.logger.Error("requeue stale task", "task_id", task.ID, "error", err)
			continue
		}

		msg := mq.TaskMessage{
			JobID:      task.JobID,
			TaskID:     task.ID,
			TaskType:   task.Type,
			Stage:      task.Stage,
			Parameters: task.Parameters,
		}
		if err := r.dispatcher.Dispatch(ctx, []mq.TaskMessage{msg}, 0); err != nil {
			// Task уже в QUEUED: polling fallback воркера подберёт его
			// и без сообщения.
			r.logger.Error("redispatch stale task", "task_id", task.ID, "error", err)
		}

		telemetry.TasksReaped.Inc()
		reaped++

		r.logger.Info("stale task requeued",
			"task_id", task.ID,
			"job_id", task.JobID,
			"stage", task.Stage,
			"retry_count", task.RetryCount+1,
		)
	}

	return reaped
}
