package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/mq"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 5
	defaultBulkPrefetch = 25
)

// Processor выполняет один task. Реализуется orchestrator.Orchestrator.
type Processor interface {
	ProcessTaskMessage(ctx context.Context, msg mq.TaskMessage) error
}

// TaskSource отдаёт queued tasks для polling fallback'а.
// Реализуется repo.TaskRepo.
type TaskSource interface {
	ListQueued(ctx context.Context, limit int) ([]domain.Task, error)
}

// Worker потребляет сообщения о готовых tasks и выполняет их.
//
// Worker — stateless компонент системы, который:
//   - Получает tasks из обеих task-очередей RabbitMQ: низколатентной
//     и batch (event-driven)
//   - Периодически проверяет queued tasks в БД (polling fallback)
//   - Передаёт каждый task в Processor; вся state machine живёт там
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одних очередей: claim task'а в state store
// гасит двойное выполнение.
type Worker struct {
	processor Processor
	tasks     TaskSource
	conn      *mq.Connection

	consumers []*mq.Consumer

	pollInterval time.Duration
	batchSize    int
	prefetch     int
	bulkPrefetch int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	// Processor — исполнитель tasks.
	Processor Processor

	// Tasks — источник queued tasks для polling fallback'а.
	Tasks TaskSource

	// Conn — соединение с RabbitMQ.
	Conn *mq.Connection

	// PollInterval — интервал polling (default: 10s).
	PollInterval time.Duration

	// BatchSize — количество tasks за один poll (default: 50).
	BatchSize int

	// Prefetch — prefetch низколатентной очереди (default: 5).
	Prefetch int

	// BulkPrefetch — prefetch batch-очереди (default: 25).
	BulkPrefetch int

	// Logger — логгер.
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	bulkPrefetch := cfg.BulkPrefetch
	if bulkPrefetch <= 0 {
		bulkPrefetch = defaultBulkPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		processor:    cfg.Processor,
		tasks:        cfg.Tasks,
		conn:         cfg.Conn,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		prefetch:     prefetch,
		bulkPrefetch: bulkPrefetch,
		logger:       logger.With("component", "worker"),
	}
}

// Start запускает Worker.
//
// Запускает:
//   - Consumer для tasks.ready (низколатентный транспорт)
//   - Consumer для tasks.ready.bulk (batch-транспорт)
//   - Polling горутину для fallback
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
	)

	// Без RabbitMQ работает только polling fallback.
	var queues []struct {
		queue    mq.Queue
		prefetch int
	}
	if w.conn != nil {
		queues = []struct {
			queue    mq.Queue
			prefetch int
		}{
			{mq.QueueTasksReady, w.prefetch},
			{mq.QueueTasksReadyBulk, w.bulkPrefetch},
		}
	}

	for _, q := range queues {
		consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    string(q.queue),
			Handler:  w.handleTaskReady,
			Prefetch: q.prefetch,
		})
		w.consumers = append(w.consumers, consumer)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("task consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	for _, consumer := range w.consumers {
		consumer.Stop()
	}

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// handleTaskReady — mq.Handler обеих task-очередей.
// Сообщения идентичны на обоих транспортах, ветвления нет.
func (w *Worker) handleTaskReady(ctx context.Context, d *mq.Delivery) error {
	msg, err := mq.ParsePayload[mq.TaskMessage](&d.Message)
	if err != nil {
		return err
	}
	return w.processor.ProcessTaskMessage(ctx, msg)
}

// pollLoop — цикл polling для fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем tasks, созданные
	// пока worker был выключен)
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (w *Worker) poll(ctx context.Context) {
	tasks, err := w.tasks.ListQueued(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("failed to list queued tasks", "error", err)
		return
	}

	if len(tasks) == 0 {
		return
	}

	w.logger.Debug("poll found queued tasks", "count", len(tasks))

	for i := range tasks {
		task := &tasks[i]

		msg := mq.TaskMessage{
			JobID:      task.JobID,
			TaskID:     task.ID,
			TaskType:   task.Type,
			Stage:      task.Stage,
			Parameters: task.Parameters,
		}
		if err := w.processor.ProcessTaskMessage(ctx, msg); err != nil {
			w.logger.Error("failed to process task from poll",
				"task_id", task.ID,
				"error", err,
			)
		}
	}
}
