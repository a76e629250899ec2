package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Mosaic/internal/handler"
	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/workflow"
)

const (
	// defaultMaxRetries — число повторных попыток task'а по умолчанию.
	defaultMaxRetries = 3

	// defaultPollInterval — период polling fallback'а по QUEUED jobs.
	defaultPollInterval = 30 * time.Second

	// defaultPollBatch — сколько jobs забирает одна итерация polling'а.
	defaultPollBatch = 20

	// defaultHeartbeatInterval — период heartbeat'а выполняющегося task'а.
	defaultHeartbeatInterval = 15 * time.Second
)

// Orchestrator — единственный компонент, мутирующий статусы jobs
// и совмещающий stages. Вся его логика job-агностична: доменная
// специфика живёт в workflow declarations и task handlers.
type Orchestrator struct {
	jobs       JobStore
	tasks      TaskStore
	dispatcher Dispatcher
	workflows  *workflow.Registry
	handlers   *handler.Registry
	logger     *slog.Logger

	maxRetries        int
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	conn     *mq.Connection
	consumer *mq.Consumer

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Jobs, Tasks — state store.
	Jobs  JobStore
	Tasks TaskStore

	// Dispatcher — маршрутизация task-сообщений.
	Dispatcher Dispatcher

	// Workflows — реестр workflow declarations.
	Workflows *workflow.Registry

	// Handlers — реестр task handlers.
	Handlers *handler.Registry

	// Conn — соединение с RabbitMQ. При nil consumer не запускается,
	// доставку QUEUED jobs берёт на себя polling fallback.
	Conn *mq.Connection

	// Logger — логгер.
	Logger *slog.Logger

	// MaxRetries — число повторных попыток task'а (0 — по умолчанию).
	MaxRetries int

	// PollInterval — период polling fallback'а (0 — по умолчанию).
	PollInterval time.Duration

	// HeartbeatInterval — период heartbeat'а выполняющегося task'а
	// (0 — по умолчанию).
	HeartbeatInterval time.Duration
}

// New создаёт Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	return &Orchestrator{
		jobs:              cfg.Jobs,
		tasks:             cfg.Tasks,
		dispatcher:        cfg.Dispatcher,
		workflows:         cfg.Workflows,
		handlers:          cfg.Handlers,
		logger:            logger.With("component", "orchestrator"),
		maxRetries:        maxRetries,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		conn:              cfg.Conn,
		stopCh:            make(chan struct{}),
	}
}

// Start запускает consumer очереди jobs.submitted и polling fallback.
// Неблокирующий; останавливается через Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.conn != nil {
		o.consumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:   string(mq.QueueJobsSubmitted),
			Handler: o.handleJobSubmitted,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.consumer.Start(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("job consumer stopped", "error", err)
			}
		}()
	}

	o.wg.Add(1)
	go o.pollLoop(ctx)

	o.logger.Info("orchestrator started",
		"poll_interval", o.pollInterval,
		"max_retries", o.maxRetries,
	)
}

// Stop останавливает Orchestrator и дожидается завершения горутин.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		if o.consumer != nil {
			o.consumer.Stop()
		}
	})
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// pollLoop периодически подбирает QUEUED jobs, сообщение о которых
// потерялось (рестарт брокера, nack в DLQ). Гарантия доставки
// переходит от очереди к state store.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.pollQueued(ctx)
		}
	}
}

// pollQueued обрабатывает партию QUEUED jobs напрямую, минуя очередь.
func (o *Orchestrator) pollQueued(ctx context.Context) {
	jobs, err := o.jobs.ListQueued(ctx, defaultPollBatch)
	if err != nil {
		o.logger.Error("poll queued jobs", "error", err)
		return
	}

	for i := range jobs {
		job := &jobs[i]
		payload := mq.JobSubmittedPayload{
			JobID:      job.ID,
			JobType:    job.Type,
			Parameters: job.Parameters,
		}
		if err := o.ProcessJobMessage(ctx, payload); err != nil {
			o.logger.Error("process queued job",
				"job_id", job.ID,
				"job_type", job.Type,
				"error", err,
			)
		}
	}
}

// handleJobSubmitted — mq.Handler для очереди jobs.submitted.
func (o *Orchestrator) handleJobSubmitted(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.JobSubmittedPayload](&d.Message)
	if err != nil {
		return err
	}
	return o.ProcessJobMessage(ctx, payload)
}
