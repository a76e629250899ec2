// Mosaic Orchestrator — state machine выполнения jobs.
//
// Orchestrator:
//   - Получает новые jobs из RabbitMQ (плюс polling fallback)
//   - Декомпозирует их по declaration на stages и tasks
//   - Диспатчит tasks через queue router
//   - Совмещает stages и финализирует jobs
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Mosaic/internal/handler"
	"github.com/shaiso/Mosaic/internal/jobs"
	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/orchestrator"
	"github.com/shaiso/Mosaic/internal/repo"
	"github.com/shaiso/Mosaic/internal/telemetry"
	"github.com/shaiso/Mosaic/internal/workflow"
)

// pollOnlyDispatcher — заглушка на случай недоступного RabbitMQ:
// tasks уже в store, их подберёт polling fallback воркеров.
type pollOnlyDispatcher struct {
	logger *slog.Logger
}

func (d *pollOnlyDispatcher) Dispatch(_ context.Context, msgs []mq.TaskMessage, _ int) error {
	d.logger.Debug("mq unavailable, tasks left for worker polling", "count", len(msgs))
	return nil
}

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting mosaic-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	jobRepo := repo.NewJobRepo(pool)
	taskRepo := repo.NewTaskRepo(pool)

	// Доменный код
	workflows := workflow.NewRegistry()
	handlers := handler.NewRegistry()
	jobs.MustRegisterAll(workflows, handlers)

	// RabbitMQ
	var dispatcher orchestrator.Dispatcher
	var mqConn *mq.Connection
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err = mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
		dispatcher = &pollOnlyDispatcher{logger: logger}
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher := mq.NewPublisher(mqConn, logger)
		dispatcher = mq.NewRouter(mq.RouterConfig{
			Direct: mq.NewDirectTransport(publisher),
			Bulk:   mq.NewBulkTransport(publisher, 0),
			Logger: logger,
		})
	}

	// Создаём orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Jobs:       jobRepo,
		Tasks:      taskRepo,
		Dispatcher: dispatcher,
		Workflows:  workflows,
		Handlers:   handlers,
		Conn:       mqConn,
		Logger:     logger,
	})

	orch.Start(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("ORCH_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	orch.Stop()
	logger.Info("mosaic-orchestrator stopped")
}
