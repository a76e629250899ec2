// Mosaic Reaper — восстановление зависших tasks.
//
// Reaper по cron-расписанию возвращает в очередь PROCESSING tasks
// с устаревшим heartbeat'ом: упавший воркер не может навсегда
// заморозить stage.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/reaper"
	"github.com/shaiso/Mosaic/internal/repo"
	"github.com/shaiso/Mosaic/internal/telemetry"
)

// pollOnlyDispatcher — заглушка на случай недоступного RabbitMQ:
// requeued tasks подберёт polling fallback воркеров.
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
	logger.Info("starting mosaic-reaper")

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

	taskRepo := repo.NewTaskRepo(pool)

	// RabbitMQ
	var dispatcher reaper.Dispatcher
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, requeued tasks rely on polling", "error", err)
		dispatcher = &pollOnlyDispatcher{logger: logger}
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		publisher := mq.NewPublisher(mqConn, logger)
		dispatcher = mq.NewRouter(mq.RouterConfig{
			Direct: mq.NewDirectTransport(publisher),
			Bulk:   mq.NewBulkTransport(publisher, 0),
			Logger: logger,
		})
	}

	r := reaper.New(reaper.Config{
		Tasks:      taskRepo,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	if err := r.Start(ctx); err != nil {
		logger.Error("failed to start reaper", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8085"
	if v := os.Getenv("REAPER_PORT"); v != "" {
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

	r.Stop()
	logger.Info("mosaic-reaper stopped")
}
