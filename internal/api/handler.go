package api

import (
	"log/slog"

	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/repo"
	"github.com/shaiso/Mosaic/internal/workflow"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	jobRepo   *repo.JobRepo
	taskRepo  *repo.TaskRepo
	workflows *workflow.Registry
	publisher *mq.Publisher
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	JobRepo   *repo.JobRepo
	TaskRepo  *repo.TaskRepo
	Workflows *workflow.Registry
	Publisher *mq.Publisher
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		jobRepo:   cfg.JobRepo,
		taskRepo:  cfg.TaskRepo,
		workflows: cfg.Workflows,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
}
