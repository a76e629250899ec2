package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/repo"
)

// PredecessorLookup — индексированный доступ к task'ам по
// (job_id, stage, key). Реализуется repo.TaskRepo; отсутствие строки —
// repo.ErrNotFound.
type PredecessorLookup interface {
	GetByStageKey(ctx context.Context, jobID string, stage int, key string) (*domain.Task, error)
}

// Context — execution context одного вызова handler'а.
//
// Даёт handler'у идентификаторы task'а и lineage lookup: чтение
// результата task'а с тем же key на предыдущем stage. Это чистый
// индексированный lookup без семантики владения.
type Context struct {
	// JobID — ID родительского job.
	JobID string

	// Stage — номер stage текущего task'а.
	Stage int

	// Key — ключ текущего task'а внутри stage.
	Key string

	// Logger — логгер с контекстом task'а.
	Logger *slog.Logger

	lookup PredecessorLookup
}

// NewContext создаёт execution context для task'а.
func NewContext(jobID string, stage int, key string, lookup PredecessorLookup, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		JobID:  jobID,
		Stage:  stage,
		Key:    key,
		Logger: logger,
		lookup: lookup,
	}
}

// HasPredecessor сообщает, существует ли task с тем же key на
// предыдущем stage. Для stage 1 всегда false, без ошибки.
func (c *Context) HasPredecessor(ctx context.Context) (bool, error) {
	_, err := c.predecessor(ctx)
	if err != nil {
		if errors.Is(err, ErrNoPredecessor) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PredecessorResult возвращает result_data task'а с тем же key на
// предыдущем stage. Отсутствие предшественника (stage 1 или нет
// совпадающего key) — ErrNoPredecessor, не panic.
func (c *Context) PredecessorResult(ctx context.Context) (map[string]any, error) {
	task, err := c.predecessor(ctx)
	if err != nil {
		return nil, err
	}
	return task.ResultData, nil
}

func (c *Context) predecessor(ctx context.Context) (*domain.Task, error) {
	if c.Stage <= 1 || c.lookup == nil {
		return nil, ErrNoPredecessor
	}

	task, err := c.lookup.GetByStageKey(ctx, c.JobID, c.Stage-1, c.Key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNoPredecessor
		}
		return nil, err
	}
	return task, nil
}
