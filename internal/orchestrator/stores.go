package orchestrator

import (
	"context"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/mq"
)

// JobStore — операции state store над jobs.
// Реализуется repo.JobRepo; в тестах — in-memory фейком.
type JobStore interface {
	// Create создаёт job; created=false — job уже существует (no-op).
	Create(ctx context.Context, job *domain.Job) (bool, error)

	// GetByID возвращает job; отсутствие — repo.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Job, error)

	// MarkProcessing — QUEUED → PROCESSING, идемпотентно.
	MarkProcessing(ctx context.Context, id string) error

	// AdvanceStage — переход на следующий stage с записью агрегата.
	// Уже выполненный advance — repo.ErrInvalidState.
	AdvanceStage(ctx context.Context, id string, nextStage int, stageResults map[string]any) error

	// Complete / CompleteWithErrors / Fail — терминальные переходы.
	Complete(ctx context.Context, id string, finalStage int, stageResults, resultData map[string]any) error
	CompleteWithErrors(ctx context.Context, id string, finalStage int, stageResults, resultData map[string]any, errDetails string) error
	Fail(ctx context.Context, id string, errDetails string) error

	// ListQueued — jobs, ожидающие обработки (polling fallback).
	ListQueued(ctx context.Context, limit int) ([]domain.Job, error)
}

// TaskStore — операции state store над tasks.
// Реализуется repo.TaskRepo; в тестах — in-memory фейком
// с мьютексом вместо advisory lock.
type TaskStore interface {
	// CreateBatch создаёт tasks stage одним идемпотентным batch'ем.
	CreateBatch(ctx context.Context, tasks []*domain.Task) error

	// GetByID возвращает task; отсутствие — repo.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Task, error)

	// GetByStageKey — lineage lookup (handler.PredecessorLookup).
	GetByStageKey(ctx context.Context, jobID string, stage int, key string) (*domain.Task, error)

	// MarkProcessing — QUEUED → PROCESSING; claimed=false, если task
	// уже забран или терминален.
	MarkProcessing(ctx context.Context, id string) (bool, error)

	// CompleteAndCheckStage — атомарное терминальное завершение task'а
	// с детекцией последнего task'а stage (см. repo.TaskRepo).
	CompleteAndCheckStage(ctx context.Context, taskID, jobID string, stage int, status domain.TaskStatus, result, nextStageParams map[string]any, errDetails string) (bool, error)

	// Heartbeat обновляет отметку живости PROCESSING task'а.
	Heartbeat(ctx context.Context, id string) error

	// Requeue — возврат task'а в QUEUED для retry.
	Requeue(ctx context.Context, id string, errDetails string) error

	// ListByJobAndStage — все tasks пары (job, stage).
	ListByJobAndStage(ctx context.Context, jobID string, stage int) ([]domain.Task, error)

	// CountByJobAndStatus — количество tasks job'а в статусе.
	CountByJobAndStatus(ctx context.Context, jobID string, status domain.TaskStatus) (int, error)
}

// Dispatcher — маршрутизация task-сообщений (mq.Router).
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []mq.TaskMessage, threshold int) error
}
