package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Mosaic/internal/domain"
)

// JobRepo — репозиторий для работы с jobs.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// Create создаёт job, если его ещё нет.
//
// Возвращает created=false, если job с таким ID уже существует —
// повторная отправка идентичного запроса является no-op'ом
// (идемпотентная submission).
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) (bool, error) {
	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return false, fmt.Errorf("marshal parameters: %w", err)
	}

	query := `
		INSERT INTO jobs (id, job_type, status, current_stage, total_stages, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Type,
		job.Status,
		job.CurrentStage,
		job.TotalStages,
		paramsJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID возвращает job по ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := `
		SELECT id, job_type, status, current_stage, total_stages, parameters,
		       stage_results, result_data, error_details, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// MarkProcessing переводит job из QUEUED в PROCESSING.
// Если job уже не в QUEUED — no-op (повторная доставка сообщения).
func (r *JobRepo) MarkProcessing(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`
	_, err := r.pool.Exec(ctx, query, id, domain.JobStatusProcessing, domain.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

// AdvanceStage переводит job на следующий stage и дописывает
// агрегированный результат завершённого stage в stage_results.
//
// Вызывается только тем, кто наблюдал "last task". Guard по
// current_stage отклоняет уже выполненный advance: повторный вызов
// возвращает ErrInvalidState.
func (r *JobRepo) AdvanceStage(ctx context.Context, id string, nextStage int, stageResults map[string]any) error {
	fragment, err := json.Marshal(map[int]map[string]any{nextStage - 1: stageResults})
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}

	query := `
		UPDATE jobs
		SET current_stage = $2,
		    stage_results = COALESCE(stage_results, '{}'::jsonb) || $3,
		    updated_at = now()
		WHERE id = $1 AND current_stage = $2 - 1 AND status = $4
	`
	tag, err := r.pool.Exec(ctx, query, id, nextStage, fragment, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("advance job stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance to stage %d: %w", nextStage, ErrInvalidState)
	}
	return nil
}

// Complete переводит job в COMPLETED с итоговым результатом.
// Финальный stage записывается в stage_results тем же вызовом.
func (r *JobRepo) Complete(ctx context.Context, id string, finalStage int, stageResults map[string]any, resultData map[string]any) error {
	return r.finish(ctx, id, domain.JobStatusCompleted, finalStage, stageResults, resultData, "")
}

// CompleteWithErrors переводит job в COMPLETED_WITH_ERRORS: все stages
// насыщены, но часть tasks упала окончательно.
func (r *JobRepo) CompleteWithErrors(ctx context.Context, id string, finalStage int, stageResults map[string]any, resultData map[string]any, errDetails string) error {
	return r.finish(ctx, id, domain.JobStatusCompletedWithErrors, finalStage, stageResults, resultData, errDetails)
}

// Fail переводит job в FAILED.
func (r *JobRepo) Fail(ctx context.Context, id string, errDetails string) error {
	query := `
		UPDATE jobs
		SET status = $2, error_details = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`
	tag, err := r.pool.Exec(ctx, query, id, domain.JobStatusFailed, errDetails,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCompletedWithErrors)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", id, ErrInvalidState)
	}
	return nil
}

// finish закрывает job в терминальном статусе.
// Терминальный job неизменяем: guard по статусу отклоняет повторное закрытие.
func (r *JobRepo) finish(ctx context.Context, id string, status domain.JobStatus, finalStage int, stageResults map[string]any, resultData map[string]any, errDetails string) error {
	fragment, err := json.Marshal(map[int]map[string]any{finalStage: stageResults})
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}
	resultJSON, err := json.Marshal(resultData)
	if err != nil {
		return fmt.Errorf("marshal result data: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $2,
		    stage_results = COALESCE(stage_results, '{}'::jsonb) || $3,
		    result_data = $4,
		    error_details = $5,
		    updated_at = now()
		WHERE id = $1 AND status = $6
	`
	tag, err := r.pool.Exec(ctx, query, id, status, fragment, resultJSON,
		nullString(errDetails), domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job %s: %w", id, ErrInvalidState)
	}
	return nil
}

// ListQueued возвращает jobs в статусе QUEUED (polling fallback).
func (r *JobRepo) ListQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	query := `
		SELECT id, job_type, status, current_stage, total_stages, parameters,
		       stage_results, result_data, error_details, created_at, updated_at
		FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, domain.JobStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// --- Helpers ---

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var paramsJSON, stageResultsJSON, resultJSON []byte
	var errDetails *string

	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.CurrentStage,
		&job.TotalStages,
		&paramsJSON,
		&stageResultsJSON,
		&resultJSON,
		&errDetails,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if stageResultsJSON != nil {
		if err := json.Unmarshal(stageResultsJSON, &job.StageResults); err != nil {
			return nil, fmt.Errorf("unmarshal stage results: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &job.ResultData); err != nil {
			return nil, fmt.Errorf("unmarshal result data: %w", err)
		}
	}
	if errDetails != nil {
		job.ErrorDetails = *errDetails
	}

	return &job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
