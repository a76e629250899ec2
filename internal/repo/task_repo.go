package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Mosaic/internal/domain"
)

// TaskRepo — репозиторий для работы с tasks.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// stageLockKey — имя advisory lock для пары (job, stage).
// Хэшируется на стороне Postgres через hashtextextended.
func stageLockKey(jobID string, stage int) string {
	return jobID + ":stage:" + strconv.Itoa(stage)
}

// CreateBatch создаёт все tasks одного stage одним batch'ем.
//
// ON CONFLICT DO NOTHING делает операцию идемпотентной: повторная
// доставка сообщения о job'е пере-создаёт тот же детерминированный
// набор ID и молча пропускает существующие строки.
func (r *TaskRepo) CreateBatch(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO tasks (id, job_id, task_type, status, stage, task_key, parameters, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	for _, task := range tasks {
		paramsJSON, err := json.Marshal(task.Parameters)
		if err != nil {
			return fmt.Errorf("marshal parameters for %s: %w", task.ID, err)
		}
		batch.Queue(query,
			task.ID,
			task.JobID,
			task.Type,
			task.Status,
			task.Stage,
			task.Key,
			paramsJSON,
			task.RetryCount,
			task.CreatedAt,
			task.UpdatedAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range tasks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert task batch: %w", err)
		}
	}
	return nil
}

// CompleteAndCheckStage атомарно переводит task в терминальный статус
// и сообщает, был ли он последним нетерминальным task'ом stage.
//
// Алгоритм (одна транзакция):
//  1. advisory lock по имени (job_id, stage) — сериализует проверку
//     "остались ли нетерминальные tasks" между конкурентными воркерами;
//     освобождается автоматически при завершении транзакции;
//  2. UPDATE с guard'ом по нетерминальному статусу — если task уже
//     терминален (повторная доставка), возвращаем (false, nil) не
//     пересчитывая остаток: "last task" не сообщается дважды;
//  3. COUNT нетерминальных tasks stage; 0 — stage насыщен.
//
// FAILED после исчерпания retry — тоже терминальный статус: упавшие
// tasks входят в насыщение, иначе stage завис бы навсегда.
func (r *TaskRepo) CompleteAndCheckStage(ctx context.Context, taskID, jobID string, stage int, status domain.TaskStatus, result, nextStageParams map[string]any, errDetails string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("complete task with non-terminal status %s: %w", status, ErrInvalidState)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		stageLockKey(jobID, stage),
	); err != nil {
		return false, fmt.Errorf("acquire stage lock: %w", err)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	var nextJSON []byte
	if nextStageParams != nil {
		if nextJSON, err = json.Marshal(nextStageParams); err != nil {
			return false, fmt.Errorf("marshal next stage params: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $2, result_data = $3, next_stage_params = $4,
		    error_details = $5, updated_at = now()
		WHERE id = $1 AND status NOT IN ($6, $7)
	`, taskID, status, resultJSON, nextJSON, nullString(errDetails),
		domain.TaskStatusCompleted, domain.TaskStatusFailed)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Task уже терминален — повторная доставка, no-op.
		return false, nil
	}

	var remaining int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tasks
		WHERE job_id = $1 AND stage = $2 AND status NOT IN ($3, $4)
	`, jobID, stage, domain.TaskStatusCompleted, domain.TaskStatusFailed).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("count remaining tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return remaining == 0, nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query := selectTask + ` WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// GetByStageKey возвращает task по (job_id, stage, key) — lineage lookup.
func (r *TaskRepo) GetByStageKey(ctx context.Context, jobID string, stage int, key string) (*domain.Task, error) {
	query := selectTask + ` WHERE job_id = $1 AND stage = $2 AND task_key = $3`
	return scanTask(r.pool.QueryRow(ctx, query, jobID, stage, key))
}

// ListByJobAndStage возвращает все tasks пары (job, stage).
func (r *TaskRepo) ListByJobAndStage(ctx context.Context, jobID string, stage int) ([]domain.Task, error) {
	query := selectTask + ` WHERE job_id = $1 AND stage = $2 ORDER BY task_key ASC`
	rows, err := r.pool.Query(ctx, query, jobID, stage)
	if err != nil {
		return nil, fmt.Errorf("list tasks by stage: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListByJob возвращает все tasks job'а (status-проекции API).
func (r *TaskRepo) ListByJob(ctx context.Context, jobID string) ([]domain.Task, error) {
	query := selectTask + ` WHERE job_id = $1 ORDER BY stage ASC, task_key ASC`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by job: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListFailed возвращает терминально упавшие tasks job'а.
func (r *TaskRepo) ListFailed(ctx context.Context, jobID string) ([]domain.Task, error) {
	query := selectTask + ` WHERE job_id = $1 AND status = $2 ORDER BY stage ASC, task_key ASC`
	rows, err := r.pool.Query(ctx, query, jobID, domain.TaskStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListQueued возвращает tasks в статусе QUEUED (polling fallback воркера).
func (r *TaskRepo) ListQueued(ctx context.Context, limit int) ([]domain.Task, error) {
	query := selectTask + ` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, domain.TaskStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListStale возвращает PROCESSING tasks с heartbeat старше cutoff (reaper).
func (r *TaskRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	query := selectTask + ` WHERE status = $1 AND heartbeat < $2 ORDER BY heartbeat ASC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, domain.TaskStatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// MarkProcessing переводит task из QUEUED в PROCESSING со штампом heartbeat.
//
// Возвращает claimed=false, если task уже не в QUEUED — другой воркер
// забрал его, либо это повторная доставка уже обработанного сообщения.
func (r *TaskRepo) MarkProcessing(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $2, heartbeat = now(), updated_at = now()
		WHERE id = $1 AND status = $3
	`
	tag, err := r.pool.Exec(ctx, query, id, domain.TaskStatusProcessing, domain.TaskStatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark task processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Heartbeat обновляет heartbeat выполняющегося task'а.
func (r *TaskRepo) Heartbeat(ctx context.Context, id string) error {
	query := `UPDATE tasks SET heartbeat = now() WHERE id = $1 AND status = $2`
	if _, err := r.pool.Exec(ctx, query, id, domain.TaskStatusProcessing); err != nil {
		return fmt.Errorf("heartbeat task: %w", err)
	}
	return nil
}

// Requeue возвращает task в QUEUED для повторной попытки
// (PROCESSING → RETRYING → QUEUED сворачивается в один UPDATE),
// увеличивая retry_count и сохраняя текст ошибки.
func (r *TaskRepo) Requeue(ctx context.Context, id string, errDetails string) error {
	query := `
		UPDATE tasks
		SET status = $2, retry_count = retry_count + 1, error_details = $3,
		    heartbeat = NULL, updated_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`
	tag, err := r.pool.Exec(ctx, query, id, domain.TaskStatusQueued, nullString(errDetails),
		domain.TaskStatusCompleted, domain.TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue task %s: %w", id, ErrInvalidState)
	}
	return nil
}

// CountByJobAndStatus возвращает количество tasks job'а в данном статусе.
func (r *TaskRepo) CountByJobAndStatus(ctx context.Context, jobID string, status domain.TaskStatus) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE job_id = $1 AND status = $2`,
		jobID, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// --- Helpers ---

const selectTask = `
	SELECT id, job_id, task_type, status, stage, task_key, parameters,
	       result_data, next_stage_params, heartbeat, retry_count,
	       error_details, created_at, updated_at
	FROM tasks`

func scanTask(row pgx.Row) (*domain.Task, error) {
	task, err := scanTaskRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTaskRow(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var paramsJSON, resultJSON, nextJSON []byte
	var errDetails *string

	err := row.Scan(
		&task.ID,
		&task.JobID,
		&task.Type,
		&task.Status,
		&task.Stage,
		&task.Key,
		&paramsJSON,
		&resultJSON,
		&nextJSON,
		&task.Heartbeat,
		&task.RetryCount,
		&errDetails,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &task.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &task.ResultData); err != nil {
			return nil, fmt.Errorf("unmarshal result data: %w", err)
		}
	}
	if nextJSON != nil {
		if err := json.Unmarshal(nextJSON, &task.NextStageParams); err != nil {
			return nil, fmt.Errorf("unmarshal next stage params: %w", err)
		}
	}
	if errDetails != nil {
		task.ErrorDetails = *errDetails
	}

	return &task, nil
}
