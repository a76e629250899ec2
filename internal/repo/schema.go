package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema — DDL для таблиц jobs и tasks.
//
// tasks.id — детерминированный композит (job_id, stage, key), поэтому
// PRIMARY KEY одновременно обеспечивает идемпотентность batch-insert'а.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    job_type      TEXT NOT NULL,
    status        TEXT NOT NULL,
    current_stage INT  NOT NULL DEFAULT 1,
    total_stages  INT  NOT NULL,
    parameters    JSONB,
    stage_results JSONB,
    result_data   JSONB,
    error_details TEXT,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id                TEXT PRIMARY KEY,
    job_id            TEXT NOT NULL REFERENCES jobs(id),
    task_type         TEXT NOT NULL,
    status            TEXT NOT NULL,
    stage             INT  NOT NULL,
    task_key          TEXT NOT NULL,
    parameters        JSONB,
    result_data       JSONB,
    next_stage_params JSONB,
    heartbeat         TIMESTAMPTZ,
    retry_count       INT  NOT NULL DEFAULT 0,
    error_details     TEXT,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_stage  ON tasks (job_id, stage);
CREATE INDEX IF NOT EXISTS idx_tasks_status     ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_jobs_status      ON jobs (status);
`

// Migrate применяет схему БД. Все statements идемпотентны,
// повторный запуск безопасен.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
