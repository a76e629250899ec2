package api

import (
	"time"

	"github.com/shaiso/Mosaic/internal/domain"
)

// Job DTOs

// SubmitJobRequest — запрос на отправку job'а.
type SubmitJobRequest struct {
	JobType    string         `json:"job_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// JobResponse — ответ с job'ом.
type JobResponse struct {
	ID           string                 `json:"id"`
	JobType      string                 `json:"job_type"`
	Status       domain.JobStatus       `json:"status"`
	CurrentStage int                    `json:"current_stage"`
	TotalStages  int                    `json:"total_stages"`
	Parameters   map[string]any         `json:"parameters,omitempty"`
	StageResults map[int]map[string]any `json:"stage_results,omitempty"`
	ResultData   map[string]any         `json:"result_data,omitempty"`
	ErrorDetails string                 `json:"error_details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// JobFromDomain конвертирует domain.Job в JobResponse.
func JobFromDomain(j domain.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		JobType:      j.Type,
		Status:       j.Status,
		CurrentStage: j.CurrentStage,
		TotalStages:  j.TotalStages,
		Parameters:   j.Parameters,
		StageResults: j.StageResults,
		ResultData:   j.ResultData,
		ErrorDetails: j.ErrorDetails,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// SubmitJobResponse — ответ на отправку job'а.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`

	// Existing — true, если идентичный job уже был отправлен раньше
	// (тот же контентный хэш).
	Existing bool `json:"existing"`

	Status domain.JobStatus `json:"status"`
}

// Task DTOs

// TaskResponse — ответ с task'ом.
type TaskResponse struct {
	ID           string            `json:"id"`
	JobID        string            `json:"parent_job_id"`
	TaskType     string            `json:"task_type"`
	Status       domain.TaskStatus `json:"status"`
	Stage        int               `json:"stage"`
	Key          string            `json:"task_key"`
	ResultData   map[string]any    `json:"result_data,omitempty"`
	RetryCount   int               `json:"retry_count"`
	ErrorDetails string            `json:"error_details,omitempty"`
	Heartbeat    *time.Time        `json:"heartbeat,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		JobID:        t.JobID,
		TaskType:     t.Type,
		Status:       t.Status,
		Stage:        t.Stage,
		Key:          t.Key,
		ResultData:   t.ResultData,
		RetryCount:   t.RetryCount,
		ErrorDetails: t.ErrorDetails,
		Heartbeat:    t.Heartbeat,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// TasksFromDomain конвертирует срез tasks.
func TasksFromDomain(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskFromDomain(t))
	}
	return out
}
