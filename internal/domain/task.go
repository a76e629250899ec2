package domain

import (
	"time"
)

// Task — отдельная единица параллельной работы внутри stage.
//
// Tasks для пары (job, stage) создаются одним batch'ем при входе в stage;
// после создания набор неизменяем — tasks не добавляются и не удаляются.
// Физически tasks никогда не удаляются (audit и lineage lookups).
type Task struct {
	// ID — детерминированный композит "{job_id}:{stage}:{key}". См. NewTaskID.
	ID string `json:"id"`

	// JobID — ссылка на родительский job.
	JobID string `json:"parent_job_id"`

	// Type — тип task'а, ключ в реестре task handlers.
	Type string `json:"task_type"`

	// Status — текущий статус task.
	Status TaskStatus `json:"status"`

	// Stage — номер stage, которому принадлежит task.
	Stage int `json:"stage"`

	// Key — индекс или семантический ключ внутри stage.
	// Task следующего stage с тем же key может читать ResultData
	// этого task'а (lineage).
	Key string `json:"task_key"`

	// Parameters — входные параметры task'а из declaration.
	Parameters map[string]any `json:"parameters,omitempty"`

	// ResultData — результат выполнения (заполняется handler'ом).
	ResultData map[string]any `json:"result_data,omitempty"`

	// NextStageParams — явный handoff payload для следующего stage.
	// Если задан, при агрегации stage используется вместо ResultData.
	NextStageParams map[string]any `json:"next_stage_params,omitempty"`

	// Heartbeat — время последнего сигнала от воркера.
	// Используется reaper'ом для обнаружения зависших tasks.
	Heartbeat *time.Time `json:"heartbeat,omitempty"`

	// RetryCount — количество выполненных повторных попыток.
	RetryCount int `json:"retry_count"`

	// ErrorDetails — текст последней ошибки.
	ErrorDetails string `json:"error_details,omitempty"`

	// CreatedAt — время создания task.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней мутации.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask создаёт task в начальном состоянии QUEUED.
func NewTask(jobID string, stage int, key, taskType string, params map[string]any) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         NewTaskID(jobID, stage, key),
		JobID:      jobID,
		Type:       taskType,
		Status:     TaskStatusQueued,
		Stage:      stage,
		Key:        key,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsFinished возвращает true, если task терминален.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// CanRetry проверяет, остались ли попытки.
func (t *Task) CanRetry(maxRetries int) bool {
	return t.RetryCount < maxRetries
}

// HandoffResult возвращает payload, который stage передаёт дальше:
// NextStageParams, если handler задал его явно, иначе ResultData.
func (t *Task) HandoffResult() map[string]any {
	if t.NextStageParams != nil {
		return t.NextStageParams
	}
	return t.ResultData
}
