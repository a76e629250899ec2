package domain

import (
	"time"
)

// Job — единица работы, отправленная в систему.
//
// Job создаётся один раз при submission и декомпозируется на
// последовательные stages; каждый stage порождает параллельные tasks.
// ID job'а — контентный хэш (job_type, parameters), поэтому повторная
// отправка идентичного запроса возвращает тот же job, а не дубликат.
//
// Job мутирует только оркестратор. После перехода в терминальный
// статус запись неизменяема.
type Job struct {
	// ID — контентный хэш (job_type, canonical parameters). См. NewJobID.
	ID string `json:"id"`

	// Type — тип job'а, ключ в реестре workflow declarations.
	Type string `json:"job_type"`

	// Status — текущий статус выполнения.
	Status JobStatus `json:"status"`

	// CurrentStage — номер текущего stage (начиная с 1).
	// Монотонно неубывающий; растёт только когда все tasks
	// текущего stage терминальны.
	CurrentStage int `json:"current_stage"`

	// TotalStages — общее число stages (из declaration).
	TotalStages int `json:"total_stages"`

	// Parameters — нормализованные входные параметры.
	Parameters map[string]any `json:"parameters,omitempty"`

	// StageResults — агрегированные результаты завершённых stages:
	// номер stage → (task key → result).
	StageResults map[int]map[string]any `json:"stage_results,omitempty"`

	// ResultData — итоговый результат job'а (заполняется при завершении).
	ResultData map[string]any `json:"result_data,omitempty"`

	// ErrorDetails — описание ошибок (для FAILED и COMPLETED_WITH_ERRORS).
	ErrorDetails string `json:"error_details,omitempty"`

	// CreatedAt — время создания job.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней мутации.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob создаёт job в начальном состоянии QUEUED на первом stage.
func NewJob(id, jobType string, params map[string]any, totalStages int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           id,
		Type:         jobType,
		Status:       JobStatusQueued,
		CurrentStage: 1,
		TotalStages:  totalStages,
		Parameters:   params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsFinished возвращает true, если job завершён (в любом статусе).
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// IsFinalStage возвращает true, если stage — последний stage job'а.
func (j *Job) IsFinalStage(stage int) bool {
	return stage >= j.TotalStages
}
