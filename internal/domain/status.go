package domain

// JobStatus — статус выполнения job.
//
// Жизненный цикл:
//
//	QUEUED → PROCESSING → COMPLETED
//	                    ↘ COMPLETED_WITH_ERRORS
//	                    ↘ FAILED
type JobStatus string

const (
	// JobStatusQueued — job создан, но обработка ещё не началась.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusProcessing — job в процессе выполнения stages.
	JobStatusProcessing JobStatus = "PROCESSING"

	// JobStatusCompleted — все stages завершены, все tasks успешны.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed — job завершился с фатальной ошибкой.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusCompletedWithErrors — все stages завершены, но часть
	// tasks упала окончательно (после исчерпания retry).
	JobStatusCompletedWithErrors JobStatus = "COMPLETED_WITH_ERRORS"
)

// IsTerminal возвращает true, если статус финальный (job неизменяем).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCompletedWithErrors:
		return true
	default:
		return false
	}
}

// TaskStatus — статус выполнения task.
//
// Жизненный цикл:
//
//	QUEUED → PROCESSING → COMPLETED
//	                    ↘ RETRYING → QUEUED (пока не исчерпан retry_count)
//	                    ↘ FAILED
type TaskStatus string

const (
	// TaskStatusQueued — task в очереди, ожидает воркера.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusProcessing — task выполняется воркером.
	TaskStatusProcessing TaskStatus = "PROCESSING"

	// TaskStatusCompleted — task успешно завершён.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed — task завершился с ошибкой после всех retry.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusRetrying — task упал и ожидает повторной постановки в очередь.
	TaskStatusRetrying TaskStatus = "RETRYING"
)

// IsTerminal возвращает true, если статус финальный.
// RETRYING терминальным не является: task вернётся в QUEUED.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}
