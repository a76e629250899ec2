package workflow

import "errors"

// Ошибки реестра declarations.
var (
	// ErrDuplicateJobType — тип job'а уже зарегистрирован.
	ErrDuplicateJobType = errors.New("job type already registered")

	// ErrUnknownJobType — тип job'а не зарегистрирован.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrNoStages — declaration не содержит stages.
	ErrNoStages = errors.New("declaration has no stages")
)

// ValidationError — ошибка валидации параметров job'а.
//
// Возвращается синхронно, до создания какого-либо состояния.
// Отличается от прочих ошибок таксономически: это отказ входа,
// а не сбой выполнения.
type ValidationError struct {
	JobType string // тип job'а
	Field   string // поле, вызвавшее ошибку (опционально)
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "invalid parameters for " + e.JobType + ": field " + e.Field + ": " + e.Message
	}
	return "invalid parameters for " + e.JobType + ": " + e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(jobType, field, message string, err error) *ValidationError {
	return &ValidationError{
		JobType: jobType,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// IsValidationError проверяет, является ли ошибка ошибкой валидации.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
