package handler

import "errors"

// Ошибки реестра и execution context.
var (
	// ErrDuplicateTaskType — тип task'а уже зарегистрирован.
	ErrDuplicateTaskType = errors.New("task type already registered")

	// ErrUnknownTaskType — тип task'а не зарегистрирован.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrNoPredecessor — у task'а нет предшественника на предыдущем
	// stage (stage 1 или нет совпадающего key).
	ErrNoPredecessor = errors.New("no predecessor task")
)

// TerminalError помечает ошибку handler'а как окончательную:
// retry не исправит её (некорректный вход, отсутствующий источник).
// Необёрнутые ошибки считаются retryable.
type TerminalError struct {
	Err error
}

// Error реализует интерфейс error.
func (e *TerminalError) Error() string {
	return "terminal: " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal заворачивает ошибку как окончательную.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal проверяет, помечена ли ошибка как окончательная.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
