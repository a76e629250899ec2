package workflow

// ParallelismKind — способ определения fan-out'а stage.
type ParallelismKind string

const (
	// ParallelismFixed — фиксированное число tasks.
	ParallelismFixed ParallelismKind = "fixed"

	// ParallelismFromParameter — число tasks берётся из параметра job'а.
	ParallelismFromParameter ParallelismKind = "from_parameter"

	// ParallelismMatchPrevious — по одному task на каждый task
	// предыдущего stage (ключи сохраняются).
	ParallelismMatchPrevious ParallelismKind = "match_previous"
)

// Parallelism — декларация fan-out'а stage.
type Parallelism struct {
	// Kind — способ определения числа tasks.
	Kind ParallelismKind `json:"kind"`

	// Count — число tasks для ParallelismFixed.
	Count int `json:"count,omitempty"`

	// Parameter — имя параметра job'а для ParallelismFromParameter.
	Parameter string `json:"parameter,omitempty"`
}

// Fixed возвращает декларацию фиксированного fan-out'а.
func Fixed(count int) Parallelism {
	return Parallelism{Kind: ParallelismFixed, Count: count}
}

// FromParameter возвращает декларацию fan-out'а из параметра job'а.
func FromParameter(name string) Parallelism {
	return Parallelism{Kind: ParallelismFromParameter, Parameter: name}
}

// MatchPrevious возвращает декларацию "по task'у на каждый task
// предыдущего stage".
func MatchPrevious() Parallelism {
	return Parallelism{Kind: ParallelismMatchPrevious}
}

// StageDefinition — декларативное описание одного stage.
// Авторизуется один раз на тип job'а, в рантайме неизменяемо.
type StageDefinition struct {
	// Number — порядковый номер stage (начиная с 1).
	Number int `json:"number"`

	// Name — человекочитаемое имя stage.
	Name string `json:"name"`

	// TaskType — тип tasks этого stage (ключ в реестре handlers).
	TaskType string `json:"task_type"`

	// Parallelism — декларация fan-out'а.
	Parallelism Parallelism `json:"parallelism"`

	// ConsumesPredecessorResults — tasks этого stage читают результаты
	// tasks предыдущего stage (через lineage lookup или агрегат).
	ConsumesPredecessorResults bool `json:"consumes_predecessor_results"`
}

// TaskSpec — параметры одного task'а, произведённые declaration'ом.
type TaskSpec struct {
	// Key — индекс или семантический ключ task'а внутри stage.
	// Ключи должны быть уникальны в пределах stage.
	Key string

	// Parameters — входные параметры task'а.
	Parameters map[string]any
}

// Declaration — контракт типа job'а: единственный job-специфичный
// код в системе. Всё остальное (state machine, совмещение stages,
// маршрутизация) job-агностично.
type Declaration interface {
	// JobType возвращает ключ реестра.
	JobType() string

	// Stages возвращает упорядоченное описание stages.
	Stages() []StageDefinition

	// ValidateParameters проверяет и нормализует сырые параметры.
	// Некорректный вход — *ValidationError, до создания какого-либо
	// состояния.
	ValidateParameters(raw map[string]any) (map[string]any, error)

	// TasksForStage — чистая функция: по номеру stage, параметрам
	// job'а и агрегату предыдущего stage производит список task
	// параметров. Одинаковый вход обязан давать одинаковый выход
	// (безопасная повторная доставка сообщения о job'е).
	TasksForStage(stage int, params map[string]any, jobID string, prev map[string]any) ([]TaskSpec, error)

	// BatchThreshold — порог fan-out'а, начиная с которого dispatch
	// идёт через batch-транспорт. 0 — использовать порог по умолчанию.
	BatchThreshold() int
}
