package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/handler"
	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/repo"
	"github.com/shaiso/Mosaic/internal/workflow"
)

// --- In-memory фейки state store и dispatcher ---

// memStore реализует JobStore и TaskStore поверх map.
// Мьютекс играет роль advisory lock'а: CompleteAndCheckStage
// сериализуется целиком, как транзакция с pg_advisory_xact_lock.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	tasks map[string]*domain.Task
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*domain.Job),
		tasks: make(map[string]*domain.Task),
	}
}

func (s *memStore) Create(_ context.Context, job *domain.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return false, nil
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return true, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if job.Status == domain.JobStatusQueued {
		job.Status = domain.JobStatusProcessing
	}
	return nil
}

func (s *memStore) AdvanceStage(_ context.Context, id string, nextStage int, stageResults map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing || job.CurrentStage != nextStage-1 {
		return repo.ErrInvalidState
	}
	job.CurrentStage = nextStage
	if job.StageResults == nil {
		job.StageResults = make(map[int]map[string]any)
	}
	job.StageResults[nextStage-1] = stageResults
	return nil
}

func (s *memStore) Complete(_ context.Context, id string, finalStage int, stageResults, resultData map[string]any) error {
	return s.finish(id, domain.JobStatusCompleted, finalStage, stageResults, resultData, "")
}

func (s *memStore) CompleteWithErrors(_ context.Context, id string, finalStage int, stageResults, resultData map[string]any, errDetails string) error {
	return s.finish(id, domain.JobStatusCompletedWithErrors, finalStage, stageResults, resultData, errDetails)
}

func (s *memStore) finish(id string, status domain.JobStatus, finalStage int, stageResults, resultData map[string]any, errDetails string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return repo.ErrInvalidState
	}
	job.Status = status
	if job.StageResults == nil {
		job.StageResults = make(map[int]map[string]any)
	}
	job.StageResults[finalStage] = stageResults
	job.ResultData = resultData
	job.ErrorDetails = errDetails
	return nil
}

func (s *memStore) Fail(_ context.Context, id string, errDetails string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return repo.ErrInvalidState
	}
	job.Status = domain.JobStatusFailed
	job.ErrorDetails = errDetails
	return nil
}

func (s *memStore) ListQueued(_ context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusQueued && len(jobs) < limit {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (s *memStore) CreateBatch(_ context.Context, tasks []*domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range tasks {
		if _, exists := s.tasks[task.ID]; exists {
			continue
		}
		cp := *task
		s.tasks[task.ID] = &cp
	}
	return nil
}

func (s *memStore) taskByID(id string) (*domain.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *memStore) GetByIDTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskByID(id)
}

func (s *memStore) GetByStageKey(_ context.Context, jobID string, stage int, key string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskByID(domain.NewTaskID(jobID, stage, key))
}

func (s *memStore) MarkProcessingTask(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if task.Status != domain.TaskStatusQueued {
		return false, nil
	}
	task.Status = domain.TaskStatusProcessing
	return true, nil
}

func (s *memStore) CompleteAndCheckStage(_ context.Context, taskID, jobID string, stage int, status domain.TaskStatus, result, nextStageParams map[string]any, errDetails string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		// Уже завершён конкурентной доставкой: по контракту no-op.
		return false, nil
	}

	task.Status = status
	task.ResultData = result
	task.NextStageParams = nextStageParams
	task.ErrorDetails = errDetails

	for _, t := range s.tasks {
		if t.JobID == jobID && t.Stage == stage && !t.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

func (s *memStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now().UTC()
	task.Heartbeat = &now
	return nil
}

func (s *memStore) Requeue(_ context.Context, id string, errDetails string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return repo.ErrNotFound
	}
	task.Status = domain.TaskStatusQueued
	task.RetryCount++
	task.ErrorDetails = errDetails
	return nil
}

func (s *memStore) ListByJobAndStage(_ context.Context, jobID string, stage int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []domain.Task
	for _, t := range s.tasks {
		if t.JobID == jobID && t.Stage == stage {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

func (s *memStore) CountByJobAndStatus(_ context.Context, jobID string, status domain.TaskStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.JobID == jobID && t.Status == status {
			n++
		}
	}
	return n, nil
}

// taskStore адаптирует memStore к TaskStore: у Job и Task
// совпадают имена методов GetByID/MarkProcessing.
type taskStore struct{ *memStore }

func (s taskStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	return s.memStore.GetByIDTask(ctx, id)
}

func (s taskStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.memStore.MarkProcessingTask(ctx, id)
}

// memDispatcher накапливает отправленные сообщения.
type memDispatcher struct {
	mu      sync.Mutex
	pending []mq.TaskMessage
	total   int
}

func (d *memDispatcher) Dispatch(_ context.Context, msgs []mq.TaskMessage, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, msgs...)
	d.total += len(msgs)
	return nil
}

// drain возвращает сообщения, накопленные с прошлого вызова.
func (d *memDispatcher) drain() []mq.TaskMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	msgs := d.pending
	d.pending = nil
	return msgs
}

func (d *memDispatcher) dispatched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// --- Тестовая declaration ---

type testDecl struct {
	jobType string
	stages  []workflow.StageDefinition
	tasksFn func(stage int, params map[string]any, jobID string, prev map[string]any) ([]workflow.TaskSpec, error)
}

func (d *testDecl) JobType() string                   { return d.jobType }
func (d *testDecl) Stages() []workflow.StageDefinition { return d.stages }
func (d *testDecl) BatchThreshold() int               { return 0 }

func (d *testDecl) ValidateParameters(raw map[string]any) (map[string]any, error) {
	return raw, nil
}

func (d *testDecl) TasksForStage(stage int, params map[string]any, jobID string, prev map[string]any) ([]workflow.TaskSpec, error) {
	return d.tasksFn(stage, params, jobID, prev)
}

// twoStageDecl — stage 1 с fan-out из параметра "count",
// stage 2 — по task'у на каждый успешный task stage 1.
func twoStageDecl() *testDecl {
	return &testDecl{
		jobType: "tile_render",
		stages: []workflow.StageDefinition{
			{Number: 1, Name: "render", TaskType: "render_tile", Parallelism: workflow.FromParameter("count")},
			{Number: 2, Name: "merge", TaskType: "merge_tile", Parallelism: workflow.MatchPrevious(), ConsumesPredecessorResults: true},
		},
		tasksFn: func(stage int, params map[string]any, _ string, prev map[string]any) ([]workflow.TaskSpec, error) {
			switch stage {
			case 1:
				count := int(params["count"].(float64))
				specs := make([]workflow.TaskSpec, 0, count)
				for i := 0; i < count; i++ {
					specs = append(specs, workflow.TaskSpec{
						Key:        strconv.Itoa(i),
						Parameters: map[string]any{"tile": i},
					})
				}
				return specs, nil
			case 2:
				specs := make([]workflow.TaskSpec, 0, len(prev))
				for key := range prev {
					specs = append(specs, workflow.TaskSpec{Key: key})
				}
				return specs, nil
			default:
				return nil, fmt.Errorf("unexpected stage %d", stage)
			}
		},
	}
}

// oneStageDecl — один stage с фиксированным fan-out.
func oneStageDecl(fanout int) *testDecl {
	return &testDecl{
		jobType: "single_stage",
		stages: []workflow.StageDefinition{
			{Number: 1, Name: "only", TaskType: "only_task", Parallelism: workflow.Fixed(fanout)},
		},
		tasksFn: func(stage int, _ map[string]any, _ string, _ map[string]any) ([]workflow.TaskSpec, error) {
			specs := make([]workflow.TaskSpec, 0, fanout)
			for i := 0; i < fanout; i++ {
				specs = append(specs, workflow.TaskSpec{Key: strconv.Itoa(i)})
			}
			return specs, nil
		},
	}
}

// --- Сборка окружения ---

type testEnv struct {
	orch  *Orchestrator
	store *memStore
	disp  *memDispatcher
}

func newTestEnv(t *testing.T, decl workflow.Declaration, handlers *handler.Registry, maxRetries int) *testEnv {
	t.Helper()

	workflows := workflow.NewRegistry()
	if decl != nil {
		workflows.MustRegister(decl)
	}

	store := newMemStore()
	disp := &memDispatcher{}

	orch := New(Config{
		Jobs:       store,
		Tasks:      taskStore{store},
		Dispatcher: disp,
		Workflows:  workflows,
		Handlers:   handlers,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxRetries: maxRetries,
	})

	return &testEnv{orch: orch, store: store, disp: disp}
}

// runToCompletion прогоняет все сообщения до опустошения dispatcher'а.
func (e *testEnv) runToCompletion(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		msgs := e.disp.drain()
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if err := e.orch.ProcessTaskMessage(ctx, msg); err != nil {
				t.Fatalf("process task %s: %v", msg.TaskID, err)
			}
		}
	}
	t.Fatal("message flow did not drain")
}

func (e *testEnv) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := e.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

// --- Тесты ---

func TestFanoutJobCompletes(t *testing.T) {
	handlers := handler.NewRegistry()
	handlers.MustRegister("render_tile", func(_ context.Context, params map[string]any, _ *handler.Context) (*handler.Result, error) {
		return &handler.Result{Data: map[string]any{"rendered": params["tile"]}}, nil
	})
	handlers.MustRegister("merge_tile", func(ctx context.Context, _ map[string]any, ec *handler.Context) (*handler.Result, error) {
		prev, err := ec.PredecessorResult(ctx)
		if err != nil {
			return nil, err
		}
		return &handler.Result{Data: map[string]any{"merged": prev["rendered"]}}, nil
	})

	env := newTestEnv(t, twoStageDecl(), handlers, 3)
	ctx := context.Background()

	params := map[string]any{"count": float64(5)}
	jobID := domain.NewJobID("tile_render", params)

	err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{
		JobType:    "tile_render",
		Parameters: params,
	})
	if err != nil {
		t.Fatalf("process job message: %v", err)
	}

	env.runToCompletion(t)

	job := env.job(t, jobID)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("job status = %s, want COMPLETED (details: %s)", job.Status, job.ErrorDetails)
	}
	if job.CurrentStage != 2 {
		t.Errorf("current stage = %d, want 2", job.CurrentStage)
	}
	if got := len(job.StageResults[1]); got != 5 {
		t.Errorf("stage 1 results = %d entries, want 5", got)
	}
	if got := len(job.StageResults[2]); got != 5 {
		t.Errorf("stage 2 results = %d entries, want 5", got)
	}
	// Lineage: merge_tile с key "3" должен был прочитать результат
	// render_tile с key "3".
	merged, ok := job.StageResults[2]["3"].(map[string]any)
	if !ok || merged["merged"] != float64(3) && merged["merged"] != 3 {
		t.Errorf("stage 2 key 3 result = %#v, want merged=3", job.StageResults[2]["3"])
	}
	// 5 tasks stage 1 + 5 tasks stage 2.
	if env.disp.dispatched() != 10 {
		t.Errorf("dispatched = %d messages, want 10", env.disp.dispatched())
	}
}

func TestDuplicateSubmissionIsNoOp(t *testing.T) {
	handlers := handler.NewRegistry()
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		return &handler.Result{}, nil
	})

	env := newTestEnv(t, oneStageDecl(3), handlers, 3)
	ctx := context.Background()

	payload := mq.JobSubmittedPayload{JobType: "single_stage"}
	if err := env.orch.ProcessJobMessage(ctx, payload); err != nil {
		t.Fatalf("first submission: %v", err)
	}

	before := env.disp.dispatched()
	if err := env.orch.ProcessJobMessage(ctx, payload); err != nil {
		t.Fatalf("duplicate submission: %v", err)
	}
	if env.disp.dispatched() != before {
		t.Errorf("duplicate submission dispatched %d extra messages", env.disp.dispatched()-before)
	}

	env.store.mu.Lock()
	jobCount := len(env.store.jobs)
	taskCount := len(env.store.tasks)
	env.store.mu.Unlock()
	if jobCount != 1 {
		t.Errorf("jobs in store = %d, want 1", jobCount)
	}
	if taskCount != 3 {
		t.Errorf("tasks in store = %d, want 3", taskCount)
	}
}

func TestDuplicateTaskDeliveryIsNoOp(t *testing.T) {
	handlers := handler.NewRegistry()
	calls := 0
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		calls++
		return &handler.Result{}, nil
	})

	env := newTestEnv(t, oneStageDecl(2), handlers, 3)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}

	msgs := env.disp.drain()
	if len(msgs) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(msgs))
	}

	for _, msg := range msgs {
		if err := env.orch.ProcessTaskMessage(ctx, msg); err != nil {
			t.Fatalf("process task: %v", err)
		}
	}
	// Повторная доставка обоих сообщений.
	for _, msg := range msgs {
		if err := env.orch.ProcessTaskMessage(ctx, msg); err != nil {
			t.Fatalf("redelivered task: %v", err)
		}
	}

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}

	jobID := domain.NewJobID("single_stage", nil)
	if job := env.job(t, jobID); job.Status != domain.JobStatusCompleted {
		t.Errorf("job status = %s, want COMPLETED", job.Status)
	}
}

func TestRedeliveryAfterCrashResumesAdvance(t *testing.T) {
	handlers := handler.NewRegistry()
	handlers.MustRegister("render_tile", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		return &handler.Result{Data: map[string]any{"ok": true}}, nil
	})
	handlers.MustRegister("merge_tile", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		return &handler.Result{}, nil
	})

	env := newTestEnv(t, twoStageDecl(), handlers, 3)
	ctx := context.Background()

	params := map[string]any{"count": float64(3)}
	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "tile_render", Parameters: params}); err != nil {
		t.Fatalf("process job message: %v", err)
	}

	msgs := env.disp.drain()
	if len(msgs) != 3 {
		t.Fatalf("stage 1 dispatched %d messages, want 3", len(msgs))
	}

	for _, msg := range msgs[:2] {
		if err := env.orch.ProcessTaskMessage(ctx, msg); err != nil {
			t.Fatalf("process task: %v", err)
		}
	}

	// Воркер упал сразу после коммита CompleteAndCheckStage последнего
	// task'а: терминальный статус записан (last=true потерян вместе с
	// процессом), advance не выполнен, сообщение не подтверждено.
	crashed := msgs[2]
	tasks := taskStore{env.store}
	if _, err := tasks.MarkProcessing(ctx, crashed.TaskID); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	last, err := tasks.CompleteAndCheckStage(ctx, crashed.TaskID, crashed.JobID, crashed.Stage,
		domain.TaskStatusCompleted, map[string]any{"ok": true}, nil, "")
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if !last {
		t.Fatal("crashed task must have been the last of its stage")
	}
	if got := len(env.disp.drain()); got != 0 {
		t.Fatalf("dispatched %d messages before redelivery, want 0", got)
	}

	// Брокер передоставляет неподтверждённое сообщение: насыщение
	// stage перепроверяется, и прерванный advance выполняется.
	if err := env.orch.ProcessTaskMessage(ctx, crashed); err != nil {
		t.Fatalf("redelivered task: %v", err)
	}

	jobID := domain.NewJobID("tile_render", params)
	if job := env.job(t, jobID); job.CurrentStage != 2 {
		t.Fatalf("current stage = %d, want 2 after resumed advance", job.CurrentStage)
	}

	env.runToCompletion(t)
	if job := env.job(t, jobID); job.Status != domain.JobStatusCompleted {
		t.Errorf("job status = %s, want COMPLETED", job.Status)
	}
}

func TestRedeliveryAfterCrashResumesFinalization(t *testing.T) {
	handlers := handler.NewRegistry()
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		return &handler.Result{Data: map[string]any{"ok": true}}, nil
	})

	env := newTestEnv(t, oneStageDecl(2), handlers, 3)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}

	msgs := env.disp.drain()
	if len(msgs) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(msgs))
	}
	if err := env.orch.ProcessTaskMessage(ctx, msgs[0]); err != nil {
		t.Fatalf("process task: %v", err)
	}

	// Падение между коммитом последнего task'а финального stage и
	// финализацией job'а.
	crashed := msgs[1]
	tasks := taskStore{env.store}
	if _, err := tasks.MarkProcessing(ctx, crashed.TaskID); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if _, err := tasks.CompleteAndCheckStage(ctx, crashed.TaskID, crashed.JobID, crashed.Stage,
		domain.TaskStatusCompleted, map[string]any{"ok": true}, nil, ""); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	jobID := domain.NewJobID("single_stage", nil)
	if job := env.job(t, jobID); job.Status != domain.JobStatusProcessing {
		t.Fatalf("job status = %s before redelivery, want PROCESSING", job.Status)
	}

	if err := env.orch.ProcessTaskMessage(ctx, crashed); err != nil {
		t.Fatalf("redelivered task: %v", err)
	}

	job := env.job(t, jobID)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("job status = %s, want COMPLETED after resumed finalization", job.Status)
	}
	if got := len(job.StageResults[1]); got != 2 {
		t.Errorf("final stage results = %d entries, want 2", got)
	}
}

func TestConcurrentCompletionSingleAdvance(t *testing.T) {
	const fanout = 8

	handlers := handler.NewRegistry()
	handlers.MustRegister("render_tile", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		return &handler.Result{Data: map[string]any{"ok": true}}, nil
	})
	handlers.MustRegister("merge_tile", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		return &handler.Result{}, nil
	})

	env := newTestEnv(t, twoStageDecl(), handlers, 3)
	ctx := context.Background()

	params := map[string]any{"count": float64(fanout)}
	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "tile_render", Parameters: params}); err != nil {
		t.Fatalf("process job message: %v", err)
	}

	msgs := env.disp.drain()
	if len(msgs) != fanout {
		t.Fatalf("stage 1 dispatched %d messages, want %d", len(msgs), fanout)
	}

	// Все tasks stage 1 завершаются конкурентно: ровно один из них
	// должен увидеть "last" и задиспатчить stage 2.
	var wg sync.WaitGroup
	errs := make(chan error, fanout)
	for _, msg := range msgs {
		wg.Add(1)
		go func(m mq.TaskMessage) {
			defer wg.Done()
			errs <- env.orch.ProcessTaskMessage(ctx, m)
		}(msg)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent task: %v", err)
		}
	}

	stage2 := env.disp.drain()
	if len(stage2) != fanout {
		t.Fatalf("stage 2 dispatched %d messages, want exactly %d (single advance)", len(stage2), fanout)
	}

	jobID := domain.NewJobID("tile_render", params)
	job := env.job(t, jobID)
	if job.CurrentStage != 2 {
		t.Errorf("current stage = %d, want 2", job.CurrentStage)
	}
	if job.Status != domain.JobStatusProcessing {
		t.Errorf("job status = %s, want PROCESSING", job.Status)
	}
}

func TestPartialFailureCompletesWithErrors(t *testing.T) {
	handlers := handler.NewRegistry()
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, ec *handler.Context) (*handler.Result, error) {
		if ec.Key == "2" {
			return nil, handler.Terminal(errors.New("tile 2 is corrupt"))
		}
		return &handler.Result{Data: map[string]any{"ok": true}}, nil
	})

	env := newTestEnv(t, oneStageDecl(5), handlers, 3)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}
	env.runToCompletion(t)

	jobID := domain.NewJobID("single_stage", nil)
	job := env.job(t, jobID)
	if job.Status != domain.JobStatusCompletedWithErrors {
		t.Fatalf("job status = %s, want COMPLETED_WITH_ERRORS", job.Status)
	}
	if job.ErrorDetails == "" {
		t.Error("error details empty")
	}
	// Агрегат финального stage содержит только успешные tasks.
	if got := len(job.StageResults[1]); got != 4 {
		t.Errorf("final stage results = %d entries, want 4", got)
	}
	if job.ResultData["failed_tasks"] != 1 {
		t.Errorf("failed_tasks = %v, want 1", job.ResultData["failed_tasks"])
	}
}

func TestAllTasksFailedFailsJob(t *testing.T) {
	handlers := handler.NewRegistry()
	handlers.MustRegister("render_tile", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		return nil, handler.Terminal(errors.New("source unreachable"))
	})
	handlers.MustRegister("merge_tile", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		t.Error("stage 2 handler must not run after stage 1 total failure")
		return &handler.Result{}, nil
	})

	env := newTestEnv(t, twoStageDecl(), handlers, 3)
	ctx := context.Background()

	params := map[string]any{"count": float64(3)}
	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "tile_render", Parameters: params}); err != nil {
		t.Fatalf("process job message: %v", err)
	}
	env.runToCompletion(t)

	jobID := domain.NewJobID("tile_render", params)
	job := env.job(t, jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %s, want FAILED", job.Status)
	}
	if job.CurrentStage != 1 {
		t.Errorf("current stage = %d, want 1 (no advance past failed stage)", job.CurrentStage)
	}
}

func TestRetryableFailureRequeues(t *testing.T) {
	handlers := handler.NewRegistry()
	attempts := 0
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient: connection reset")
		}
		return &handler.Result{Data: map[string]any{"attempt": attempts}}, nil
	})

	env := newTestEnv(t, oneStageDecl(1), handlers, 3)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}
	env.runToCompletion(t)

	if attempts != 3 {
		t.Errorf("handler attempts = %d, want 3", attempts)
	}

	jobID := domain.NewJobID("single_stage", nil)
	job := env.job(t, jobID)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("job status = %s, want COMPLETED", job.Status)
	}

	task, err := taskStore{env.store}.GetByID(ctx, domain.NewTaskID(jobID, 1, "0"))
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", task.RetryCount)
	}
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	handlers := handler.NewRegistry()
	attempts := 0
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		attempts++
		return nil, errors.New("transient: always")
	})

	env := newTestEnv(t, oneStageDecl(1), handlers, 2)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}
	env.runToCompletion(t)

	// Первая попытка + maxRetries повторов.
	if attempts != 3 {
		t.Errorf("handler attempts = %d, want 3", attempts)
	}

	jobID := domain.NewJobID("single_stage", nil)
	if job := env.job(t, jobID); job.Status != domain.JobStatusFailed {
		t.Errorf("job status = %s, want FAILED", job.Status)
	}
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	handlers := handler.NewRegistry()
	attempts := 0
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		attempts++
		return nil, handler.Terminal(errors.New("schema mismatch"))
	})

	env := newTestEnv(t, oneStageDecl(1), handlers, 5)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}
	env.runToCompletion(t)

	if attempts != 1 {
		t.Errorf("handler attempts = %d, want 1 (no retries for terminal error)", attempts)
	}

	jobID := domain.NewJobID("single_stage", nil)
	if job := env.job(t, jobID); job.Status != domain.JobStatusFailed {
		t.Errorf("job status = %s, want FAILED", job.Status)
	}
}

func TestHandlerPanicIsRetryableFailure(t *testing.T) {
	handlers := handler.NewRegistry()
	attempts := 0
	handlers.MustRegister("only_task", func(_ context.Context, _ map[string]any, _ *handler.Context) (*handler.Result, error) {
		attempts++
		if attempts == 1 {
			panic("index out of range")
		}
		return &handler.Result{}, nil
	})

	env := newTestEnv(t, oneStageDecl(1), handlers, 3)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}
	env.runToCompletion(t)

	if attempts != 2 {
		t.Errorf("handler attempts = %d, want 2", attempts)
	}

	jobID := domain.NewJobID("single_stage", nil)
	if job := env.job(t, jobID); job.Status != domain.JobStatusCompleted {
		t.Errorf("job status = %s, want COMPLETED", job.Status)
	}
}

func TestUnknownJobTypeRejected(t *testing.T) {
	env := newTestEnv(t, nil, handler.NewRegistry(), 3)

	err := env.orch.ProcessJobMessage(context.Background(), mq.JobSubmittedPayload{JobType: "nonexistent"})
	if !errors.Is(err, workflow.ErrUnknownJobType) {
		t.Fatalf("err = %v, want ErrUnknownJobType", err)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.jobs) != 0 {
		t.Error("unknown job type must not create state")
	}
}

func TestUnknownTaskTypeLeavesTaskRecoverable(t *testing.T) {
	// Handlers пуст: declaration зарегистрирована, handler — нет
	// (рассинхронизированный деплой).
	env := newTestEnv(t, oneStageDecl(1), handler.NewRegistry(), 3)
	ctx := context.Background()

	if err := env.orch.ProcessJobMessage(ctx, mq.JobSubmittedPayload{JobType: "single_stage"}); err != nil {
		t.Fatalf("process job message: %v", err)
	}

	msgs := env.disp.drain()
	if len(msgs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(msgs))
	}

	err := env.orch.ProcessTaskMessage(ctx, msgs[0])
	if !errors.Is(err, handler.ErrUnknownTaskType) {
		t.Fatalf("err = %v, want ErrUnknownTaskType", err)
	}

	// Task не терминален: после деплоя нужного handler'а reaper
	// вернёт его в очередь.
	task, err := taskStore{env.store}.GetByID(ctx, msgs[0].TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status.IsTerminal() {
		t.Errorf("task status = %s, must stay non-terminal", task.Status)
	}
}

func TestUnknownTaskIDIsContractViolation(t *testing.T) {
	env := newTestEnv(t, oneStageDecl(1), handler.NewRegistry(), 3)

	err := env.orch.ProcessTaskMessage(context.Background(), mq.TaskMessage{
		TaskID: "ghost:1:0",
		JobID:  "ghost",
	})
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("err = %v, want ErrContractViolation", err)
	}
}

func TestEmptyStageFailsJob(t *testing.T) {
	decl := &testDecl{
		jobType: "empty_fanout",
		stages: []workflow.StageDefinition{
			{Number: 1, Name: "none", TaskType: "only_task", Parallelism: workflow.Fixed(0)},
		},
		tasksFn: func(int, map[string]any, string, map[string]any) ([]workflow.TaskSpec, error) {
			return nil, nil
		},
	}

	env := newTestEnv(t, decl, handler.NewRegistry(), 3)

	err := env.orch.ProcessJobMessage(context.Background(), mq.JobSubmittedPayload{JobType: "empty_fanout"})
	if !errors.Is(err, ErrEmptyStage) {
		t.Fatalf("err = %v, want ErrEmptyStage", err)
	}

	jobID := domain.NewJobID("empty_fanout", nil)
	if job := env.job(t, jobID); job.Status != domain.JobStatusFailed {
		t.Errorf("job status = %s, want FAILED", job.Status)
	}
}
