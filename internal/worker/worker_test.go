package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/mq"
)

type fakeProcessor struct {
	mu   sync.Mutex
	msgs []mq.TaskMessage
	err  error
}

func (p *fakeProcessor) ProcessTaskMessage(_ context.Context, msg mq.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

type fakeSource struct {
	tasks []domain.Task
	err   error
}

func (s *fakeSource) ListQueued(_ context.Context, _ int) ([]domain.Task, error) {
	return s.tasks, s.err
}

func newTestWorker(processor *fakeProcessor, source *fakeSource) *Worker {
	return New(Config{
		Processor: processor,
		Tasks:     source,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestHandleTaskReady(t *testing.T) {
	processor := &fakeProcessor{}
	w := newTestWorker(processor, &fakeSource{})

	d := &mq.Delivery{
		Message: mq.Message{
			Type: mq.MessageTypeTaskReady,
			Payload: map[string]any{
				"job_id":    "job-1",
				"task_id":   "job-1:1:0",
				"task_type": "render_tile",
				"stage":     1,
			},
		},
	}

	if err := w.handleTaskReady(context.Background(), d); err != nil {
		t.Fatalf("handle task ready: %v", err)
	}

	if len(processor.msgs) != 1 {
		t.Fatalf("processed %d messages, want 1", len(processor.msgs))
	}
	msg := processor.msgs[0]
	if msg.TaskID != "job-1:1:0" || msg.TaskType != "render_tile" || msg.Stage != 1 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestHandleTaskReadyProcessorError(t *testing.T) {
	wantErr := errors.New("store unavailable")
	processor := &fakeProcessor{err: wantErr}
	w := newTestWorker(processor, &fakeSource{})

	d := &mq.Delivery{
		Message: mq.Message{
			Type:    mq.MessageTypeTaskReady,
			Payload: map[string]any{"task_id": "job-1:1:0"},
		},
	}

	if err := w.handleTaskReady(context.Background(), d); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestPollProcessesQueuedTasks(t *testing.T) {
	processor := &fakeProcessor{}
	source := &fakeSource{
		tasks: []domain.Task{
			*domain.NewTask("job-1", 1, "0", "render_tile", map[string]any{"tile": 0}),
			*domain.NewTask("job-1", 1, "1", "render_tile", map[string]any{"tile": 1}),
		},
	}
	w := newTestWorker(processor, source)

	w.poll(context.Background())

	if len(processor.msgs) != 2 {
		t.Fatalf("processed %d messages, want 2", len(processor.msgs))
	}
	if processor.msgs[0].TaskID != domain.NewTaskID("job-1", 1, "0") {
		t.Errorf("first message task id = %s", processor.msgs[0].TaskID)
	}
}

func TestPollContinuesPastProcessorError(t *testing.T) {
	processor := &fakeProcessor{err: errors.New("transient")}
	source := &fakeSource{
		tasks: []domain.Task{
			*domain.NewTask("job-1", 1, "0", "render_tile", nil),
			*domain.NewTask("job-1", 1, "1", "render_tile", nil),
		},
	}
	w := newTestWorker(processor, source)

	w.poll(context.Background())

	// Ошибка одного task'а не прерывает обработку остальных.
	if len(processor.msgs) != 2 {
		t.Fatalf("processed %d messages, want 2", len(processor.msgs))
	}
}
