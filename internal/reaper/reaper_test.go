package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/mq"
)

type fakeStore struct {
	stale    []domain.Task
	listErr  error
	requeued []string
	failID   string
}

func (s *fakeStore) ListStale(_ context.Context, _ time.Time, _ int) ([]domain.Task, error) {
	return s.stale, s.listErr
}

func (s *fakeStore) Requeue(_ context.Context, id string, _ string) error {
	if id == s.failID {
		return errors.New("requeue failed")
	}
	s.requeued = append(s.requeued, id)
	return nil
}

type fakeDispatcher struct {
	msgs []mq.TaskMessage
}

func (d *fakeDispatcher) Dispatch(_ context.Context, msgs []mq.TaskMessage, _ int) error {
	d.msgs = append(d.msgs, msgs...)
	return nil
}

func newTestReaper(store *fakeStore, disp *fakeDispatcher) *Reaper {
	return New(Config{
		Tasks:      store,
		Dispatcher: disp,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func staleTask(jobID string, key string) domain.Task {
	task := domain.NewTask(jobID, 1, key, "render_tile", map[string]any{"tile": key})
	task.Status = domain.TaskStatusProcessing
	hb := time.Now().UTC().Add(-time.Hour)
	task.Heartbeat = &hb
	return *task
}

func TestSweepRequeuesAndRedispatches(t *testing.T) {
	store := &fakeStore{
		stale: []domain.Task{staleTask("job-1", "0"), staleTask("job-1", "1")},
	}
	disp := &fakeDispatcher{}
	r := newTestReaper(store, disp)

	reaped := r.Sweep(context.Background())

	if reaped != 2 {
		t.Fatalf("reaped = %d, want 2", reaped)
	}
	if len(store.requeued) != 2 {
		t.Fatalf("requeued %d tasks, want 2", len(store.requeued))
	}
	if len(disp.msgs) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(disp.msgs))
	}
	if disp.msgs[0].TaskID != domain.NewTaskID("job-1", 1, "0") {
		t.Errorf("first message task id = %s", disp.msgs[0].TaskID)
	}
}

func TestSweepEmptyIsNoOp(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{}
	r := newTestReaper(store, disp)

	if reaped := r.Sweep(context.Background()); reaped != 0 {
		t.Fatalf("reaped = %d, want 0", reaped)
	}
	if len(disp.msgs) != 0 {
		t.Errorf("dispatched %d messages, want 0", len(disp.msgs))
	}
}

func TestSweepSkipsFailedRequeue(t *testing.T) {
	store := &fakeStore{
		stale:  []domain.Task{staleTask("job-1", "0"), staleTask("job-1", "1")},
		failID: domain.NewTaskID("job-1", 1, "0"),
	}
	disp := &fakeDispatcher{}
	r := newTestReaper(store, disp)

	reaped := r.Sweep(context.Background())

	// Task с неудавшимся requeue не переотправляется: без смены
	// статуса сообщение было бы отфильтровано claim'ом как дубль.
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if len(disp.msgs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(disp.msgs))
	}
	if disp.msgs[0].TaskID != domain.NewTaskID("job-1", 1, "1") {
		t.Errorf("dispatched task id = %s", disp.msgs[0].TaskID)
	}
}

func TestSweepListErrorReturnsZero(t *testing.T) {
	store := &fakeStore{listErr: errors.New("connection refused")}
	disp := &fakeDispatcher{}
	r := newTestReaper(store, disp)

	if reaped := r.Sweep(context.Background()); reaped != 0 {
		t.Fatalf("reaped = %d, want 0", reaped)
	}
}
