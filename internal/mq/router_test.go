package mq

import (
	"context"
	"strconv"
	"testing"
)

// fakeTransport records every Send call.
type fakeTransport struct {
	calls [][]TaskMessage
}

func (f *fakeTransport) Send(ctx context.Context, msgs []TaskMessage) error {
	f.calls = append(f.calls, msgs)
	return nil
}

func makeMessages(n int) []TaskMessage {
	msgs := make([]TaskMessage, n)
	for i := range msgs {
		msgs[i] = TaskMessage{
			JobID:    "job1",
			TaskID:   "job1:1:" + strconv.Itoa(i),
			TaskType: "scan",
			Stage:    1,
		}
	}
	return msgs
}

func newTestRouter(direct, bulk TaskTransport) *Router {
	return NewRouter(RouterConfig{Direct: direct, Bulk: bulk})
}

func TestRouter_SmallFanoutGoesDirect(t *testing.T) {
	direct := &fakeTransport{}
	bulk := &fakeTransport{}
	router := newTestRouter(direct, bulk)

	// 10 tasks below a threshold of 50 → low-latency transport.
	if err := router.Dispatch(context.Background(), makeMessages(10), 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(direct.calls) != 1 || len(direct.calls[0]) != 10 {
		t.Errorf("expected one direct send of 10 messages, got %v", direct.calls)
	}
	if len(bulk.calls) != 0 {
		t.Errorf("bulk transport should not be used, got %d calls", len(bulk.calls))
	}
}

func TestRouter_LargeFanoutGoesBulk(t *testing.T) {
	direct := &fakeTransport{}
	bulk := &fakeTransport{}
	router := newTestRouter(direct, bulk)

	// 200 tasks at or above a threshold of 50 → batch transport.
	if err := router.Dispatch(context.Background(), makeMessages(200), 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(direct.calls) != 0 {
		t.Errorf("direct transport should not be used, got %d calls", len(direct.calls))
	}
	if len(bulk.calls) != 1 || len(bulk.calls[0]) != 200 {
		t.Errorf("expected one bulk send of 200 messages, got %d calls", len(bulk.calls))
	}
}

func TestRouter_ThresholdBoundary(t *testing.T) {
	direct := &fakeTransport{}
	bulk := &fakeTransport{}
	router := newTestRouter(direct, bulk)

	// Exactly at the threshold → bulk (len >= threshold).
	if err := router.Dispatch(context.Background(), makeMessages(50), 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bulk.calls) != 1 {
		t.Error("fan-out equal to the threshold should route to bulk")
	}
}

func TestRouter_ZeroThresholdUsesDefault(t *testing.T) {
	direct := &fakeTransport{}
	bulk := &fakeTransport{}
	router := newTestRouter(direct, bulk)

	// Default threshold is 50; 49 messages stay on direct.
	if err := router.Dispatch(context.Background(), makeMessages(49), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(direct.calls) != 1 {
		t.Error("expected default threshold to route 49 messages direct")
	}
}

func TestRouter_EmptyDispatch(t *testing.T) {
	direct := &fakeTransport{}
	bulk := &fakeTransport{}
	router := newTestRouter(direct, bulk)

	if err := router.Dispatch(context.Background(), nil, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(direct.calls) != 0 || len(bulk.calls) != 0 {
		t.Error("empty dispatch should touch no transport")
	}
}

func TestChunk(t *testing.T) {
	chunks := Chunk(makeMessages(250), 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 || len(chunks[2]) != 50 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	if got := Chunk(nil, 100); got != nil {
		t.Errorf("chunking nothing should return nil, got %v", got)
	}
}
