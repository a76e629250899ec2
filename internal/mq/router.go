package mq

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Mosaic/internal/telemetry"
)

// Default configuration values.
const (
	defaultBatchThreshold = 50
	defaultChunkSize      = 100
)

// TaskTransport — единый контракт доставки task-сообщений.
//
// Обе реализации доставляют идентичное логическое сообщение
// TaskMessage; различие только в характеристиках доставки.
type TaskTransport interface {
	Send(ctx context.Context, msgs []TaskMessage) error
}

// DirectTransport — низколатентный транспорт: одна публикация на
// сообщение, очередь tasks.ready.
type DirectTransport struct {
	publisher *Publisher
}

// NewDirectTransport создаёт новый DirectTransport.
func NewDirectTransport(publisher *Publisher) *DirectTransport {
	return &DirectTransport{publisher: publisher}
}

// Send публикует сообщения по одному.
func (t *DirectTransport) Send(ctx context.Context, msgs []TaskMessage) error {
	for _, msg := range msgs {
		if err := t.publisher.PublishTaskReady(ctx, msg); err != nil {
			return fmt.Errorf("direct send %s: %w", msg.TaskID, err)
		}
	}
	return nil
}

// BulkTransport — транспорт повышенной пропускной способности:
// сообщения режутся на чанки фиксированного размера, чанки
// публикуются конкурентно в очередь tasks.ready.bulk.
type BulkTransport struct {
	publisher *Publisher
	chunkSize int
}

// NewBulkTransport создаёт новый BulkTransport.
func NewBulkTransport(publisher *Publisher, chunkSize int) *BulkTransport {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &BulkTransport{publisher: publisher, chunkSize: chunkSize}
}

// Send публикует сообщения чанками.
func (t *BulkTransport) Send(ctx context.Context, msgs []TaskMessage) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, chunk := range Chunk(msgs, t.chunkSize) {
		g.Go(func() error {
			for _, msg := range chunk {
				if err := t.publisher.PublishTaskReadyBulk(ctx, msg); err != nil {
					return fmt.Errorf("bulk send %s: %w", msg.TaskID, err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// Chunk режет сообщения на куски не длиннее size.
func Chunk(msgs []TaskMessage, size int) [][]TaskMessage {
	if size <= 0 || len(msgs) == 0 {
		return nil
	}
	chunks := make([][]TaskMessage, 0, (len(msgs)+size-1)/size)
	for start := 0; start < len(msgs); start += size {
		end := min(start+size, len(msgs))
		chunks = append(chunks, msgs[start:end])
	}
	return chunks
}

// Router выбирает транспорт по размеру fan-out'а.
//
// Малые stages идут через низколатентный DirectTransport, большие —
// через BulkTransport (амортизация накладных расходов на публикацию).
// Порог задаётся per-job-type через Declaration.BatchThreshold.
type Router struct {
	direct           TaskTransport
	bulk             TaskTransport
	defaultThreshold int
	logger           *slog.Logger
}

// RouterConfig — конфигурация Router.
type RouterConfig struct {
	Direct TaskTransport
	Bulk   TaskTransport

	// DefaultThreshold — порог для declarations, не задавших свой
	// (default: 50).
	DefaultThreshold int

	Logger *slog.Logger
}

// NewRouter создаёт новый Router.
func NewRouter(cfg RouterConfig) *Router {
	threshold := cfg.DefaultThreshold
	if threshold <= 0 {
		threshold = defaultBatchThreshold
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		direct:           cfg.Direct,
		bulk:             cfg.Bulk,
		defaultThreshold: threshold,
		logger:           logger,
	}
}

// Dispatch отправляет сообщения stage через подходящий транспорт.
// threshold <= 0 — использовать порог по умолчанию.
func (r *Router) Dispatch(ctx context.Context, msgs []TaskMessage, threshold int) error {
	if len(msgs) == 0 {
		return nil
	}

	if threshold <= 0 {
		threshold = r.defaultThreshold
	}

	transport := "direct"
	send := r.direct.Send
	if len(msgs) >= threshold {
		transport = "bulk"
		send = r.bulk.Send
	}

	if err := send(ctx, msgs); err != nil {
		return fmt.Errorf("dispatch %d tasks via %s: %w", len(msgs), transport, err)
	}

	telemetry.TasksDispatched.WithLabelValues(transport).Add(float64(len(msgs)))

	r.logger.Debug("tasks dispatched",
		"count", len(msgs),
		"transport", transport,
		"threshold", threshold,
	)

	return nil
}
