package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobSubmitted MessageType = "job.submitted"
	MessageTypeTaskReady    MessageType = "task.ready"
)

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// JobSubmittedPayload — payload сообщения о новом job'е.
//
// JobID воспроизводим из (JobType, Parameters): либо submitter
// вычислил его сам, либо оркестратор вычислит при обработке —
// дубликаты схлопываются по контентному хэшу.
type JobSubmittedPayload struct {
	JobID      string         `json:"job_id"`
	JobType    string         `json:"job_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// TaskMessage — логическое сообщение о task'е, готовом к выполнению.
// Идентично на обоих транспортах: оркестратор и воркер не ветвятся
// по способу доставки.
type TaskMessage struct {
	JobID      string         `json:"job_id"`
	TaskID     string         `json:"task_id"`
	TaskType   string         `json:"task_type"`
	Stage      int            `json:"stage"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishJobSubmitted публикует событие о новом job'е.
// Потребитель: Orchestrator.
func (p *Publisher) PublishJobSubmitted(ctx context.Context, payload JobSubmittedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobSubmitted,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeJobs, RoutingKeySubmitted, msg)
}

// PublishTaskReady публикует одно сообщение о готовом task'е
// в низколатентную очередь. Потребитель: Worker.
func (p *Publisher) PublishTaskReady(ctx context.Context, task TaskMessage) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskReady,
		Payload:   task,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeTasks, RoutingKeyReady, msg)
}

// PublishTaskReadyBulk публикует сообщение о готовом task'е
// в batch-очередь. Потребитель: Worker.
func (p *Publisher) PublishTaskReadyBulk(ctx context.Context, task TaskMessage) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskReady,
		Payload:   task,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeTasks, RoutingKeyReadyBulk, msg)
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload может быть уже распарсен как map или быть raw json
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
