package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      time.Now,
	}
}

// Publish отправляет событие заказа; ключ: ID заказа.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	envelope := NewEnvelope(event, p.now())
	return p.producer.PublishEvent(ctx, p.topic, envelope.Key(), envelope)
}

// OutboxDeadLetterPublisher отправляет в DLQ события, которые не удалось опубликовать.
type OutboxDeadLetterPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxDeadLetterPublisher создаёт DLQ-паблишер для outbox worker.
func NewOutboxDeadLetterPublisher(producer *Producer, topic string) *OutboxDeadLetterPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &OutboxDeadLetterPublisher{producer: producer, topic: topic, now: time.Now}
}

// PublishFailed публикует DeadLetter с исходным событием и ошибкой публикации.
func (p *OutboxDeadLetterPublisher) PublishFailed(ctx context.Context, event domain.OutboxMessage, attempts int, publishErr error) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka dlq publisher is not initialized")
	}

	now := p.now()
	envelope := NewEnvelope(event, now)
	letter := DeadLetter{
		Source:     DeadLetterSourceOutbox,
		Event:      &envelope,
		Error:      publishErr.Error(),
		RetryCount: attempts,
		FailedAt:   now.UTC(),
	}
	return p.producer.PublishEvent(ctx, p.topic, envelope.Key(), letter)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
