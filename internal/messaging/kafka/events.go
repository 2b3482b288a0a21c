package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// EventType: тип события заказа во внешнем топике.
type EventType string

const (
	EventTypeOrderCreated           EventType = "order.created"
	EventTypeOrderPaid              EventType = "order.paid"
	EventTypeOrderPaymentFailed     EventType = "order.payment_failed"
	EventTypeOrderPaymentProcessing EventType = "order.payment_processing"
	EventTypeOrderStatusChanged     EventType = "order.status_changed"
	EventTypeOrderCanceled          EventType = "order.canceled"
	EventTypeOrderRefunded          EventType = "order.refunded"
	EventTypeOrderRedeemed          EventType = "order.redeemed"
	EventTypePaymentPollTimeout     EventType = "payment.poll_timeout"
)

var eventTypes = map[string]EventType{
	domain.EventOrderCreated:       EventTypeOrderCreated,
	domain.EventOrderPaid:          EventTypeOrderPaid,
	domain.EventOrderPaymentFailed: EventTypeOrderPaymentFailed,
	domain.EventOrderPaymentQueued: EventTypeOrderPaymentProcessing,
	domain.EventOrderStatusChanged: EventTypeOrderStatusChanged,
	domain.EventOrderCanceled:      EventTypeOrderCanceled,
	domain.EventOrderRefunded:      EventTypeOrderRefunded,
	domain.EventOrderRedeemed:      EventTypeOrderRedeemed,
	domain.EventPaymentPollTimeout: EventTypePaymentPollTimeout,
}

// EventTypeFor переводит доменный тип события в тип топика.
// Незнакомый тип передаётся как есть.
func EventTypeFor(domainEvent string) EventType {
	if eventType, ok := eventTypes[domainEvent]; ok {
		return eventType
	}
	return EventType(domainEvent)
}

// Topics для Kafka
const (
	TopicOrderEvents     = "rescuebag.order.events"
	TopicPaymentOutcomes = "rescuebag.payment.outcomes"
	TopicDeadLetterQueue = "rescuebag.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope: формат события заказа в TopicOrderEvents.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает outbox-сообщение.
func NewEnvelope(event domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     EventTypeFor(event.EventType),
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// Key возвращает ключ партиционирования: события одного заказа идут по порядку.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// DeadLetter: сообщение, которое не удалось обработать или опубликовать.
// Source = "consumer" для входящих сообщений, "outbox" для событий outbox.
type DeadLetter struct {
	Source            string    `json:"source"`
	OriginalTopic     string    `json:"original_topic,omitempty"`
	OriginalPartition int32     `json:"original_partition,omitempty"`
	OriginalOffset    int64     `json:"original_offset,omitempty"`
	OriginalKey       string    `json:"original_key,omitempty"`
	OriginalValue     string    `json:"original_value,omitempty"`
	Event             *Envelope `json:"event,omitempty"`
	Error             string    `json:"error_message"`
	RetryCount        int       `json:"retry_count"`
	FailedAt          time.Time `json:"failed_at"`
}

// Источники DeadLetter.
const (
	DeadLetterSourceConsumer = "consumer"
	DeadLetterSourceOutbox   = "outbox"
)

// ParseEnvelope парсит Envelope из сообщения.
func ParseEnvelope(message *sarama.ConsumerMessage) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	return &envelope, nil
}

// ParseDeadLetter парсит DeadLetter из сообщения DLQ.
func ParseDeadLetter(message *sarama.ConsumerMessage) (*DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(message.Value, &letter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if letter.Source == "" {
		return nil, fmt.Errorf("dead letter without source")
	}
	return &letter, nil
}
