package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Типы событий жизненного цикла заказа.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderPaid          = "OrderPaid"
	EventOrderPaymentFailed = "OrderPaymentFailed"
	EventOrderPaymentQueued = "OrderPaymentProcessing"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderCanceled      = "OrderCanceled"
	EventOrderRefunded      = "OrderRefunded"
	EventOrderRedeemed      = "OrderRedeemed"
	EventPaymentPollTimeout = "PaymentPollTimeout"
)

// maxTimelineReason ограничивает длину причины, пришедшей от клиента.
const maxTimelineReason = 500

var knownEvents = map[string]struct{}{
	EventOrderCreated:       {},
	EventOrderPaid:          {},
	EventOrderPaymentFailed: {},
	EventOrderPaymentQueued: {},
	EventOrderStatusChanged: {},
	EventOrderCanceled:      {},
	EventOrderRefunded:      {},
	EventOrderRedeemed:      {},
	EventPaymentPollTimeout: {},
}

// TimelineEvent описывает событие в жизненном цикле заказа вместе со
// статусами заказа сразу после события.
type TimelineEvent struct {
	OrderID           string
	Type              string
	Reason            string
	FulfillmentStatus FulfillmentStatus
	PaymentStatus     PaymentStatus
	Occurred          time.Time
}

// Normalize проверяет событие перед записью и обрезает слишком длинную причину.
// Пустые статусы допустимы, неизвестные нет.
func (e TimelineEvent) Normalize() (TimelineEvent, error) {
	if e.OrderID == "" {
		return TimelineEvent{}, ErrOrderIDRequired
	}
	if _, ok := knownEvents[e.Type]; !ok {
		return TimelineEvent{}, fmt.Errorf("%w: timeline event %q", ErrUnknownStatus, e.Type)
	}
	if e.FulfillmentStatus != "" && !e.FulfillmentStatus.Valid() {
		return TimelineEvent{}, fmt.Errorf("%w: fulfillment %q", ErrUnknownStatus, e.FulfillmentStatus)
	}
	if e.PaymentStatus != "" && !e.PaymentStatus.Valid() {
		return TimelineEvent{}, fmt.Errorf("%w: payment %q", ErrUnknownStatus, e.PaymentStatus)
	}
	if r := []rune(e.Reason); len(r) > maxTimelineReason {
		e.Reason = string(r[:maxTimelineReason])
	}
	e.Occurred = e.Occurred.UTC()
	return e, nil
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// Validate проверяет, что событие можно опубликовать: у него есть агрегат
// (ключ партиции), тип и payload в JSON.
func (m OutboxMessage) Validate() error {
	switch {
	case m.AggregateType == "" || m.AggregateID == "":
		return fmt.Errorf("%w: aggregate is required", ErrOutboxMessageInvalid)
	case m.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrOutboxMessageInvalid)
	case !json.Valid(m.Payload):
		return fmt.Errorf("%w: payload of %s is not json", ErrOutboxMessageInvalid, m.EventType)
	}
	return nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
