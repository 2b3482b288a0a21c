package domain

import (
	"context"
	"time"
)

// OrderStore описывает хранилище пакетов и заказов.
// Все изменения одного заказа атомарны, сток пакета меняется только атомарно.
type OrderStore interface {
	CreatePack(ctx context.Context, pack Pack) (Pack, error)
	GetPack(ctx context.Context, id string) (Pack, error)
	// IncrementPackStock возвращает qty единиц на склад.
	IncrementPackStock(ctx context.Context, packID string, qty int32) (Pack, error)
	// DecrementPackStock списывает qty единиц; при нехватке возвращает ErrInsufficientStock.
	DecrementPackStock(ctx context.Context, packID string, qty int32) (Pack, error)

	// CreateOrderAtomic в одной транзакции проверяет пакет, списывает сток и сохраняет заказ.
	// Повтор с той же парой (UserID, IdempotencyKey) возвращает исходный заказ и created=false.
	CreateOrderAtomic(ctx context.Context, order Order) (Order, bool, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	// UpdateOrder сохраняет заказ целиком, если order.Version совпадает с сохранённой.
	// Возвращает сохранённую копию с увеличенной версией.
	UpdateOrder(ctx context.Context, order Order) (Order, error)
	// CancelOrderAtomic сохраняет отменённый заказ и возвращает сток в одной транзакции.
	CancelOrderAtomic(ctx context.Context, order Order) (Order, error)
	// RedeemOrder выставляет redeemed_at и PICKED_UP, только если заказ READY и ещё не погашен.
	RedeemOrder(ctx context.Context, orderID string, at time.Time) (Order, error)

	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListOrdersByBusiness фильтрует по статусу, если status не пустой.
	ListOrdersByBusiness(ctx context.Context, businessID string, status FulfillmentStatus, limit int) ([]Order, error)
	// ListOrdersAwaitingPayment возвращает неотменённые заказы с оплатой PENDING/PROCESSING.
	ListOrdersAwaitingPayment(ctx context.Context, limit int) ([]Order, error)
	// ListOrdersAwaitingRefund возвращает отменённые заказы, оплата которых ещё не возвращена,
	// от старых к новым.
	ListOrdersAwaitingRefund(ctx context.Context, limit int) ([]Order, error)
}

// PaymentAttemptRepository хранит попытки оплаты; пара (ProviderReference, Outcome) уникальна.
type PaymentAttemptRepository interface {
	// Record сохраняет попытку или возвращает ErrDuplicateAttempt.
	Record(ctx context.Context, attempt PaymentAttempt) (PaymentAttempt, error)
	ListByOrder(ctx context.Context, orderID string) ([]PaymentAttempt, error)
}

// PaymentProvider описывает внешний платёжный провайдер.
// ErrProviderUnavailable означает, что ответа не было и вызов можно повторить;
// ErrPaymentIndeterminate означает, что ответ был, но его нельзя интерпретировать.
type PaymentProvider interface {
	Initiate(ctx context.Context, req InitiatePaymentRequest) (Initiation, error)
	GetStatus(ctx context.Context, providerReference string) (PaymentOutcome, error)
	Refund(ctx context.Context, providerReference string, amountMinor int64, currency string) error
}

// OrderPublisher рассылает свежий снимок заказа подписчикам.
type OrderPublisher interface {
	Publish(ctx context.Context, order Order) error
}

// OrderSubscriber выдаёт поток снимков заказа до отмены ctx.
type OrderSubscriber interface {
	Subscribe(ctx context.Context, orderID string) (<-chan Order, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Release удаляет запись в статусе PROCESSING, чтобы ключ можно было повторить.
	Release(ctx context.Context, key string) error
	// ReleaseStale удаляет до limit записей PROCESSING, начатых раньше
	// startedBefore: их запрос оборвался вместе с процессом.
	ReleaseStale(ctx context.Context, startedBefore time.Time, limit int) (int, error)
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
