// Package watch рассылает обновления заказов подписчикам.
//
// MemoryHub работает внутри процесса, RedisHub передаёт обновления между
// репликами через pub/sub, PollingSubscriber перечитывает хранилище по таймеру.
package watch

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

const defaultBuffer = 8

// MemoryHub: in-process fan-out снимков заказа.
// Медленный подписчик теряет старые снимки, но всегда получает последний.
type MemoryHub struct {
	mu     sync.Mutex
	subs   map[string]map[chan domain.Order]struct{}
	buffer int
}

// NewMemoryHub создаёт хаб; buffer <= 0 заменяется значением по умолчанию.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryHub{
		subs:   make(map[string]map[chan domain.Order]struct{}),
		buffer: buffer,
	}
}

// Publish отправляет снимок всем подписчикам заказа без блокировки.
func (h *MemoryHub) Publish(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[order.ID] {
		deliverLatest(ch, order)
	}
	return nil
}

// Subscribe возвращает канал, который закрывается при отмене ctx.
func (h *MemoryHub) Subscribe(ctx context.Context, orderID string) (<-chan domain.Order, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan domain.Order, h.buffer)

	h.mu.Lock()
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[chan domain.Order]struct{})
	}
	h.subs[orderID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[orderID], ch)
		if len(h.subs[orderID]) == 0 {
			delete(h.subs, orderID)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch, nil
}

// Subscribers возвращает число активных подписок на заказ.
func (h *MemoryHub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}

// deliverLatest кладёт снимок в канал, вытесняя самый старый при переполнении.
func deliverLatest(ch chan domain.Order, order domain.Order) {
	select {
	case ch <- order:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- order:
	default:
	}
}

var (
	_ domain.OrderPublisher  = (*MemoryHub)(nil)
	_ domain.OrderSubscriber = (*MemoryHub)(nil)
)
