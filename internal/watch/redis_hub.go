package watch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

const channelPrefix = "rescuebag:order:"

// ChannelName возвращает pub/sub канал обновлений заказа.
func ChannelName(orderID string) string {
	return channelPrefix + orderID
}

// RedisHub рассылает снимки заказа через Redis pub/sub.
type RedisHub struct {
	client redis.UniversalClient
	buffer int
	logger *log.Entry
}

// NewRedisHub создаёт хаб поверх готового клиента.
func NewRedisHub(client redis.UniversalClient, logger *log.Entry) *RedisHub {
	if logger == nil {
		logger = log.New().WithField("component", "watch-redis")
	}
	return &RedisHub{client: client, buffer: defaultBuffer, logger: logger}
}

// Publish сериализует снимок в JSON и публикует его в канал заказа.
func (h *RedisHub) Publish(ctx context.Context, order domain.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order update: %w", err)
	}
	if err := h.client.Publish(ctx, ChannelName(order.ID), data).Err(); err != nil {
		return fmt.Errorf("publish order update: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Subscribe дожидается подтверждения подписки, затем пересылает снимки до отмены ctx.
func (h *RedisHub) Subscribe(ctx context.Context, orderID string) (<-chan domain.Order, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}

	pubsub := h.client.Subscribe(ctx, ChannelName(orderID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe order updates: %w: %w", domain.ErrStoreUnavailable, err)
	}

	out := make(chan domain.Order, h.buffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var order domain.Order
				if err := json.Unmarshal([]byte(msg.Payload), &order); err != nil {
					h.logger.WithError(err).WithField("order_id", orderID).Warn("drop malformed order update")
					continue
				}
				select {
				case out <- order:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Check реализует health.Checker.
func (h *RedisHub) Check(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

var (
	_ domain.OrderPublisher  = (*RedisHub)(nil)
	_ domain.OrderSubscriber = (*RedisHub)(nil)
)
