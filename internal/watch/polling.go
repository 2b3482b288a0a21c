package watch

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

const defaultPollInterval = 2 * time.Second

// OrderReader: минимальный доступ к заказу для поллинга.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
}

// PollingSubscriber перечитывает заказ по таймеру и отдаёт снимок при смене версии.
// Используется, когда push-бэкенд не настроен.
type PollingSubscriber struct {
	orders   OrderReader
	interval time.Duration
	logger   *log.Entry
}

// NewPollingSubscriber создаёт подписчика; interval <= 0 заменяется значением по умолчанию.
func NewPollingSubscriber(orders OrderReader, interval time.Duration, logger *log.Entry) *PollingSubscriber {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = log.New().WithField("component", "watch-polling")
	}
	return &PollingSubscriber{orders: orders, interval: interval, logger: logger}
}

func (p *PollingSubscriber) Subscribe(ctx context.Context, orderID string) (<-chan domain.Order, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}
	current, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Order, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		lastVersion := current.Version
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			order, err := p.orders.GetOrder(ctx, orderID)
			if err != nil {
				if errors.Is(err, domain.ErrOrderNotFound) {
					return
				}
				if ctx.Err() == nil {
					p.logger.WithError(err).WithField("order_id", orderID).Warn("poll order failed")
				}
				continue
			}
			if order.Version == lastVersion {
				continue
			}
			lastVersion = order.Version

			select {
			case out <- order:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

var _ domain.OrderSubscriber = (*PollingSubscriber)(nil)
