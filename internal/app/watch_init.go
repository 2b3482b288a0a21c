package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/rescuebag/internal/health"
	"github.com/vladislavdragonenkov/rescuebag/internal/watch"
)

const (
	memoryHubBuffer     = 8
	redisPingTimeout    = 2 * time.Second
	watchFallbackPeriod = 2 * time.Second
)

// watchBackend: источник обновлений для Watch.
// publisher может быть nil: подписчик тогда сам перечитывает заказ.
type watchBackend struct {
	publisher  domain.OrderPublisher
	subscriber domain.OrderSubscriber
	checker    healthcheck.Checker
	closeFn    func() error
}

func (b watchBackend) close(logger *log.Entry) {
	if b.closeFn == nil {
		return
	}
	if err := b.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close watch backend")
	}
}

// initWatchBackend выбирает бэкенд Watch:
//   - RedisAddr пуст: in-process hub (один экземпляр сервиса);
//   - Redis доступен: pub/sub через Redis;
//   - Redis недоступен при старте: поллинг хранилища.
func initWatchBackend(ctx context.Context, cfg Config, orders watch.OrderReader, logger *log.Entry) watchBackend {
	if cfg.RedisAddr == "" {
		hub := watch.NewMemoryHub(memoryHubBuffer)
		return watchBackend{publisher: hub, subscriber: hub}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	hub := watch.NewRedisHub(client, logger.WithField("component", "watch-redis"))
	checker := healthcheck.NewOptionalChecker("redis", hub.Check)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := hub.Check(pingCtx); err != nil {
		logger.WithError(err).WithField("addr", cfg.RedisAddr).
			Warn("redis is unavailable, falling back to polling for order watch")
		return watchBackend{
			subscriber: watch.NewPollingSubscriber(orders, watchFallbackPeriod, logger.WithField("component", "watch-polling")),
			checker:    checker,
			closeFn:    client.Close,
		}
	}

	logger.WithField("addr", cfg.RedisAddr).Info("order watch uses redis pub/sub")
	return watchBackend{publisher: hub, subscriber: hub, checker: checker, closeFn: client.Close}
}
