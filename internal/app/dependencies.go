package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/rescuebag/internal/health"
	"github.com/vladislavdragonenkov/rescuebag/internal/keyring"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
	"github.com/vladislavdragonenkov/rescuebag/internal/qrtoken"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/httpapi"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/reconcile"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/redemption"
	"github.com/vladislavdragonenkov/rescuebag/internal/version"
)

// Dependencies содержит собранный граф сервисов приложения.
type Dependencies struct {
	Orders     *lifecycle.Service
	Reconciler *reconcile.Service
	Verifier   *redemption.Verifier
	Router     *gin.Engine
	Health     *healthcheck.Handler
	Logger     *log.Entry
}

// serviceInputs: инфраструктура, из которой собирается граф.
type serviceInputs struct {
	storage  runtimeDependencies
	watch    watchBackend
	provider domain.PaymentProvider
	checkers map[string]healthcheck.Checker
	tracer   trace.TracerProvider
	// publishEvents включает запись доменных событий в outbox.
	publishEvents bool
}

// buildDependencies связывает хранилища, платёжного провайдера и Watch
// с сервисами жизненного цикла, сверки, погашения и REST-слоем.
func buildDependencies(cfg Config, in serviceInputs, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	keys, err := keyring.New(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("derive signing keys: %w", err)
	}
	codec, err := qrtoken.NewCodec(keys.QRToken, nil)
	if err != nil {
		return nil, fmt.Errorf("create qr token codec: %w", err)
	}

	orderMetrics := metrics.NewOrderMetrics()

	var outbox domain.OutboxRepository
	if in.publishEvents {
		outbox = in.storage.outboxRepo
	}

	orders, err := lifecycle.New(lifecycle.Dependencies{
		Store:      in.storage.repo,
		Outbox:     outbox,
		Timeline:   in.storage.timelineRepo,
		Payments:   in.provider,
		Tokens:     codec,
		Publisher:  in.watch.publisher,
		Subscriber: in.watch.subscriber,
		Metrics:    orderMetrics,
		Logger:     logger.WithField("component", "lifecycle"),
	}, lifecycle.Config{
		QRTokenTTL:      cfg.QRTokenTTL,
		Retry:           lifecycle.DefaultRetryConfig(),
		ConflictRetries: 3,
	})
	if err != nil {
		return nil, err
	}

	reconciler, err := reconcile.New(reconcile.Dependencies{
		Orders:     orders,
		Attempts:   in.storage.attemptsRepo,
		Provider:   in.provider,
		WebhookKey: keys.Webhook,
		Metrics:    orderMetrics,
		Logger:     logger.WithField("component", "reconcile"),
	}, reconcile.Config{
		PollInterval: cfg.PaymentPollInterval,
		PollTimeout:  cfg.PaymentPollTimeout,
		Retry:        lifecycle.DefaultRetryConfig(),
	})
	if err != nil {
		return nil, err
	}

	verifier, err := redemption.New(redemption.Dependencies{
		Tokens:  codec,
		Orders:  orders,
		Metrics: orderMetrics,
		Logger:  logger.WithField("component", "redemption"),
		Tracer:  in.tracer,
	})
	if err != nil {
		reconciler.Stop()
		return nil, err
	}

	healthHandler := newHealthHandler(cfg, in)

	router, err := httpapi.NewRouter(httpapi.Dependencies{
		Orders:      orders,
		Payments:    reconciler,
		Redeemer:    verifier,
		Idempotency: in.storage.idempotencyRepo,
		Health:      healthHandler,
		Metrics:     metrics.NewHTTPMetrics(),
		Tracer:      in.tracer,
		Logger:      logger.WithField("component", "httpapi"),
	}, httpapi.Config{
		ServiceName:    serviceName,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	if err != nil {
		reconciler.Stop()
		return nil, err
	}

	return &Dependencies{
		Orders:     orders,
		Reconciler: reconciler,
		Verifier:   verifier,
		Router:     router,
		Health:     healthHandler,
		Logger:     logger,
	}, nil
}

func newHealthHandler(cfg Config, in serviceInputs) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	if in.storage.storageChecker != nil {
		handler.RegisterChecker("storage", in.storage.storageChecker)
	}
	if in.watch.checker != nil {
		handler.RegisterChecker("redis", in.watch.checker)
	}
	if in.publishEvents && in.storage.outboxRepo != nil {
		handler.RegisterChecker("outbox", outboxBacklogChecker(in.storage.outboxRepo, cfg.OutboxMaxPending))
	}
	for name, checker := range in.checkers {
		if checker != nil {
			handler.RegisterChecker(name, checker)
		}
	}
	return handler
}

// outboxBacklogChecker деградирует, когда неотправленных событий больше maxPending.
func outboxBacklogChecker(repo domain.OutboxRepository, maxPending int) healthcheck.Checker {
	return healthcheck.NewOptionalChecker("outbox", func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	})
}
