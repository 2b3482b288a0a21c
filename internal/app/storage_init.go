package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/rescuebag/internal/health"
	"github.com/vladislavdragonenkov/rescuebag/internal/storage/memory"
	"github.com/vladislavdragonenkov/rescuebag/internal/storage/postgres"
)

// runtimeDependencies: хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	repo            domain.OrderStore
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	attemptsRepo    domain.PaymentAttemptRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func (d runtimeDependencies) close(logger *log.Entry) {
	if d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	switch driver {
	case StorageDriverMemory:
		logger.Info("using in-memory storage")
		return runtimeDependencies{
			repo:            memory.NewOrderStore(),
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			attemptsRepo:    memory.NewPaymentAttemptRepository(),
			storageChecker: healthcheck.NewSimpleChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return runtimeDependencies{}, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return runtimeDependencies{}, err
	}

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return runtimeDependencies{}, fmt.Errorf("apply postgres migrations: %w", err)
		}
		current, available, err := store.MigrationStatus(ctx)
		if err == nil {
			logger.WithFields(log.Fields{
				"current_version": current,
				"available":       available,
			}).Info("postgres migrations applied")
		}
	}

	logger.Info("using postgres storage")
	return runtimeDependencies{
		repo:            postgres.NewOrderStore(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		attemptsRepo:    postgres.NewPaymentAttemptRepository(store),
		storageChecker:  healthcheck.NewSimpleChecker("postgres", store.Check),
		closeFn:         store.Close,
	}, nil
}
