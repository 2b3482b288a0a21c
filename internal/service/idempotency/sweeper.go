// Package idempotency убирает отработавшие ключи Idempotency-Key HTTP API.
//
// Ключ живёт до TTL, после чего повтор запроса снова выполняется. Ключ в
// статусе processing, чей запрос оборвался вместе с процессом, иначе отвечал
// бы 409 до конца TTL; такие ключи освобождаются через ProcessingTimeout.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
)

const (
	defaultInterval          = 10 * time.Minute
	defaultBatchSize         = 500
	defaultProcessingTimeout = 2 * time.Minute

	kindExpired = "expired"
	kindStale   = "stale"
)

// Config: параметры уборки.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// ProcessingTimeout должен быть больше самого долгого обработчика с ключом.
	ProcessingTimeout time.Duration
}

// Dependencies: всё, кроме Repo, опционально.
type Dependencies struct {
	Repo      domain.IdempotencyRepository
	Clock     clock.Clock
	Scheduler clock.Scheduler
	Metrics   *metrics.IdempotencyMetrics
	Logger    *log.Entry
}

// Result: сколько записей удалил один проход.
type Result struct {
	Expired int
	Stale   int
}

// Sweeper периодически удаляет просроченные и зависшие ключи.
type Sweeper struct {
	repo      domain.IdempotencyRepository
	clock     clock.Clock
	scheduler clock.Scheduler
	metrics   *metrics.IdempotencyMetrics
	logger    *log.Entry
	cfg       Config
}

// NewSweeper создаёт уборщик ключей.
func NewSweeper(deps Dependencies, cfg Config) (*Sweeper, error) {
	if deps.Repo == nil {
		return nil, errors.New("idempotency: repository is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Scheduler == nil {
		deps.Scheduler = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "idempotency-sweeper")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}

	return &Sweeper{
		repo:      deps.Repo,
		clock:     deps.Clock,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
	}, nil
}

// Run делает проход сразу и затем раз в Interval, пока ctx не отменён.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.scheduler.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.sweepAndLog(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	res, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		s.metrics.RecordSweep("error")
		s.logger.WithError(err).WithFields(log.Fields{
			"expired": res.Expired,
			"stale":   res.Stale,
		}).Warn("idempotency sweep failed")
		return
	}

	s.metrics.RecordSweep("ok")
	if res.Stale > 0 {
		// Зависший ключ значит, что обработчик не дошёл до ответа.
		s.logger.WithField("stale", res.Stale).Warn("released idempotency keys left in processing")
	}
	if res.Expired > 0 {
		s.logger.WithField("expired", res.Expired).Info("expired idempotency keys removed")
	}
}

// Sweep выполняет один проход: сначала освобождает зависшие ключи, затем
// удаляет просроченные. Частичный результат возвращается и при ошибке.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.clock.Now().UTC()
	var res Result

	stale, err := s.drain(ctx, kindStale, func(ctx context.Context, limit int) (int, error) {
		return s.repo.ReleaseStale(ctx, now.Add(-s.cfg.ProcessingTimeout), limit)
	})
	res.Stale = stale
	if err != nil {
		return res, err
	}

	expired, err := s.drain(ctx, kindExpired, func(ctx context.Context, limit int) (int, error) {
		return s.repo.DeleteExpired(ctx, now, limit)
	})
	res.Expired = expired
	return res, err
}

// drain вызывает remove порциями BatchSize, пока порция не окажется неполной.
func (s *Sweeper) drain(ctx context.Context, kind string, remove func(ctx context.Context, limit int) (int, error)) (int, error) {
	total := 0
	defer func() { s.metrics.RecordRemoved(kind, total) }()

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := remove(ctx, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("sweep %s idempotency keys: %w", kind, err)
		}
		total += n
		if n < s.cfg.BatchSize {
			return total, nil
		}
	}
}
