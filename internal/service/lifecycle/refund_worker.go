package lifecycle

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
)

const (
	defaultRefundRetryInterval = time.Minute
	defaultRefundRetryBatch    = 50
)

// RefundRetrier повторяет зависшие возвраты.
type RefundRetrier interface {
	RetryPendingRefunds(ctx context.Context, limit int) (int, error)
}

// RefundWorker периодически добивает возвраты по отменённым оплаченным заказам,
// которые не прошли при отмене или при поздней оплате.
type RefundWorker struct {
	retrier   RefundRetrier
	scheduler clock.Scheduler
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewRefundWorker создаёт воркер; нулевые interval и batchSize берут значения по умолчанию.
func NewRefundWorker(retrier RefundRetrier, scheduler clock.Scheduler, logger *log.Entry, interval time.Duration, batchSize int) *RefundWorker {
	if scheduler == nil {
		scheduler = clock.System{}
	}
	if logger == nil {
		logger = log.WithField("component", "refund-worker")
	}
	if interval <= 0 {
		interval = defaultRefundRetryInterval
	}
	if batchSize <= 0 {
		batchSize = defaultRefundRetryBatch
	}
	return &RefundWorker{
		retrier:   retrier,
		scheduler: scheduler,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run делает проход сразу и затем раз в interval, пока ctx не отменён.
func (w *RefundWorker) Run(ctx context.Context) {
	ticker := w.scheduler.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func (w *RefundWorker) runOnce(ctx context.Context) {
	refunded, err := w.retrier.RetryPendingRefunds(ctx, w.batchSize)
	if refunded > 0 {
		w.logger.WithField("refunded", refunded).Info("pending refunds completed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.WithError(err).Warn("pending refunds still failing")
	}
}
