// Package reconcile сводит асинхронные сообщения платёжного провайдера
// (webhook, Kafka, поллинг) с состоянием заказа.
//
// Reconciler никогда не меняет заказ напрямую: каждая попытка проходит
// дедупликацию и затем lifecycle.Service.ApplyPaymentOutcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/lifecycle"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultPollTimeout  = 15 * time.Minute
	defaultResumeLimit  = 500
)

// Orders: операции жизненного цикла, которые нужны сверке.
type Orders interface {
	Get(ctx context.Context, orderID string) (domain.Order, error)
	GetForSession(ctx context.Context, session domain.Session, orderID string) (domain.Order, error)
	ApplyPaymentOutcome(ctx context.Context, orderID string, attempt domain.PaymentAttempt) (domain.Order, error)
	ListAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error)
	NotePaymentTimeout(ctx context.Context, orderID, providerReference string)
}

// Dependencies: зависимости сверки. Clock, Scheduler, Metrics и Logger
// опциональны; по умолчанию используется системное время.
type Dependencies struct {
	Orders     Orders
	Attempts   domain.PaymentAttemptRepository
	Provider   domain.PaymentProvider
	WebhookKey []byte
	Clock      clock.Clock
	Scheduler  clock.Scheduler
	Metrics    *metrics.OrderMetrics
	Logger     *log.Entry
}

// Config параметры поллинга и повторов.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	ResumeLimit  int
	Retry        lifecycle.RetryConfig
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval: defaultPollInterval,
		PollTimeout:  defaultPollTimeout,
		ResumeLimit:  defaultResumeLimit,
		Retry:        lifecycle.DefaultRetryConfig(),
	}
}

type poller struct {
	providerReference string
	cancel            context.CancelFunc
}

// Service принимает попытки оплаты и ведёт поллеры по заказам.
type Service struct {
	orders     Orders
	attempts   domain.PaymentAttemptRepository
	provider   domain.PaymentProvider
	webhookKey []byte
	clock      clock.Clock
	scheduler  clock.Scheduler
	metrics    *metrics.OrderMetrics
	logger     *log.Entry
	cfg        Config

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*poller
	wg      sync.WaitGroup
}

// New создаёт сервис сверки.
func New(deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("reconcile: orders service is required")
	case deps.Attempts == nil:
		return nil, errors.New("reconcile: payment attempt repository is required")
	case deps.Provider == nil:
		return nil, errors.New("reconcile: payment provider is required")
	case len(deps.WebhookKey) == 0:
		return nil, errors.New("reconcile: webhook key is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Scheduler == nil {
		deps.Scheduler = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New().WithField("component", "reconcile")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.ResumeLimit <= 0 {
		cfg.ResumeLimit = defaultResumeLimit
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = lifecycle.DefaultRetryConfig()
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		orders:     deps.Orders,
		attempts:   deps.Attempts,
		provider:   deps.Provider,
		webhookKey: append([]byte(nil), deps.WebhookKey...),
		clock:      deps.Clock,
		scheduler:  deps.Scheduler,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		baseCtx:    baseCtx,
		stop:       stop,
		pollers:    make(map[string]*poller),
	}, nil
}

// Submit дедуплицирует попытку по (providerReference, outcome) и применяет её.
// Уже учтённая и отражённая в заказе попытка: no-op.
func (s *Service) Submit(ctx context.Context, attempt domain.PaymentAttempt) (domain.Order, error) {
	if errs := attempt.Validate(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}
	if attempt.ReceivedAt.IsZero() {
		attempt.ReceivedAt = s.clock.Now().UTC()
	}

	entry := s.logger.WithFields(log.Fields{
		"order_id":           attempt.OrderID,
		"provider_reference": attempt.ProviderReference,
		"outcome":            attempt.Outcome,
		"source":             attempt.Source,
	})

	err := lifecycle.Retry(ctx, s.cfg.Retry, s.logger, "record_payment_attempt", func(ctx context.Context) error {
		_, err := s.attempts.Record(ctx, attempt)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrDuplicateAttempt):
		order, getErr := s.orders.Get(ctx, attempt.OrderID)
		if getErr != nil {
			return domain.Order{}, getErr
		}
		if reflects(order, attempt) {
			s.metrics.RecordPaymentOutcome(string(attempt.Outcome), "duplicate")
			entry.Debug("duplicate payment attempt ignored")
			return order, nil
		}
		// Попытка записана, но прошлое применение не дошло до заказа.
		entry.Warn("re-applying recorded payment attempt")
	case err != nil:
		return domain.Order{}, err
	}

	order, err := s.orders.ApplyPaymentOutcome(ctx, attempt.OrderID, attempt)
	if err != nil {
		entry.WithError(err).Warn("apply payment outcome failed")
		return domain.Order{}, err
	}
	entry.WithField("payment_status", order.PaymentStatus).Info("payment attempt applied")
	return order, nil
}

// reflects сообщает, что заказ уже содержит результат попытки.
func reflects(order domain.Order, attempt domain.PaymentAttempt) bool {
	settled := order.PaymentStatus == domain.PaymentPaid || order.PaymentStatus == domain.PaymentRefunded
	switch attempt.Outcome {
	case domain.OutcomeSuccess:
		return settled
	case domain.OutcomeFailure:
		return settled || (order.PaymentStatus == domain.PaymentFailed && order.PaymentReference == attempt.ProviderReference)
	default:
		return order.PaymentReference == attempt.ProviderReference && order.PaymentStatus != domain.PaymentPending
	}
}

// Initiate запускает оплату у провайдера, фиксирует PROCESSING и ставит поллер.
// Оплачивать заказ может только его владелец.
func (s *Service) Initiate(ctx context.Context, session domain.Session, orderID, method string) (domain.Initiation, error) {
	order, err := s.orders.GetForSession(ctx, session, orderID)
	if err != nil {
		return domain.Initiation{}, err
	}
	if !session.OwnsOrder(order) {
		return domain.Initiation{}, domain.ErrForbidden
	}

	switch {
	case order.FulfillmentStatus == domain.FulfillmentCanceled:
		return domain.Initiation{}, domain.ErrAlreadyCanceled
	case order.PaymentStatus == domain.PaymentPaid || order.PaymentStatus == domain.PaymentRefunded:
		return domain.Initiation{}, fmt.Errorf("%w: order is already paid", domain.ErrInvalidTransition)
	case order.PaymentStatus == domain.PaymentProcessing:
		return domain.Initiation{}, fmt.Errorf("%w: payment is already in progress", domain.ErrInvalidTransition)
	}

	req := domain.InitiatePaymentRequest{
		OrderID:        order.ID,
		AmountMinor:    order.TotalPriceMinor,
		Currency:       order.Currency,
		Method:         method,
		IdempotencyKey: fmt.Sprintf("%s-%d", order.ID, order.Version),
	}

	var initiation domain.Initiation
	err = lifecycle.Retry(ctx, s.cfg.Retry, s.logger, "initiate_payment", func(ctx context.Context) error {
		var err error
		initiation, err = s.provider.Initiate(ctx, req)
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("initiate payment failed")
		return domain.Initiation{}, err
	}

	attempt := domain.PaymentAttempt{
		OrderID:           order.ID,
		Method:            method,
		ProviderReference: initiation.ProviderReference,
		Outcome:           initiation.Outcome,
		AmountMinor:       order.TotalPriceMinor,
		Source:            domain.SourceInitiate,
	}
	updated, err := s.Submit(ctx, attempt)
	if err != nil {
		return domain.Initiation{}, err
	}

	if updated.PaymentStatus.AwaitingOutcome() && updated.FulfillmentStatus != domain.FulfillmentCanceled {
		s.StartPolling(updated.ID, initiation.ProviderReference)
	}
	return initiation, nil
}

// Resume ставит поллеры на заказы, ожидавшие оплату до рестарта.
func (s *Service) Resume(ctx context.Context) (int, error) {
	orders, err := s.orders.ListAwaitingPayment(ctx, s.cfg.ResumeLimit)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, order := range orders {
		if order.PaymentReference == "" {
			continue
		}
		if s.StartPolling(order.ID, order.PaymentReference) {
			started++
		}
	}
	s.logger.WithField("pollers", started).Info("payment pollers resumed")
	return started, nil
}

// Stop останавливает все поллеры и ждёт их завершения.
func (s *Service) Stop() {
	s.stop()
	s.wg.Wait()
}
