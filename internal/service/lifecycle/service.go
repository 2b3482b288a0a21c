// Package lifecycle управляет жизненным циклом заказа: создание, оплата,
// подготовка, отмена, возврат и погашение QR.
//
// Все изменения заказа проходят через mutate: загрузка, проверка графа переходов,
// сохранение с оптимистической блокировкой и повтор при конфликте версий.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
	"github.com/vladislavdragonenkov/rescuebag/internal/qrtoken"
)

const (
	defaultQRTokenTTL      = 24 * time.Hour
	defaultConflictRetries = 3
	conflictBaseDelay      = 10 * time.Millisecond
	defaultListLimit       = 50
	maxListLimit           = 200
)

// TokenIssuer выпускает QR-токен оплаченного заказа.
type TokenIssuer interface {
	Issue(orderID, userID, businessID string, ttl time.Duration) (qrtoken.Token, error)
}

// Dependencies: внешние зависимости сервиса. Outbox, Timeline, Publisher,
// Subscriber и Metrics опциональны.
type Dependencies struct {
	Store      domain.OrderStore
	Outbox     domain.OutboxRepository
	Timeline   domain.TimelineRepository
	Payments   domain.PaymentProvider
	Tokens     TokenIssuer
	Publisher  domain.OrderPublisher
	Subscriber domain.OrderSubscriber
	Clock      clock.Clock
	Metrics    *metrics.OrderMetrics
	Logger     *log.Entry
}

// Config параметры сервиса.
type Config struct {
	QRTokenTTL      time.Duration
	Retry           RetryConfig
	ConflictRetries int
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		QRTokenTTL:      defaultQRTokenTTL,
		Retry:           DefaultRetryConfig(),
		ConflictRetries: defaultConflictRetries,
	}
}

// CreateOrderRequest: запрос пользователя на бронирование пакета.
type CreateOrderRequest struct {
	PackID         string
	Quantity       int32
	IdempotencyKey string
}

// Service реализует операции над заказом.
type Service struct {
	store      domain.OrderStore
	outbox     domain.OutboxRepository
	timeline   domain.TimelineRepository
	payments   domain.PaymentProvider
	tokens     TokenIssuer
	publisher  domain.OrderPublisher
	subscriber domain.OrderSubscriber
	clock      clock.Clock
	metrics    *metrics.OrderMetrics
	logger     *log.Entry
	cfg        Config
}

// New создаёт сервис. Store, Payments и Tokens обязательны.
func New(deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("lifecycle: order store is required")
	case deps.Payments == nil:
		return nil, errors.New("lifecycle: payment provider is required")
	case deps.Tokens == nil:
		return nil, errors.New("lifecycle: token issuer is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New().WithField("component", "lifecycle")
	}
	if cfg.QRTokenTTL <= 0 {
		cfg.QRTokenTTL = defaultQRTokenTTL
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Service{
		store:      deps.Store,
		outbox:     deps.Outbox,
		timeline:   deps.Timeline,
		payments:   deps.Payments,
		tokens:     deps.Tokens,
		publisher:  deps.Publisher,
		subscriber: deps.Subscriber,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
	}, nil
}

// event: событие, которое нужно выпустить после успешного сохранения.
type event struct {
	eventType string
	payload   map[string]interface{}
}

// change описывает результат применения операции к загруженному заказу.
type change struct {
	events []event
	// skip: операция идемпотентна и ничего не меняет.
	skip bool
	// cancel: сохранять через CancelOrderAtomic с возвратом стока.
	cancel bool
}

func (c *change) emit(eventType string, payload map[string]interface{}) {
	c.events = append(c.events, event{eventType: eventType, payload: payload})
}

// CreatePack регистрирует пакет бизнеса сессии.
func (s *Service) CreatePack(ctx context.Context, session domain.Session, pack domain.Pack) (domain.Pack, error) {
	if session.BusinessID == "" {
		return domain.Pack{}, domain.ErrForbidden
	}
	now := s.clock.Now().UTC()
	if pack.ID == "" {
		pack.ID = uuid.NewString()
	}
	pack.BusinessID = session.BusinessID
	pack.CreatedAt = now
	pack.UpdatedAt = now
	if errs := pack.Validate(); len(errs) > 0 {
		return domain.Pack{}, errors.Join(errs...)
	}

	var created domain.Pack
	err := s.retry(ctx, "create_pack", func(ctx context.Context) error {
		var err error
		created, err = s.store.CreatePack(ctx, pack)
		return err
	})
	if err != nil {
		return domain.Pack{}, err
	}

	s.logger.WithFields(log.Fields{
		"pack_id":     created.ID,
		"business_id": created.BusinessID,
		"stock":       created.Stock,
	}).Info("pack created")
	return created, nil
}

// GetPack возвращает пакет по ID.
func (s *Service) GetPack(ctx context.Context, packID string) (domain.Pack, error) {
	if packID == "" {
		return domain.Pack{}, domain.ErrPackRequired
	}
	var pack domain.Pack
	err := s.retry(ctx, "get_pack", func(ctx context.Context) error {
		var err error
		pack, err = s.store.GetPack(ctx, packID)
		return err
	})
	return pack, err
}

// Create бронирует пакет: проверка и списание стока выполняются хранилищем атомарно.
// Повтор с тем же IdempotencyKey возвращает исходный заказ без повторного списания.
func (s *Service) Create(ctx context.Context, session domain.Session, req CreateOrderRequest) (domain.Order, error) {
	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration("create", time.Since(start)) }()

	switch {
	case session.UserID == "":
		return domain.Order{}, domain.ErrUserRequired
	case req.PackID == "":
		return domain.Order{}, domain.ErrPackRequired
	case req.Quantity <= 0:
		return domain.Order{}, domain.ErrQuantityInvalid
	}

	pack, err := s.GetPack(ctx, req.PackID)
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.NewOrderSnapshot(uuid.NewString(), session.UserID, pack, req.Quantity, req.IdempotencyKey, s.clock.Now().UTC())
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	var (
		saved   domain.Order
		created bool
	)
	err = s.retry(ctx, "create_order", func(ctx context.Context) error {
		var err error
		saved, created, err = s.store.CreateOrderAtomic(ctx, order)
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"pack_id": req.PackID,
			"user_id": session.UserID,
		}).Warn("create order rejected")
		return domain.Order{}, err
	}

	if !created {
		s.logger.WithFields(log.Fields{
			"order_id":        saved.ID,
			"idempotency_key": req.IdempotencyKey,
		}).Debug("create order replayed")
		return saved, nil
	}

	s.metrics.RecordOrderCreated()
	s.logger.WithFields(log.Fields{
		"order_id": saved.ID,
		"pack_id":  saved.PackID,
		"quantity": saved.Quantity,
	}).Info("order created")

	s.emitEvent(ctx, &saved, domain.EventOrderCreated, map[string]interface{}{
		"user_id":           saved.UserID,
		"pack_id":           saved.PackID,
		"business_id":       saved.BusinessID,
		"quantity":          saved.Quantity,
		"total_price_minor": saved.TotalPriceMinor,
		"currency":          saved.Currency,
	})
	s.publish(ctx, saved)
	return saved, nil
}

// ApplyPaymentOutcome применяет исход попытки оплаты. Операция идемпотентна:
// повторный SUCCESS не выпускает второй токен и не меняет paidAt.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, orderID string, attempt domain.PaymentAttempt) (domain.Order, error) {
	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration("apply_payment_outcome", time.Since(start)) }()

	if attempt.OrderID == "" {
		attempt.OrderID = orderID
	}
	if attempt.OrderID != orderID {
		return domain.Order{}, fmt.Errorf("%w: attempt belongs to order %s", domain.ErrForbidden, attempt.OrderID)
	}
	if errs := attempt.Validate(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	refundAfterSave := false
	order, ch, err := s.mutate(ctx, orderID, func(order *domain.Order) (change, error) {
		refundAfterSave = false
		return s.applyOutcome(order, attempt, &refundAfterSave)
	})
	if err != nil {
		s.metrics.RecordPaymentOutcome(string(attempt.Outcome), "rejected")
		return domain.Order{}, err
	}
	if ch.skip {
		s.metrics.RecordPaymentOutcome(string(attempt.Outcome), "ignored")
		return order, nil
	}
	s.metrics.RecordPaymentOutcome(string(attempt.Outcome), "applied")
	if order.PaymentStatus == domain.PaymentPaid && order.FulfillmentStatus == domain.FulfillmentConfirmed {
		s.metrics.RecordTransition(string(domain.FulfillmentConfirmed))
	}

	// Деньги пришли за уже отменённый заказ: возвращаем их сразу.
	if refundAfterSave {
		refunded, refundErr := s.refund(ctx, order, "paid_after_cancel")
		if refundErr != nil {
			// Заказ остаётся CANCELED/PAID, его подберёт RetryPendingRefunds.
			s.metrics.RecordRefundFailure("late_payment")
			s.logger.WithError(refundErr).WithField("order_id", order.ID).Error("refund of late payment failed, left pending")
			return order, nil
		}
		return refunded, nil
	}
	return order, nil
}

func (s *Service) applyOutcome(order *domain.Order, attempt domain.PaymentAttempt, refundAfterSave *bool) (change, error) {
	var ch change
	now := s.clock.Now().UTC()

	switch attempt.Outcome {
	case domain.OutcomeSuccess:
		if order.PaymentStatus == domain.PaymentPaid || order.PaymentStatus == domain.PaymentRefunded {
			ch.skip = true
			return ch, nil
		}
		if attempt.AmountMinor != 0 && attempt.AmountMinor != order.TotalPriceMinor {
			return ch, fmt.Errorf("%w: paid %d, expected %d", domain.ErrAmountMismatch, attempt.AmountMinor, order.TotalPriceMinor)
		}

		order.PaymentStatus = domain.PaymentPaid
		order.PaymentReference = attempt.ProviderReference
		if attempt.Method != "" {
			order.PaymentMethod = attempt.Method
		}
		if order.PaidAt == nil {
			paidAt := now
			order.PaidAt = &paidAt
		}

		if order.FulfillmentStatus == domain.FulfillmentCanceled {
			*refundAfterSave = true
			ch.emit(domain.EventOrderPaid, map[string]interface{}{
				"provider_reference": attempt.ProviderReference,
				"reason":             "paid after cancel",
			})
			return ch, nil
		}

		if err := domain.CheckTransition(order.FulfillmentStatus, domain.FulfillmentConfirmed); err != nil {
			return ch, err
		}
		token, err := s.tokens.Issue(order.ID, order.UserID, order.BusinessID, s.cfg.QRTokenTTL)
		if err != nil {
			return ch, fmt.Errorf("issue qr token: %w", err)
		}
		order.FulfillmentStatus = domain.FulfillmentConfirmed
		order.QRToken = token.Value
		expiresAt := token.ExpiresAt
		order.QRExpiresAt = &expiresAt

		ch.emit(domain.EventOrderPaid, map[string]interface{}{
			"provider_reference": attempt.ProviderReference,
			"amount_minor":       order.TotalPriceMinor,
			"currency":           order.Currency,
		})
		ch.emit(domain.EventOrderStatusChanged, statusPayload(*order))

	case domain.OutcomeFailure:
		switch {
		case order.PaymentStatus == domain.PaymentPaid || order.PaymentStatus == domain.PaymentRefunded:
			// Поздний отказ по старой попытке не отменяет подтверждённую оплату.
			ch.skip = true
			return ch, nil
		case order.PaymentStatus == domain.PaymentFailed && order.PaymentReference == attempt.ProviderReference:
			ch.skip = true
			return ch, nil
		case order.FulfillmentStatus == domain.FulfillmentCanceled:
			ch.skip = true
			return ch, nil
		case order.PaymentStatus == domain.PaymentProcessing && order.PaymentReference != attempt.ProviderReference:
			// Отказ по старой попытке, пока идёт новая.
			ch.skip = true
			return ch, nil
		}
		order.PaymentStatus = domain.PaymentFailed
		order.PaymentReference = attempt.ProviderReference
		ch.emit(domain.EventOrderPaymentFailed, map[string]interface{}{
			"provider_reference": attempt.ProviderReference,
			"reason":             "payment declined",
		})

	case domain.OutcomePending:
		switch {
		case order.FulfillmentStatus == domain.FulfillmentCanceled:
			ch.skip = true
			return ch, nil
		case order.PaymentStatus == domain.PaymentPaid || order.PaymentStatus == domain.PaymentRefunded:
			ch.skip = true
			return ch, nil
		case order.PaymentStatus == domain.PaymentProcessing && order.PaymentReference == attempt.ProviderReference:
			ch.skip = true
			return ch, nil
		}
		order.PaymentStatus = domain.PaymentProcessing
		order.PaymentReference = attempt.ProviderReference
		if attempt.Method != "" {
			order.PaymentMethod = attempt.Method
		}
		ch.emit(domain.EventOrderPaymentQueued, map[string]interface{}{
			"provider_reference": attempt.ProviderReference,
			"method":             order.PaymentMethod,
		})

	default:
		return ch, domain.ErrUnknownOutcome
	}

	return ch, nil
}

// Cancel отменяет заказ, возвращает сток и гасит QR-токен. Оплаченный заказ
// возвращается провайдеру; сбой возврата не откатывает отмену, возврат повторяют
// Refund и RetryPendingRefunds.
func (s *Service) Cancel(ctx context.Context, session domain.Session, orderID, reason string) (domain.Order, error) {
	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration("cancel", time.Since(start)) }()

	order, _, err := s.mutate(ctx, orderID, func(order *domain.Order) (change, error) {
		var ch change
		if !session.OwnsOrder(*order) && !session.ManagesOrder(*order) {
			return ch, domain.ErrForbidden
		}
		if err := order.Cancelable(); err != nil {
			return ch, err
		}
		if err := domain.CheckTransition(order.FulfillmentStatus, domain.FulfillmentCanceled); err != nil {
			return ch, err
		}

		now := s.clock.Now().UTC()
		order.FulfillmentStatus = domain.FulfillmentCanceled
		order.CancelReason = reason
		if order.CanceledAt == nil {
			order.CanceledAt = &now
		}
		order.QRToken = ""
		order.QRExpiresAt = nil

		payload := map[string]interface{}{
			"reason":   reason,
			"quantity": order.Quantity,
		}
		if reason == "" {
			delete(payload, "reason")
		}
		ch.cancel = true
		ch.emit(domain.EventOrderCanceled, payload)
		return ch, nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordOrderCanceled()
	s.metrics.RecordTransition(string(domain.FulfillmentCanceled))
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"reason":   reason,
	}).Info("order canceled")

	if order.PaymentStatus == domain.PaymentPaid {
		refunded, refundErr := s.refund(ctx, order, reason)
		if refundErr != nil {
			s.metrics.RecordRefundFailure("cancel")
			s.logger.WithError(refundErr).WithField("order_id", order.ID).Warn("refund during cancel failed, left pending")
			return order, nil
		}
		return refunded, nil
	}
	return order, nil
}

// Refund повторяет возврат денег по отменённому оплаченному заказу.
func (s *Service) Refund(ctx context.Context, session domain.Session, orderID string) (domain.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !session.OwnsOrder(order) && !session.ManagesOrder(order) {
		return domain.Order{}, domain.ErrForbidden
	}
	return s.refund(ctx, order, order.CancelReason)
}

func (s *Service) refund(ctx context.Context, order domain.Order, reason string) (domain.Order, error) {
	if order.PaymentStatus == domain.PaymentRefunded {
		return order, nil
	}
	if order.FulfillmentStatus != domain.FulfillmentCanceled || order.PaymentStatus != domain.PaymentPaid {
		return domain.Order{}, fmt.Errorf("%w: refund requires a canceled paid order, got %s/%s",
			domain.ErrInvalidTransition, order.FulfillmentStatus, order.PaymentStatus)
	}
	if order.PaymentReference == "" {
		return domain.Order{}, domain.ErrProviderReferenceRequired
	}

	err := s.retry(ctx, "refund_payment", func(ctx context.Context) error {
		return s.payments.Refund(ctx, order.PaymentReference, order.TotalPriceMinor, order.Currency)
	})
	if err != nil {
		return domain.Order{}, err
	}

	refunded, ch, err := s.mutate(ctx, order.ID, func(current *domain.Order) (change, error) {
		var ch change
		if current.PaymentStatus == domain.PaymentRefunded {
			ch.skip = true
			return ch, nil
		}
		if current.PaymentStatus != domain.PaymentPaid {
			return ch, fmt.Errorf("%w: payment status %s", domain.ErrInvalidTransition, current.PaymentStatus)
		}
		current.PaymentStatus = domain.PaymentRefunded
		payload := map[string]interface{}{
			"amount_minor":       current.TotalPriceMinor,
			"currency":           current.Currency,
			"provider_reference": current.PaymentReference,
			"reason":             reason,
		}
		if reason == "" {
			delete(payload, "reason")
		}
		ch.emit(domain.EventOrderRefunded, payload)
		return ch, nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	if !ch.skip {
		s.metrics.RecordOrderRefunded()
		s.logger.WithFields(log.Fields{
			"order_id":     refunded.ID,
			"amount_minor": refunded.TotalPriceMinor,
		}).Info("order refunded")
	}
	return refunded, nil
}

// RetryPendingRefunds повторяет возврат по отменённым заказам, оставшимся PAID
// после сбоя провайдера. Возвращает число возвращённых заказов; ошибки отдельных
// заказов собираются в одну и не прерывают проход.
func (s *Service) RetryPendingRefunds(ctx context.Context, limit int) (int, error) {
	var pending []domain.Order
	err := s.retry(ctx, "list_awaiting_refund", func(ctx context.Context) error {
		var err error
		pending, err = s.store.ListOrdersAwaitingRefund(ctx, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	refunded := 0
	var errs []error
	for _, order := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		reason := order.CancelReason
		if order.PaidAt != nil && order.CanceledAt != nil && order.PaidAt.After(*order.CanceledAt) {
			reason = "paid_after_cancel"
		}
		if _, err := s.refund(ctx, order, reason); err != nil {
			s.metrics.RecordRefundFailure("retry")
			errs = append(errs, fmt.Errorf("refund order %s: %w", order.ID, err))
			continue
		}
		refunded++
	}
	return refunded, errors.Join(errs...)
}

// Advance переводит заказ CONFIRMED → PREPARING или PREPARING → READY.
// Двигать статус может только бизнес, которому принадлежит пакет.
func (s *Service) Advance(ctx context.Context, session domain.Session, orderID string, to domain.FulfillmentStatus) (domain.Order, error) {
	if !domain.AdvanceTarget(to) {
		return domain.Order{}, fmt.Errorf("%w: cannot advance to %s", domain.ErrInvalidTransition, to)
	}

	order, _, err := s.mutate(ctx, orderID, func(order *domain.Order) (change, error) {
		var ch change
		if !session.ManagesOrder(*order) {
			return ch, domain.ErrForbidden
		}
		if err := domain.CheckTransition(order.FulfillmentStatus, to); err != nil {
			return ch, err
		}
		order.FulfillmentStatus = to
		ch.emit(domain.EventOrderStatusChanged, statusPayload(*order))
		return ch, nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordTransition(string(to))
	return order, nil
}

// MarkRedeemed атомарно гасит QR. Проверки токена и бизнеса выполняет вызывающая сторона.
func (s *Service) MarkRedeemed(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := s.retry(ctx, "redeem_order", func(ctx context.Context) error {
		var err error
		order, err = s.store.RedeemOrder(ctx, orderID, s.clock.Now().UTC())
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordTransition(string(domain.FulfillmentPickedUp))
	s.emitEvent(ctx, &order, domain.EventOrderRedeemed, map[string]interface{}{
		"business_id": order.BusinessID,
		"redeemed_at": order.RedeemedAt.Format(time.RFC3339Nano),
	})
	s.publish(ctx, order)
	return order, nil
}

// NotePaymentTimeout фиксирует, что провайдер не дал терминальный ответ вовремя.
// Заказ остаётся в последнем согласованном состоянии.
func (s *Service) NotePaymentTimeout(ctx context.Context, orderID, providerReference string) {
	s.metrics.RecordPaymentTimeout()
	order := domain.Order{ID: orderID}
	s.emitEvent(ctx, &order, domain.EventPaymentPollTimeout, map[string]interface{}{
		"provider_reference": providerReference,
		"reason":             domain.ErrPaymentTimeout.Error(),
	})
}

// Get возвращает заказ без проверки сессии (внутренние вызовы).
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	var order domain.Order
	err := s.retry(ctx, "get_order", func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrder(ctx, orderID)
		return err
	})
	return order, err
}

// GetForSession возвращает заказ владельцу или бизнесу пакета.
func (s *Service) GetForSession(ctx context.Context, session domain.Session, orderID string) (domain.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !session.OwnsOrder(order) && !session.ManagesOrder(order) {
		return domain.Order{}, domain.ErrForbidden
	}
	return order, nil
}

// ListForUser возвращает заказы пользователя сессии, новые первыми.
func (s *Service) ListForUser(ctx context.Context, session domain.Session, limit int) ([]domain.Order, error) {
	if session.UserID == "" {
		return nil, domain.ErrUserRequired
	}
	var orders []domain.Order
	err := s.retry(ctx, "list_user_orders", func(ctx context.Context) error {
		var err error
		orders, err = s.store.ListOrdersByUser(ctx, session.UserID, clampLimit(limit))
		return err
	})
	return orders, err
}

// ListForBusiness возвращает заказы бизнеса сессии; пустой status не фильтрует.
func (s *Service) ListForBusiness(ctx context.Context, session domain.Session, status domain.FulfillmentStatus, limit int) ([]domain.Order, error) {
	if session.BusinessID == "" {
		return nil, domain.ErrBusinessRequired
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: fulfillment %q", domain.ErrUnknownStatus, status)
	}
	var orders []domain.Order
	err := s.retry(ctx, "list_business_orders", func(ctx context.Context) error {
		var err error
		orders, err = s.store.ListOrdersByBusiness(ctx, session.BusinessID, status, clampLimit(limit))
		return err
	})
	return orders, err
}

// ListAwaitingPayment возвращает заказы, по которым ещё ждём исход оплаты.
func (s *Service) ListAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.retry(ctx, "list_awaiting_payment", func(ctx context.Context) error {
		var err error
		orders, err = s.store.ListOrdersAwaitingPayment(ctx, limit)
		return err
	})
	return orders, err
}

// Timeline возвращает историю событий заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if s.timeline == nil {
		return nil, nil
	}
	return s.timeline.List(ctx, orderID)
}

// Watch возвращает поток снимков заказа: сначала текущий, затем каждый более новый.
// Канал закрывается после терминального статуса или отмены ctx.
func (s *Service) Watch(ctx context.Context, orderID string) (<-chan domain.Order, error) {
	if s.subscriber == nil {
		return nil, errors.New("order watch is not configured")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	updates, err := s.subscriber.Subscribe(watchCtx, orderID)
	if err != nil {
		cancel()
		return nil, err
	}
	// Подписка раньше чтения снимка: обновление между ними не потеряется.
	current, err := s.Get(watchCtx, orderID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan domain.Order, 1)
	go func() {
		defer cancel()
		defer close(out)

		last := current
		select {
		case out <- current:
		case <-watchCtx.Done():
			return
		}
		if isFinal(current) {
			return
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				if next.Version <= last.Version {
					continue
				}
				last = next
				select {
				case out <- next:
				case <-watchCtx.Done():
					return
				}
				if isFinal(next) {
					return
				}
			}
		}
	}()
	return out, nil
}

// isFinal сообщает, что заказ больше не изменится.
func isFinal(order domain.Order) bool {
	if order.FulfillmentStatus == domain.FulfillmentPickedUp {
		return true
	}
	return order.FulfillmentStatus == domain.FulfillmentCanceled && order.PaymentStatus != domain.PaymentPaid
}

// mutate загружает заказ, применяет apply и сохраняет результат.
// При конфликте версий заказ перечитывается и apply вызывается заново.
func (s *Service) mutate(ctx context.Context, orderID string, apply func(order *domain.Order) (change, error)) (domain.Order, change, error) {
	if orderID == "" {
		return domain.Order{}, change{}, domain.ErrOrderIDRequired
	}

	for attempt := 0; attempt < s.cfg.ConflictRetries; attempt++ {
		current, err := s.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, change{}, err
		}

		next := current
		ch, err := apply(&next)
		if err != nil {
			return domain.Order{}, change{}, err
		}
		if ch.skip {
			return current, ch, nil
		}
		next.UpdatedAt = s.clock.Now().UTC()

		var saved domain.Order
		err = s.retry(ctx, "save_order", func(ctx context.Context) error {
			var err error
			if ch.cancel {
				saved, err = s.store.CancelOrderAtomic(ctx, next)
			} else {
				saved, err = s.store.UpdateOrder(ctx, next)
			}
			return err
		})
		if err == nil {
			for _, ev := range ch.events {
				s.emitEvent(ctx, &saved, ev.eventType, ev.payload)
			}
			s.publish(ctx, saved)
			return saved, ch, nil
		}
		if !domain.IsVersionConflict(err) {
			s.logger.WithError(err).WithField("order_id", orderID).Error("failed to persist order")
			return domain.Order{}, change{}, err
		}

		s.metrics.RecordVersionConflict()
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt + 1,
			"version":  next.Version,
		}).Warn("version conflict detected, retrying")

		delay := conflictBaseDelay * time.Duration(1<<uint(attempt))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Order{}, change{}, ctx.Err()
		case <-timer.C:
		}
	}

	return domain.Order{}, change{}, domain.ErrOrderVersionConflict
}

func (s *Service) retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return Retry(ctx, s.cfg.Retry, s.logger, operation, fn)
}

func statusPayload(order domain.Order) map[string]interface{} {
	return map[string]interface{}{
		"status":         string(order.FulfillmentStatus),
		"payment_status": string(order.PaymentStatus),
	}
}

// emitEvent пишет событие в outbox и timeline. Сбой записи логируется и не
// откатывает уже сохранённое изменение заказа.
func (s *Service) emitEvent(ctx context.Context, order *domain.Order, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	occurred := s.clock.Now().UTC()
	payload["order_id"] = order.ID
	payload["ts"] = occurred.Format(time.RFC3339Nano)
	if order.Version > 0 {
		payload["version"] = order.Version
	}

	if s.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"event":    eventType,
			}).Error("marshal event failed")
		} else {
			msg := domain.OutboxMessage{
				AggregateType: "order",
				AggregateID:   order.ID,
				EventType:     eventType,
				Payload:       data,
			}
			if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
				s.logger.WithError(err).WithFields(log.Fields{
					"order_id": order.ID,
					"event":    eventType,
				}).Error("enqueue event failed")
			} else {
				s.metrics.RecordOutboxEvent()
			}
		}
	}

	if s.timeline != nil {
		reason, _ := payload["reason"].(string)
		ev := domain.TimelineEvent{
			OrderID:           order.ID,
			Type:              eventType,
			Reason:            reason,
			FulfillmentStatus: order.FulfillmentStatus,
			PaymentStatus:     order.PaymentStatus,
			Occurred:          occurred,
		}
		if err := s.timeline.Append(ctx, ev); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"event":    eventType,
			}).Warn("append timeline event failed")
		} else {
			s.metrics.RecordTimelineEvent()
		}
	}
}

func (s *Service) publish(ctx context.Context, order domain.Order) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("publish order update failed")
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
