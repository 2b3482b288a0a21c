// Package redemption реализует погашение QR-токена на стороне бизнеса.
package redemption

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
	"github.com/vladislavdragonenkov/rescuebag/internal/qrtoken"
)

const tracerName = "rescuebag/redemption"

// Результаты погашения для метрики rescuebag_redemptions_total.
const (
	ResultRedeemed = "redeemed"
	ResultSecurity = "security"
	ResultConflict = "conflict"
	ResultInvalid  = "invalid"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// TokenVerifier проверяет подпись и срок QR-токена.
type TokenVerifier interface {
	Verify(raw string) (qrtoken.Claims, error)
}

// Orders: операции с заказом, нужные погашению.
type Orders interface {
	Get(ctx context.Context, orderID string) (domain.Order, error)
	MarkRedeemed(ctx context.Context, orderID string) (domain.Order, error)
}

// Dependencies: зависимости Verifier. Metrics, Logger и Tracer опциональны.
type Dependencies struct {
	Tokens  TokenVerifier
	Orders  Orders
	Metrics *metrics.OrderMetrics
	Logger  *log.Entry
	Tracer  trace.TracerProvider
}

// Verifier гасит QR-токены. Безопасен для конкурентного использования:
// атомарность обеспечивает хранилище через CAS на redeemed_at.
type Verifier struct {
	tokens  TokenVerifier
	orders  Orders
	metrics *metrics.OrderMetrics
	logger  *log.Entry
	tracer  trace.Tracer
}

// New создаёт Verifier.
func New(deps Dependencies) (*Verifier, error) {
	if deps.Tokens == nil {
		return nil, errors.New("redemption: token verifier is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("redemption: orders service is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.New().WithField("component", "redemption")
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.GetTracerProvider()
	}
	return &Verifier{
		tokens:  deps.Tokens,
		orders:  deps.Orders,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		tracer:  deps.Tracer.Tracer(tracerName),
	}, nil
}

// Redeem проверяет токен, сверяет бизнес и статус заказа и атомарно
// переводит заказ в PICKED_UP. Проигравший гонку скан получает ErrAlreadyRedeemed.
func (v *Verifier) Redeem(ctx context.Context, rawToken, scanningBusinessID string) (domain.Order, error) {
	return v.RedeemOrder(ctx, "", rawToken, scanningBusinessID)
}

// RedeemOrder то же, что Redeem, но дополнительно требует, чтобы токен был
// выпущен для orderID. Пустой orderID не проверяется.
func (v *Verifier) RedeemOrder(ctx context.Context, orderID, rawToken, scanningBusinessID string) (domain.Order, error) {
	ctx, span := v.tracer.Start(ctx, "Redeem")
	defer span.End()
	span.SetAttributes(attribute.String("business_id", scanningBusinessID))

	order, err := v.redeem(ctx, span, orderID, rawToken, scanningBusinessID)
	if err != nil {
		v.fail(span, err, scanningBusinessID)
		return domain.Order{}, err
	}

	v.metrics.RecordRedemption(ResultRedeemed)
	span.SetAttributes(attribute.String("fulfillment_status", string(order.FulfillmentStatus)))
	v.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"business_id": order.BusinessID,
		"version":     order.Version,
	}).Info("order redeemed")
	return order, nil
}

func (v *Verifier) redeem(ctx context.Context, span trace.Span, orderID, rawToken, scanningBusinessID string) (domain.Order, error) {
	if scanningBusinessID == "" {
		return domain.Order{}, domain.ErrBusinessRequired
	}

	claims, err := v.tokens.Verify(rawToken)
	if err != nil {
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.String("order_id", claims.OrderID))
	if orderID != "" && claims.OrderID != orderID {
		return domain.Order{}, fmt.Errorf("%w: token issued for another order", domain.ErrTokenTampered)
	}

	order, err := v.orders.Get(ctx, claims.OrderID)
	if err != nil {
		return domain.Order{}, err
	}

	if claims.BusinessID != order.BusinessID || claims.BusinessID != scanningBusinessID {
		return domain.Order{}, fmt.Errorf("%w: token for business %s scanned by %s",
			domain.ErrBusinessMismatch, claims.BusinessID, scanningBusinessID)
	}
	if claims.UserID != order.UserID {
		return domain.Order{}, fmt.Errorf("%w: token user does not own order", domain.ErrTokenTampered)
	}
	if err := order.CheckRedeemable(); err != nil {
		return domain.Order{}, err
	}
	// Токен должен совпадать с выданным заказу: старый токен после отмены не принимается.
	if order.QRToken != rawToken {
		return domain.Order{}, fmt.Errorf("%w: token is not the one issued for order", domain.ErrTokenTampered)
	}

	return v.orders.MarkRedeemed(ctx, order.ID)
}

func (v *Verifier) fail(span trace.Span, err error, scanningBusinessID string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	entry := v.logger.WithError(err).WithField("business_id", scanningBusinessID)
	switch {
	case domain.IsSecurity(err), errors.Is(err, domain.ErrBusinessMismatch):
		v.metrics.RecordRedemption(ResultSecurity)
		entry.WithField("security", true).Warn("redemption rejected")
	case errors.Is(err, domain.ErrOrderNotFound):
		v.metrics.RecordRedemption(ResultNotFound)
		entry.Info("redemption rejected")
	case domain.IsConflict(err):
		v.metrics.RecordRedemption(ResultConflict)
		entry.Info("redemption rejected")
	case domain.IsValidation(err):
		v.metrics.RecordRedemption(ResultInvalid)
		entry.Info("redemption rejected")
	default:
		v.metrics.RecordRedemption(ResultError)
		entry.Error("redemption failed")
	}
}
