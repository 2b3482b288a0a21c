package domain

import (
	"fmt"
	"strings"
	"time"
)

// FulfillmentStatus описывает жизненный цикл выдачи заказа.
type FulfillmentStatus string

const (
	// FulfillmentCreated: заказ создан, сток списан, оплата ещё не подтверждена.
	FulfillmentCreated FulfillmentStatus = "CREATED"
	// FulfillmentConfirmed: оплата подтверждена, бизнес получил заказ.
	FulfillmentConfirmed FulfillmentStatus = "CONFIRMED"
	// FulfillmentPreparing: бизнес собирает пакет.
	FulfillmentPreparing FulfillmentStatus = "PREPARING"
	// FulfillmentReady: пакет готов к выдаче по QR.
	FulfillmentReady FulfillmentStatus = "READY"
	// FulfillmentPickedUp: QR погашен, пакет выдан (терминальный статус).
	FulfillmentPickedUp FulfillmentStatus = "PICKED_UP"
	// FulfillmentCanceled: заказ отменён (терминальный статус).
	FulfillmentCanceled FulfillmentStatus = "CANCELED"
)

// Valid проверяет, что статус относится к закрытому перечислению.
func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentCreated, FulfillmentConfirmed, FulfillmentPreparing,
		FulfillmentReady, FulfillmentPickedUp, FulfillmentCanceled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s FulfillmentStatus) Terminal() bool {
	return s == FulfillmentPickedUp || s == FulfillmentCanceled
}

// ParseFulfillmentStatus разбирает строку без учёта регистра.
// Неизвестные значения не игнорируются, а возвращают ErrUnknownStatus.
func ParseFulfillmentStatus(raw string) (FulfillmentStatus, error) {
	s := FulfillmentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if s == "DELIVERED" {
		// Доставка курьером в ядре не отличается от самовывоза.
		s = FulfillmentPickedUp
	}
	if !s.Valid() {
		return "", fmt.Errorf("%w: fulfillment %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	// PaymentPending: оплата ещё не инициирована или ждёт первой попытки.
	PaymentPending PaymentStatus = "PENDING"
	// PaymentProcessing: провайдер принял попытку, результат ещё не известен.
	PaymentProcessing PaymentStatus = "PROCESSING"
	// PaymentPaid: провайдер подтвердил списание.
	PaymentPaid PaymentStatus = "PAID"
	// PaymentFailed: последняя попытка отклонена; заказ можно оплатить повторно.
	PaymentFailed PaymentStatus = "FAILED"
	// PaymentRefunded: деньги возвращены после отмены оплаченного заказа.
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Valid проверяет, что статус относится к закрытому перечислению.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	default:
		return false
	}
}

// AwaitingOutcome сообщает, что по заказу ещё ждём ответ провайдера.
func (s PaymentStatus) AwaitingOutcome() bool {
	return s == PaymentPending || s == PaymentProcessing
}

// ParsePaymentStatus разбирает строку без учёта регистра.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	s := PaymentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: payment %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

// Order: заказ пользователя на N единиц пакета.
type Order struct {
	ID         string
	UserID     string
	PackID     string
	BusinessID string

	// Коммерческий снимок фиксируется при создании и больше не меняется.
	Quantity                 int32
	UnitDiscountedPriceMinor int64
	UnitOriginalPriceMinor   int64
	TotalPriceMinor          int64
	DiscountAmountMinor      int64
	Currency                 string

	FulfillmentStatus FulfillmentStatus
	PaymentStatus     PaymentStatus

	QRToken     string
	QRExpiresAt *time.Time

	// Последняя известная попытка оплаты: нужна для поллинга и возврата.
	PaymentMethod    string
	PaymentReference string

	IdempotencyKey string
	CancelReason   string

	RedeemedAt *time.Time
	PaidAt     *time.Time
	CanceledAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Version    int64
}

// Redeemed сообщает, что QR уже был погашен.
func (o *Order) Redeemed() bool {
	return o.RedeemedAt != nil
}

// CheckRedeemable возвращает причину, по которой заказ нельзя погасить, или nil.
// Уже погашенный заказ всегда даёт ErrAlreadyRedeemed, даже если статус PICKED_UP.
func (o *Order) CheckRedeemable() error {
	switch {
	case o.Redeemed():
		return ErrAlreadyRedeemed
	case o.FulfillmentStatus == FulfillmentCanceled:
		return ErrAlreadyCanceled
	case o.FulfillmentStatus != FulfillmentReady:
		return ErrNotReadyForPickup
	default:
		return nil
	}
}

// Cancelable возвращает причину, по которой заказ нельзя отменить, или nil.
func (o *Order) Cancelable() error {
	switch {
	case o.FulfillmentStatus == FulfillmentCanceled:
		return ErrAlreadyCanceled
	case o.Redeemed() || o.FulfillmentStatus == FulfillmentPickedUp:
		return ErrAlreadyFulfilled
	default:
		return nil
	}
}

// ValidateInvariants проверяет инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.PackID == "" {
		errs = append(errs, ErrPackRequired)
	}
	if o.Quantity <= 0 {
		errs = append(errs, ErrQuantityInvalid)
	}
	if !o.FulfillmentStatus.Valid() || !o.PaymentStatus.Valid() {
		errs = append(errs, ErrUnknownStatus)
	}

	// Снимок цены: total = qty * discounted, discount = qty * (original - discounted).
	if o.UnitDiscountedPriceMinor < 0 || o.UnitOriginalPriceMinor < o.UnitDiscountedPriceMinor {
		errs = append(errs, ErrPriceInvalid)
	}
	qty := int64(o.Quantity)
	if o.TotalPriceMinor != qty*o.UnitDiscountedPriceMinor ||
		o.DiscountAmountMinor != qty*(o.UnitOriginalPriceMinor-o.UnitDiscountedPriceMinor) {
		errs = append(errs, ErrAmountMismatch)
	}

	// QR существует только у оплаченного и не отменённого заказа.
	hasToken := o.QRToken != ""
	wantToken := o.PaymentStatus == PaymentPaid && o.FulfillmentStatus != FulfillmentCanceled
	if hasToken != wantToken {
		errs = append(errs, ErrTokenStateMismatch)
	}

	if o.Redeemed() != (o.FulfillmentStatus == FulfillmentPickedUp) {
		errs = append(errs, ErrRedemptionStateMismatch)
	}

	return errs
}

// NewOrderSnapshot заполняет коммерческий снимок заказа из пакета.
func NewOrderSnapshot(id, userID string, pack Pack, qty int32, idemKey string, now time.Time) Order {
	q := int64(qty)
	return Order{
		ID:                       id,
		UserID:                   userID,
		PackID:                   pack.ID,
		BusinessID:               pack.BusinessID,
		Quantity:                 qty,
		UnitDiscountedPriceMinor: pack.DiscountedPriceMinor,
		UnitOriginalPriceMinor:   pack.OriginalPriceMinor,
		TotalPriceMinor:          q * pack.DiscountedPriceMinor,
		DiscountAmountMinor:      q * (pack.OriginalPriceMinor - pack.DiscountedPriceMinor),
		Currency:                 pack.Currency,
		FulfillmentStatus:        FulfillmentCreated,
		PaymentStatus:            PaymentPending,
		IdempotencyKey:           idemKey,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}
