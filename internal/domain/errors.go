package domain

import "errors"

// Ошибки валидации: отклоняются синхронно и никогда не ретраятся.
var (
	// ErrUserRequired: не указан пользователь.
	ErrUserRequired = errors.New("user_id is required")
	// ErrBusinessRequired: не указан бизнес.
	ErrBusinessRequired = errors.New("business_id is required")
	// ErrPackRequired: не указан пакет.
	ErrPackRequired = errors.New("pack_id is required")
	// ErrOrderIDRequired: не указан идентификатор заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrCurrencyRequired: не указан код валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// ErrQuantityInvalid: количество должно быть больше нуля.
	ErrQuantityInvalid = errors.New("quantity must be greater than zero")
	// ErrStockNegative: сток пакета не может быть отрицательным.
	ErrStockNegative = errors.New("stock must be non-negative")
	// ErrPriceInvalid: цена со скидкой должна быть в диапазоне [0, original].
	ErrPriceInvalid = errors.New("discounted price must be within [0, original price]")
	// ErrPickupWindowInvalid: окно самовывоза заканчивается раньше, чем начинается.
	ErrPickupWindowInvalid = errors.New("pickup window end is before start")
	// ErrAmountMismatch: снимок суммы не совпадает с qty * price.
	ErrAmountMismatch = errors.New("order amounts do not match quantity and unit prices")
	// ErrUnknownStatus: строка статуса не входит в закрытое перечисление.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrUnknownOutcome: неизвестный результат платёжной попытки.
	ErrUnknownOutcome = errors.New("unknown payment outcome")
	// ErrProviderReferenceRequired: у попытки нет ссылки провайдера.
	ErrProviderReferenceRequired = errors.New("provider_reference is required")
	// ErrInsufficientStock: на складе меньше единиц, чем запрошено.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPackInactive: пакет снят с продажи.
	ErrPackInactive = errors.New("pack is inactive")
	// ErrPackNotFound возвращается, если пакет не найден.
	ErrPackNotFound = errors.New("pack not found")
	// ErrTokenMalformed: QR-токен не разбирается.
	ErrTokenMalformed = errors.New("qr token is malformed")
)

// Конфликты состояния: ожидаемые пользовательские исходы, а не падения запроса.
var (
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition: переход статуса запрещён графом.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyRedeemed: QR уже погашен.
	ErrAlreadyRedeemed = errors.New("order already redeemed")
	// ErrAlreadyCanceled: заказ уже отменён.
	ErrAlreadyCanceled = errors.New("order already canceled")
	// ErrAlreadyFulfilled: заказ уже выдан и не может быть отменён.
	ErrAlreadyFulfilled = errors.New("order already fulfilled")
	// ErrBusinessMismatch: токен сканируют не в том бизнесе.
	ErrBusinessMismatch = errors.New("business mismatch")
	// ErrNotReadyForPickup: заказ ещё не готов к выдаче.
	ErrNotReadyForPickup = errors.New("order is not ready for pickup")
	// ErrForbidden: сессия не владеет заказом или пакетом.
	ErrForbidden = errors.New("operation is not allowed for this session")
	// ErrDuplicateAttempt: попытка с той же ссылкой и исходом уже учтена.
	ErrDuplicateAttempt = errors.New("payment attempt already recorded")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOrderAlreadyExists: заказ с таким ID уже создан.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrPackAlreadyExists: пакет с таким ID уже создан.
	ErrPackAlreadyExists = errors.New("pack already exists")
)

// Ошибки протокола идемпотентности HTTP-запросов.
var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// Ошибки целостности и безопасности: логируются с повышенной важностью.
var (
	// ErrTokenTampered: подпись QR-токена не совпала.
	ErrTokenTampered = errors.New("qr token signature mismatch")
	// ErrTokenExpired: срок действия QR-токена истёк.
	ErrTokenExpired = errors.New("qr token expired")
	// ErrWebhookSignature: подпись webhook провайдера не прошла проверку.
	ErrWebhookSignature = errors.New("webhook signature mismatch")
)

// Временные ошибки инфраструктуры: ретраятся с ограниченным backoff.
var (
	// ErrStoreUnavailable: хранилище недоступно.
	ErrStoreUnavailable = errors.New("order store unavailable")
	// ErrProviderUnavailable: платёжный провайдер недоступен (ответа нет).
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrPaymentTimeout: за отведённое время провайдер не дал терминальный ответ.
	ErrPaymentTimeout = errors.New("payment outcome timeout")
	// ErrPaymentIndeterminate: провайдер ответил, но ответ нельзя интерпретировать; повтор вслепую запрещён.
	ErrPaymentIndeterminate = errors.New("payment indeterminate state")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ErrOutboxMessageInvalid: событие нельзя поставить в outbox.
var ErrOutboxMessageInvalid = errors.New("invalid outbox message")

// Внутренние инварианты, которые не должны наблюдаться снаружи.
var (
	ErrTokenStateMismatch      = errors.New("qr token presence does not match payment state")
	ErrRedemptionStateMismatch = errors.New("redeemed_at does not match fulfillment status")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict проверяет, что повторный запрос конфликтует с уже принятым.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsRetryable сообщает, что операцию можно безопасно повторить.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrOrderVersionConflict)
}

// IsValidation сообщает, что запрос отклонён как некорректный.
func IsValidation(err error) bool {
	return isAny(err,
		ErrUserRequired, ErrBusinessRequired, ErrPackRequired, ErrOrderIDRequired,
		ErrCurrencyRequired, ErrQuantityInvalid, ErrStockNegative, ErrPriceInvalid,
		ErrPickupWindowInvalid, ErrAmountMismatch, ErrUnknownStatus, ErrUnknownOutcome,
		ErrProviderReferenceRequired, ErrInsufficientStock, ErrPackInactive, ErrPackNotFound, ErrTokenMalformed,
	)
}

// IsConflict сообщает о нарушении ожидаемого состояния заказа.
func IsConflict(err error) bool {
	return isAny(err,
		ErrInvalidTransition, ErrAlreadyRedeemed, ErrAlreadyCanceled, ErrAlreadyFulfilled,
		ErrBusinessMismatch, ErrNotReadyForPickup, ErrDuplicateAttempt,
		ErrOrderAlreadyExists, ErrPackAlreadyExists,
	)
}

// IsSecurity сообщает о возможной попытке подделки.
func IsSecurity(err error) bool {
	return isAny(err, ErrTokenTampered, ErrTokenExpired, ErrWebhookSignature)
}

func isAny(err error, targets ...error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
