package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// ErrorDetail: тело ошибки в ответе API.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse: конверт {"error": {...}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Порядок важен: первая совпавшая запись определяет ответ.
var errorMappings = []errorMapping{
	{domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{domain.ErrPackNotFound, http.StatusNotFound, "pack_not_found"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrBusinessMismatch, http.StatusForbidden, "business_mismatch"},

	{domain.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{domain.ErrTokenTampered, http.StatusUnauthorized, "token_tampered"},
	{domain.ErrWebhookSignature, http.StatusUnauthorized, "webhook_signature_invalid"},

	{domain.ErrTokenMalformed, http.StatusBadRequest, "token_malformed"},
	{domain.ErrQuantityInvalid, http.StatusBadRequest, "quantity_invalid"},
	{domain.ErrUnknownStatus, http.StatusBadRequest, "unknown_status"},
	{domain.ErrUnknownOutcome, http.StatusBadRequest, "unknown_payment_outcome"},
	{domain.ErrInsufficientStock, http.StatusUnprocessableEntity, "insufficient_stock"},
	{domain.ErrPackInactive, http.StatusUnprocessableEntity, "pack_inactive"},
	{domain.ErrIdempotencyHashMismatch, http.StatusUnprocessableEntity, "idempotency_key_reused"},

	{domain.ErrAlreadyRedeemed, http.StatusConflict, "already_redeemed"},
	{domain.ErrAlreadyCanceled, http.StatusConflict, "already_canceled"},
	{domain.ErrAlreadyFulfilled, http.StatusConflict, "already_fulfilled"},
	{domain.ErrNotReadyForPickup, http.StatusConflict, "not_ready_for_pickup"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrPackAlreadyExists, http.StatusConflict, "pack_already_exists"},
	{domain.ErrIdempotencyKeyAlreadyExists, http.StatusConflict, "idempotency_in_progress"},

	{domain.ErrPaymentTimeout, http.StatusGatewayTimeout, "payment_timeout"},
	{domain.ErrPaymentIndeterminate, http.StatusServiceUnavailable, "payment_indeterminate"},
	{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, "payment_provider_unavailable"},
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	{context.Canceled, http.StatusServiceUnavailable, "request_canceled"},
}

// classify возвращает HTTP-статус и код ошибки.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest, "validation_failed"
	case domain.IsConflict(err):
		return http.StatusConflict, "conflict"
	case domain.IsSecurity(err):
		return http.StatusUnauthorized, "unauthorized"
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// abortWithError пишет ошибку в ответ и прерывает цепочку обработчиков.
func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// fail отвечает ошибкой сервиса. Текст внутренних ошибок наружу не уходит.
func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	entry := h.logger.WithError(err).WithFields(log.Fields{
		"route":  c.FullPath(),
		"status": status,
		"code":   code,
	})

	message := err.Error()
	switch {
	case status >= http.StatusInternalServerError:
		if status == http.StatusInternalServerError {
			message = "internal error"
			entry.Error("request failed")
		} else {
			entry.Warn("request failed")
		}
	case domain.IsSecurity(err) || errors.Is(err, domain.ErrBusinessMismatch):
		entry.WithField("security", true).Warn("request rejected")
	default:
		entry.Debug("request rejected")
	}

	abortWithError(c, status, code, message)
}
