package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPProvider: REST-клиент внешнего платёжного провайдера.
//
// Ошибки транспорта и 5xx возвращаются как domain.ErrProviderUnavailable и
// могут повторяться: Initiate передаёт заголовок Idempotency-Key. Ответ, который
// нельзя интерпретировать, возвращается как domain.ErrPaymentIndeterminate.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Entry
}

// NewHTTPProvider создаёт клиента; timeout <= 0 заменяется значением по умолчанию.
func NewHTTPProvider(baseURL string, timeout time.Duration, logger *log.Entry) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = log.New().WithField("component", "payment-http")
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type initiateRequest struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Method      string `json:"method,omitempty"`
}

type paymentResponse struct {
	Reference  string `json:"reference"`
	PaymentURL string `json:"payment_url"`
	Status     string `json:"status"`
}

type refundRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func (p *HTTPProvider) Initiate(ctx context.Context, req domain.InitiatePaymentRequest) (domain.Initiation, error) {
	body, err := json.Marshal(initiateRequest{
		OrderID:     req.OrderID,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Method:      req.Method,
	})
	if err != nil {
		return domain.Initiation{}, fmt.Errorf("marshal initiate request: %w", err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = req.OrderID
	}

	var resp paymentResponse
	status, err := p.do(ctx, http.MethodPost, "/payments", body, key, &resp)
	if err != nil {
		return domain.Initiation{}, fmt.Errorf("initiate payment: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return domain.Initiation{}, fmt.Errorf("initiate payment: provider returned %d: %w", status, domain.ErrPaymentIndeterminate)
	}
	if resp.Reference == "" {
		return domain.Initiation{}, fmt.Errorf("initiate payment: empty reference: %w", domain.ErrPaymentIndeterminate)
	}

	outcome := domain.OutcomePending
	if resp.Status != "" {
		if outcome, err = domain.ParsePaymentOutcome(resp.Status); err != nil {
			return domain.Initiation{}, fmt.Errorf("initiate payment: %w: %w", domain.ErrPaymentIndeterminate, err)
		}
	}

	p.logger.WithFields(log.Fields{
		"order_id":           req.OrderID,
		"provider_reference": resp.Reference,
		"outcome":            outcome,
	}).Info("payment initiated")

	return domain.Initiation{
		ProviderReference: resp.Reference,
		PaymentURL:        resp.PaymentURL,
		Outcome:           outcome,
	}, nil
}

func (p *HTTPProvider) GetStatus(ctx context.Context, providerReference string) (domain.PaymentOutcome, error) {
	var resp paymentResponse
	status, err := p.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(providerReference), nil, "", &resp)
	if err != nil {
		return "", fmt.Errorf("get payment status: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("get payment status: provider returned %d: %w", status, domain.ErrPaymentIndeterminate)
	}

	outcome, err := domain.ParsePaymentOutcome(resp.Status)
	if err != nil {
		return "", fmt.Errorf("get payment status: %w: %w", domain.ErrPaymentIndeterminate, err)
	}
	return outcome, nil
}

// Refund считает 409 повтором уже выполненного возврата.
func (p *HTTPProvider) Refund(ctx context.Context, providerReference string, amountMinor int64, currency string) error {
	body, err := json.Marshal(refundRequest{AmountMinor: amountMinor, Currency: currency})
	if err != nil {
		return fmt.Errorf("marshal refund request: %w", err)
	}

	status, err := p.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(providerReference)+"/refunds", body, providerReference, nil)
	if err != nil {
		return fmt.Errorf("refund payment: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("refund payment: provider returned %d: %w", status, domain.ErrPaymentIndeterminate)
	}
}

// do выполняет запрос и декодирует JSON-ответ в out при 2xx.
// Сетевые ошибки и 5xx превращаются в domain.ErrProviderUnavailable.
func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("%w: provider returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode response: %v", domain.ErrPaymentIndeterminate, err)
		}
	}
	return resp.StatusCode, nil
}

var _ domain.PaymentProvider = (*HTTPProvider)(nil)
