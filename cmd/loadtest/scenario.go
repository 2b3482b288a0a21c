package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/httpapi"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/reconcile"
)

const apiPrefix = "/api/v1"

// apiClient ходит в REST API сервиса и пишет каждый вызов в collector.
type apiClient struct {
	baseURL    string
	http       *http.Client
	timeout    time.Duration
	webhookKey []byte
	col        *collector
}

type call struct {
	step       string
	method     string
	path       string
	userID     string
	businessID string
	idemKey    string
	signature  string
	body       []byte
	want       int
}

// statusError: ответ API с неожиданным HTTP-статусом.
type statusError struct {
	step   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.step, e.status, e.body)
}

func (c *apiClient) do(ctx context.Context, req call, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	status, err := c.send(ctx, req, out)
	label := strconv.Itoa(status)
	if status == 0 {
		label = "transport_error"
	}
	c.col.record(req.step, time.Since(start), label, err == nil)
	return err
}

func (c *apiClient) send(ctx context.Context, req call, out any) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bytes.NewReader(req.body))
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", req.step, err)
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.userID != "" {
		httpReq.Header.Set(httpapi.UserIDHeader, req.userID)
	}
	if req.businessID != "" {
		httpReq.Header.Set(httpapi.BusinessIDHeader, req.businessID)
	}
	if req.idemKey != "" {
		httpReq.Header.Set(httpapi.IdempotencyKeyHeader, req.idemKey)
	}
	if req.signature != "" {
		httpReq.Header.Set(reconcile.SignatureHeader, req.signature)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", req.step, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: read body: %w", req.step, err)
	}
	if resp.StatusCode != req.want {
		return resp.StatusCode, &statusError{step: req.step, status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", req.step, err)
		}
	}
	return resp.StatusCode, nil
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func (c *apiClient) createPack(ctx context.Context, cfg config, runID string) (string, error) {
	active := true
	var pack httpapi.PackResponse
	err := c.do(ctx, call{
		step:       "create_pack",
		method:     http.MethodPost,
		path:       apiPrefix + "/packs",
		businessID: cfg.businessID,
		body: mustJSON(map[string]any{
			"id":                          "lt-pack-" + runID,
			"title":                       "load test bag " + runID,
			"stock":                       cfg.packStock,
			"active":                      &active,
			"unit_original_price_minor":   cfg.priceMinor * 3,
			"unit_discounted_price_minor": cfg.priceMinor,
			"currency":                    cfg.currency,
		}),
		want: http.StatusCreated,
	}, &pack)
	if err != nil {
		return "", err
	}
	return pack.ID, nil
}

func (c *apiClient) reserve(ctx context.Context, userID, packID string) (httpapi.OrderResponse, error) {
	var order httpapi.OrderResponse
	err := c.do(ctx, call{
		step:    "reserve",
		method:  http.MethodPost,
		path:    apiPrefix + "/orders",
		userID:  userID,
		idemKey: uuid.NewString(),
		body:    mustJSON(map[string]any{"pack_id": packID, "quantity": 1}),
		want:    http.StatusCreated,
	}, &order)
	if err == nil && order.ID == "" {
		err = errors.New("reserve: empty order id")
	}
	return order, err
}

func (c *apiClient) initiatePayment(ctx context.Context, userID, orderID string) (string, error) {
	var payment httpapi.PaymentResponse
	err := c.do(ctx, call{
		step:    "initiate_payment",
		method:  http.MethodPost,
		path:    apiPrefix + "/payments/create",
		userID:  userID,
		idemKey: uuid.NewString(),
		body:    mustJSON(map[string]any{"order_id": orderID, "method": "card"}),
		want:    http.StatusAccepted,
	}, &payment)
	if err == nil && payment.ProviderReference == "" {
		err = errors.New("initiate_payment: empty provider reference")
	}
	return payment.ProviderReference, err
}

// confirmPayment присылает подписанный webhook об успешной оплате, как это делает провайдер.
func (c *apiClient) confirmPayment(ctx context.Context, order httpapi.OrderResponse, providerRef string) error {
	body := mustJSON(reconcile.OutcomeMessage{
		OrderID:           order.ID,
		ProviderReference: providerRef,
		Status:            string(domain.OutcomeSuccess),
		AmountMinor:       order.TotalPriceMinor,
		Method:            "card",
	})
	return c.do(ctx, call{
		step:      "webhook",
		method:    http.MethodPost,
		path:      apiPrefix + "/payments/webhook",
		signature: reconcile.SignWebhook(c.webhookKey, body),
		body:      body,
		want:      http.StatusOK,
	}, nil)
}

func (c *apiClient) cancel(ctx context.Context, userID, orderID string) error {
	return c.do(ctx, call{
		step:   "cancel",
		method: http.MethodPost,
		path:   apiPrefix + "/orders/" + orderID + "/cancel",
		userID: userID,
		body:   mustJSON(map[string]any{"reason": "load-cancel"}),
		want:   http.StatusOK,
	}, nil)
}

func (c *apiClient) advance(ctx context.Context, businessID, orderID string, to domain.FulfillmentStatus) error {
	return c.do(ctx, call{
		step:       "advance_" + strings.ToLower(string(to)),
		method:     http.MethodPost,
		path:       apiPrefix + "/orders/" + orderID + "/advance",
		businessID: businessID,
		body:       mustJSON(map[string]any{"status": string(to)}),
		want:       http.StatusOK,
	}, nil)
}

func (c *apiClient) fetchToken(ctx context.Context, userID, orderID string) (string, error) {
	var order httpapi.OrderResponse
	err := c.do(ctx, call{
		step:   "get_order",
		method: http.MethodGet,
		path:   apiPrefix + "/orders/" + orderID,
		userID: userID,
		want:   http.StatusOK,
	}, &order)
	if err == nil && order.QRToken == "" {
		err = fmt.Errorf("get_order: no qr token for order in %s/%s", order.FulfillmentStatus, order.PaymentStatus)
	}
	return order.QRToken, err
}

func (c *apiClient) redeem(ctx context.Context, businessID, token string) error {
	return c.do(ctx, call{
		step:       "redeem",
		method:     http.MethodPost,
		path:       apiPrefix + "/redeem",
		businessID: businessID,
		body:       mustJSON(map[string]any{"token": token}),
		want:       http.StatusOK,
	}, nil)
}

// runScenario проводит один заказ по шагам выбранного режима.
func runScenario(ctx context.Context, c *apiClient, cfg config, packID, runID string, index int) (err error) {
	start := time.Now()
	defer func() {
		label := "ok"
		if err != nil {
			label = "failed"
		}
		c.col.record(scenarioStep, time.Since(start), label, err == nil)
	}()

	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)
	order, err := c.reserve(ctx, userID, packID)
	if err != nil {
		return err
	}
	if cfg.mode == modeReserve {
		if shouldCancel(index, cfg.cancelRate) {
			return c.cancel(ctx, userID, order.ID)
		}
		return nil
	}

	ref, err := c.initiatePayment(ctx, userID, order.ID)
	if err != nil {
		return err
	}
	if err := c.confirmPayment(ctx, order, ref); err != nil {
		return err
	}
	if cfg.mode == modePay {
		if shouldCancel(index, cfg.cancelRate) {
			return c.cancel(ctx, userID, order.ID)
		}
		return nil
	}

	for _, to := range []domain.FulfillmentStatus{domain.FulfillmentPreparing, domain.FulfillmentReady} {
		if err := c.advance(ctx, cfg.businessID, order.ID, to); err != nil {
			return err
		}
	}
	token, err := c.fetchToken(ctx, userID, order.ID)
	if err != nil {
		return err
	}
	return c.redeem(ctx, cfg.businessID, token)
}

func shouldCancel(index, rate int) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 100:
		return true
	default:
		return index%100 < rate
	}
}
