package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/reconcile"
)

const maxWebhookBodySize = 64 << 10

func (h *Handler) createPack(c *gin.Context) {
	var req createPackRequest
	if !bindJSON(c, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	pack, err := h.orders.CreatePack(c.Request.Context(), sessionFrom(c), domain.Pack{
		ID:                   req.ID,
		Title:                req.Title,
		Stock:                req.Stock,
		Active:               active,
		OriginalPriceMinor:   req.UnitOriginalPriceMinor,
		DiscountedPriceMinor: req.UnitDiscountedPriceMinor,
		Currency:             strings.ToUpper(req.Currency),
		PickupStart:          req.PickupStart.UTC(),
		PickupEnd:            req.PickupEnd.UTC(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPackResponse(pack))
}

func (h *Handler) getPack(c *gin.Context) {
	pack, err := h.orders.GetPack(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPackResponse(pack))
}

func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if !bindJSON(c, &req) {
		return
	}
	session := sessionFrom(c)

	order, err := h.orders.Create(c.Request.Context(), session, lifecycle.CreateOrderRequest{
		PackID:         req.PackID,
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order, session))
}

func (h *Handler) getOrder(c *gin.Context) {
	session := sessionFrom(c)
	order, err := h.orders.GetForSession(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order, session))
}

func (h *Handler) orderTimeline(c *gin.Context) {
	ctx := c.Request.Context()
	order, err := h.orders.GetForSession(ctx, sessionFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := h.orders.Timeline(ctx, order.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTimelineResponse(order.ID, events))
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	session := sessionFrom(c)
	order, err := h.orders.Cancel(c.Request.Context(), session, c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order, session))
}

func (h *Handler) advanceOrder(c *gin.Context) {
	var req advanceRequest
	if !bindJSON(c, &req) {
		return
	}
	to, err := domain.ParseFulfillmentStatus(req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	session := sessionFrom(c)
	order, err := h.orders.Advance(c.Request.Context(), session, c.Param("id"), to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order, session))
}

func (h *Handler) refundOrder(c *gin.Context) {
	session := sessionFrom(c)
	order, err := h.orders.Refund(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order, session))
}

func (h *Handler) redeemOrder(c *gin.Context) {
	h.redeemWith(c, c.Param("id"))
}

func (h *Handler) redeem(c *gin.Context) {
	h.redeemWith(c, "")
}

func (h *Handler) redeemWith(c *gin.Context, orderID string) {
	var req redeemRequest
	if !bindJSON(c, &req) {
		return
	}
	session := sessionFrom(c)
	order, err := h.redeemer.RedeemOrder(c.Request.Context(), orderID, strings.TrimSpace(req.Token), session.BusinessID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order, session))
}

func (h *Handler) listUserOrders(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	session := sessionFrom(c)
	orders, err := h.orders.ListForUser(c.Request.Context(), session, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderList(orders, session))
}

func (h *Handler) listBusinessOrders(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var status domain.FulfillmentStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := domain.ParseFulfillmentStatus(raw)
		if err != nil {
			h.fail(c, err)
			return
		}
		status = parsed
	}
	session := sessionFrom(c)
	orders, err := h.orders.ListForBusiness(c.Request.Context(), session, status, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderList(orders, session))
}

func (h *Handler) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	initiation, err := h.payments.Initiate(c.Request.Context(), sessionFrom(c), req.OrderID, req.Method)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, PaymentResponse{
		OrderID:           req.OrderID,
		ProviderReference: initiation.ProviderReference,
		PaymentURL:        initiation.PaymentURL,
		Outcome:           string(initiation.Outcome),
	})
}

// paymentWebhook подписан провайдером; сессии у запроса нет.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodySize))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	order, err := h.payments.HandleWebhook(c.Request.Context(), body, c.GetHeader(reconcile.SignatureHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":       order.ID,
		"payment_status": string(order.PaymentStatus),
		"version":        order.Version,
	})
}

// watchOrder отдаёт снимки заказа потоком Server-Sent Events.
// Поток закрывается после финального статуса или отключения клиента.
func (h *Handler) watchOrder(c *gin.Context) {
	ctx := c.Request.Context()
	session := sessionFrom(c)
	order, err := h.orders.GetForSession(ctx, session, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	updates, err := h.orders.Watch(ctx, order.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent("heartbeat", strconv.FormatInt(time.Now().Unix(), 10))
			c.Writer.Flush()
		case next, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("order", toOrderResponse(next, session))
			c.Writer.Flush()
		}
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

// bindOptionalJSON допускает пустое тело.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
