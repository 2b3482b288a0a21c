package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

type createPackRequest struct {
	ID                       string    `json:"id" binding:"omitempty,max=64"`
	Title                    string    `json:"title" binding:"required,max=200"`
	Stock                    int32     `json:"stock" binding:"gte=0"`
	Active                   *bool     `json:"active"`
	UnitOriginalPriceMinor   int64     `json:"unit_original_price_minor" binding:"gte=0"`
	UnitDiscountedPriceMinor int64     `json:"unit_discounted_price_minor" binding:"gte=0"`
	Currency                 string    `json:"currency" binding:"required,len=3"`
	PickupStart              time.Time `json:"pickup_start"`
	PickupEnd                time.Time `json:"pickup_end"`
}

type createOrderRequest struct {
	PackID   string `json:"pack_id" binding:"required"`
	Quantity int32  `json:"quantity"`
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type advanceRequest struct {
	Status string `json:"status" binding:"required"`
}

type redeemRequest struct {
	Token string `json:"token" binding:"required"`
}

type createPaymentRequest struct {
	OrderID string `json:"order_id" binding:"required"`
	Method  string `json:"method" binding:"omitempty,max=64"`
}

// PackResponse: представление пакета в API.
type PackResponse struct {
	ID                       string    `json:"id"`
	BusinessID               string    `json:"business_id"`
	Title                    string    `json:"title"`
	Stock                    int32     `json:"stock"`
	Active                   bool      `json:"active"`
	UnitOriginalPriceMinor   int64     `json:"unit_original_price_minor"`
	UnitDiscountedPriceMinor int64     `json:"unit_discounted_price_minor"`
	Currency                 string    `json:"currency"`
	PickupStart              time.Time `json:"pickup_start"`
	PickupEnd                time.Time `json:"pickup_end"`
	CreatedAt                time.Time `json:"created_at"`
}

// OrderResponse: представление заказа в API.
type OrderResponse struct {
	ID                       string     `json:"id"`
	UserID                   string     `json:"user_id"`
	PackID                   string     `json:"pack_id"`
	BusinessID               string     `json:"business_id"`
	Quantity                 int32      `json:"quantity"`
	UnitDiscountedPriceMinor int64      `json:"unit_discounted_price_minor"`
	UnitOriginalPriceMinor   int64      `json:"unit_original_price_minor"`
	TotalPriceMinor          int64      `json:"total_price_minor"`
	DiscountAmountMinor      int64      `json:"discount_amount_minor"`
	Currency                 string     `json:"currency"`
	FulfillmentStatus        string     `json:"fulfillment_status"`
	PaymentStatus            string     `json:"payment_status"`
	QRToken                  string     `json:"qr_token,omitempty"`
	QRExpiresAt              *time.Time `json:"qr_expires_at,omitempty"`
	PaymentMethod            string     `json:"payment_method,omitempty"`
	PaymentReference         string     `json:"payment_reference,omitempty"`
	CancelReason             string     `json:"cancel_reason,omitempty"`
	RedeemedAt               *time.Time `json:"redeemed_at,omitempty"`
	PaidAt                   *time.Time `json:"paid_at,omitempty"`
	CanceledAt               *time.Time `json:"canceled_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
	Version                  int64      `json:"version"`
}

// OrderListResponse: страница заказов.
type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
}

// TimelineEventResponse: событие истории заказа.
type TimelineEventResponse struct {
	Type              string    `json:"type"`
	Reason            string    `json:"reason,omitempty"`
	FulfillmentStatus string    `json:"fulfillment_status,omitempty"`
	PaymentStatus     string    `json:"payment_status,omitempty"`
	Occurred          time.Time `json:"occurred"`
}

// TimelineResponse: история заказа.
type TimelineResponse struct {
	OrderID string                  `json:"order_id"`
	Events  []TimelineEventResponse `json:"events"`
}

// PaymentResponse: ответ на запуск оплаты.
type PaymentResponse struct {
	OrderID           string `json:"order_id"`
	ProviderReference string `json:"provider_reference"`
	PaymentURL        string `json:"payment_url,omitempty"`
	Outcome           string `json:"outcome"`
}

func toPackResponse(p domain.Pack) PackResponse {
	return PackResponse{
		ID:                       p.ID,
		BusinessID:               p.BusinessID,
		Title:                    p.Title,
		Stock:                    p.Stock,
		Active:                   p.Active,
		UnitOriginalPriceMinor:   p.OriginalPriceMinor,
		UnitDiscountedPriceMinor: p.DiscountedPriceMinor,
		Currency:                 p.Currency,
		PickupStart:              p.PickupStart,
		PickupEnd:                p.PickupEnd,
		CreatedAt:                p.CreatedAt,
	}
}

// toOrderResponse показывает QR-токен только владельцу заказа.
func toOrderResponse(o domain.Order, session domain.Session) OrderResponse {
	resp := OrderResponse{
		ID:                       o.ID,
		UserID:                   o.UserID,
		PackID:                   o.PackID,
		BusinessID:               o.BusinessID,
		Quantity:                 o.Quantity,
		UnitDiscountedPriceMinor: o.UnitDiscountedPriceMinor,
		UnitOriginalPriceMinor:   o.UnitOriginalPriceMinor,
		TotalPriceMinor:          o.TotalPriceMinor,
		DiscountAmountMinor:      o.DiscountAmountMinor,
		Currency:                 o.Currency,
		FulfillmentStatus:        string(o.FulfillmentStatus),
		PaymentStatus:            string(o.PaymentStatus),
		PaymentMethod:            o.PaymentMethod,
		PaymentReference:         o.PaymentReference,
		CancelReason:             o.CancelReason,
		RedeemedAt:               o.RedeemedAt,
		PaidAt:                   o.PaidAt,
		CanceledAt:               o.CanceledAt,
		CreatedAt:                o.CreatedAt,
		UpdatedAt:                o.UpdatedAt,
		Version:                  o.Version,
	}
	if session.OwnsOrder(o) {
		resp.QRToken = o.QRToken
		resp.QRExpiresAt = o.QRExpiresAt
	}
	return resp
}

func toOrderList(orders []domain.Order, session domain.Session) OrderListResponse {
	resp := OrderListResponse{Orders: make([]OrderResponse, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(o, session))
	}
	return resp
}

func toTimelineResponse(orderID string, events []domain.TimelineEvent) TimelineResponse {
	resp := TimelineResponse{OrderID: orderID, Events: make([]TimelineEventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, TimelineEventResponse{
			Type:              e.Type,
			Reason:            e.Reason,
			FulfillmentStatus: string(e.FulfillmentStatus),
			PaymentStatus:     string(e.PaymentStatus),
			Occurred:          e.Occurred,
		})
	}
	return resp
}
