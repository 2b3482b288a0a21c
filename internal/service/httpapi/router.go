// Package httpapi: REST-поверхность сервиса на gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/lifecycle"
)

const (
	defaultServiceName    = "rescuebag"
	defaultWatchHeartbeat = 15 * time.Second
)

// Orders: операции жизненного цикла, доступные через API.
type Orders interface {
	CreatePack(ctx context.Context, session domain.Session, pack domain.Pack) (domain.Pack, error)
	GetPack(ctx context.Context, packID string) (domain.Pack, error)
	Create(ctx context.Context, session domain.Session, req lifecycle.CreateOrderRequest) (domain.Order, error)
	GetForSession(ctx context.Context, session domain.Session, orderID string) (domain.Order, error)
	ListForUser(ctx context.Context, session domain.Session, limit int) ([]domain.Order, error)
	ListForBusiness(ctx context.Context, session domain.Session, status domain.FulfillmentStatus, limit int) ([]domain.Order, error)
	Cancel(ctx context.Context, session domain.Session, orderID, reason string) (domain.Order, error)
	Advance(ctx context.Context, session domain.Session, orderID string, to domain.FulfillmentStatus) (domain.Order, error)
	Refund(ctx context.Context, session domain.Session, orderID string) (domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
	Watch(ctx context.Context, orderID string) (<-chan domain.Order, error)
}

// Payments: запуск оплаты и приём webhook провайдера.
type Payments interface {
	Initiate(ctx context.Context, session domain.Session, orderID, method string) (domain.Initiation, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) (domain.Order, error)
}

// Redeemer гасит QR-токен на стороне бизнеса.
type Redeemer interface {
	RedeemOrder(ctx context.Context, orderID, rawToken, scanningBusinessID string) (domain.Order, error)
}

// Dependencies: зависимости роутера. Idempotency, Health, Metrics, Tracer,
// Clock и Logger опциональны.
type Dependencies struct {
	Orders      Orders
	Payments    Payments
	Redeemer    Redeemer
	Idempotency domain.IdempotencyRepository
	Health      http.Handler
	Metrics     *metrics.HTTPMetrics
	Tracer      trace.TracerProvider
	Clock       clock.Clock
	Logger      *log.Entry
}

// Config параметры REST-слоя.
type Config struct {
	ServiceName    string
	IdempotencyTTL time.Duration
	WatchHeartbeat time.Duration
}

// Handler обслуживает маршруты /api/v1.
type Handler struct {
	orders    Orders
	payments  Payments
	redeemer  Redeemer
	logger    *log.Entry
	heartbeat time.Duration
}

// NewRouter собирает gin.Engine со всеми маршрутами и middleware.
func NewRouter(deps Dependencies, cfg Config) (*gin.Engine, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("httpapi: orders service is required")
	case deps.Payments == nil:
		return nil, errors.New("httpapi: payments service is required")
	case deps.Redeemer == nil:
		return nil, errors.New("httpapi: redeemer is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.New().WithField("component", "httpapi")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.WatchHeartbeat <= 0 {
		cfg.WatchHeartbeat = defaultWatchHeartbeat
	}

	h := &Handler{
		orders:    deps.Orders,
		payments:  deps.Payments,
		redeemer:  deps.Redeemer,
		logger:    deps.Logger,
		heartbeat: cfg.WatchHeartbeat,
	}
	idem := &idempotency{repo: deps.Idempotency, clock: deps.Clock, ttl: cfg.IdempotencyTTL, logger: deps.Logger}

	var tracingOpts []otelgin.Option
	if deps.Tracer != nil {
		tracingOpts = append(tracingOpts, otelgin.WithTracerProvider(deps.Tracer))
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(recoveryMiddleware(deps.Logger))
	router.Use(otelgin.Middleware(cfg.ServiceName, tracingOpts...))
	router.Use(loggingMiddleware(deps.Logger))
	router.Use(metricsMiddleware(deps.Metrics))
	router.Use(sessionMiddleware())

	router.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "not_found", "route not found")
	})
	router.NoMethod(func(c *gin.Context) {
		abortWithError(c, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	router.GET("/livez", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if deps.Health != nil {
		router.GET("/healthz", gin.WrapH(deps.Health))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/packs", requireBusiness(), h.createPack)
		v1.GET("/packs/:id", h.getPack)

		v1.POST("/orders", requireUser(), idem.middleware(), h.createOrder)
		v1.GET("/orders/:id", requireSession(), h.getOrder)
		v1.GET("/orders/:id/watch", requireSession(), h.watchOrder)
		v1.GET("/orders/:id/timeline", requireSession(), h.orderTimeline)
		v1.POST("/orders/:id/cancel", requireSession(), h.cancelOrder)
		v1.POST("/orders/:id/advance", requireBusiness(), h.advanceOrder)
		v1.POST("/orders/:id/refund", requireSession(), h.refundOrder)
		v1.POST("/orders/:id/redeem", requireBusiness(), h.redeemOrder)
		v1.POST("/redeem", requireBusiness(), h.redeem)

		v1.GET("/users/me/orders", requireUser(), h.listUserOrders)
		v1.GET("/businesses/me/orders", requireBusiness(), h.listBusinessOrders)

		v1.POST("/payments/create", requireUser(), idem.middleware(), h.createPayment)
		v1.POST("/payments/webhook", h.paymentWebhook)
	}

	return router, nil
}
