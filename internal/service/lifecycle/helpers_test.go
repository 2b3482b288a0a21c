package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/qrtoken"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/payment"
	"github.com/vladislavdragonenkov/rescuebag/internal/storage/memory"
	"github.com/vladislavdragonenkov/rescuebag/internal/watch"
)

var (
	testNow      = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	userSession  = domain.Session{UserID: "user-1"}
	otherUser    = domain.Session{UserID: "user-2"}
	bizSession   = domain.Session{BusinessID: "biz-1"}
	otherBizSess = domain.Session{BusinessID: "biz-2"}
)

type testEnv struct {
	svc      *Service
	store    domain.OrderStore
	provider *payment.MockProvider
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	hub      *watch.MemoryHub
	clock    *clock.Fake
	codec    *qrtoken.Codec
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "lifecycle-test")
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, memory.NewOrderStore())
}

func newTestEnvWithStore(t *testing.T, store domain.OrderStore) *testEnv {
	t.Helper()

	clk := clock.NewFake(testNow)
	codec, err := qrtoken.NewCodec([]byte("0123456789abcdef0123456789abcdef"), clk)
	require.NoError(t, err)

	env := &testEnv{
		store:    store,
		provider: payment.NewMockProvider(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		hub:      watch.NewMemoryHub(0),
		clock:    clk,
		codec:    codec,
	}

	svc, err := New(Dependencies{
		Store:      store,
		Outbox:     env.outbox,
		Timeline:   env.timeline,
		Payments:   env.provider,
		Tokens:     codec,
		Publisher:  env.hub,
		Subscriber: env.hub,
		Clock:      clk,
		Logger:     quietLogger(),
	}, Config{QRTokenTTL: time.Hour, Retry: fastRetry()})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) seedPack(t *testing.T, stock int32) domain.Pack {
	t.Helper()

	pack, err := e.svc.CreatePack(context.Background(), bizSession, domain.Pack{
		ID:                   "pack-1",
		Title:                "Bakery bag",
		Stock:                stock,
		Active:               true,
		OriginalPriceMinor:   1500,
		DiscountedPriceMinor: 500,
		Currency:             "EUR",
		PickupStart:          testNow,
		PickupEnd:            testNow.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	return pack
}

func (e *testEnv) createOrder(t *testing.T, qty int32) domain.Order {
	t.Helper()

	order, err := e.svc.Create(context.Background(), userSession, CreateOrderRequest{PackID: "pack-1", Quantity: qty})
	require.NoError(t, err)
	return order
}

func (e *testEnv) pay(t *testing.T, order domain.Order, ref string) domain.Order {
	t.Helper()

	paid, err := e.svc.ApplyPaymentOutcome(context.Background(), order.ID, domain.PaymentAttempt{
		ProviderReference: ref,
		Outcome:           domain.OutcomeSuccess,
		AmountMinor:       order.TotalPriceMinor,
		Source:            domain.SourceWebhook,
	})
	require.NoError(t, err)
	return paid
}

func (e *testEnv) readyOrder(t *testing.T) domain.Order {
	t.Helper()

	order := e.pay(t, e.createOrder(t, 1), "ref-ready")
	ctx := context.Background()
	order, err := e.svc.Advance(ctx, bizSession, order.ID, domain.FulfillmentPreparing)
	require.NoError(t, err)
	order, err = e.svc.Advance(ctx, bizSession, order.ID, domain.FulfillmentReady)
	require.NoError(t, err)
	return order
}

func (e *testEnv) stock(t *testing.T) int32 {
	t.Helper()

	pack, err := e.store.GetPack(context.Background(), "pack-1")
	require.NoError(t, err)
	return pack.Stock
}

func (e *testEnv) eventTypes(orderID string) []string {
	var types []string
	for _, msg := range e.outbox.AllPending() {
		if msg.AggregateID == orderID {
			types = append(types, msg.EventType)
		}
	}
	return types
}

func decodePayload(t *testing.T, msg domain.OutboxMessage) map[string]interface{} {
	t.Helper()

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload
}

// conflictingStore отдаёт конфликт версий на первые failures вызовов UpdateOrder.
type conflictingStore struct {
	domain.OrderStore

	mu       sync.Mutex
	failures int
	calls    int
}

func (s *conflictingStore) UpdateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}
	return s.OrderStore.UpdateOrder(ctx, order)
}

// flakyStore отдаёт ErrStoreUnavailable на первые failures вызовов GetOrder.
type flakyStore struct {
	domain.OrderStore

	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return domain.Order{}, domain.ErrStoreUnavailable
	}
	return s.OrderStore.GetOrder(ctx, id)
}
