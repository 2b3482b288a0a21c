package redemption

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
	"github.com/vladislavdragonenkov/rescuebag/internal/qrtoken"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/payment"
	"github.com/vladislavdragonenkov/rescuebag/internal/storage/memory"
)

var (
	owner    = domain.Session{UserID: "user-1"}
	business = domain.Session{BusinessID: "biz-1"}
	codecKey = []byte("0123456789abcdef0123456789abcdef")
)

type fixture struct {
	verifier *Verifier
	orders   *lifecycle.Service
	clock    *clock.Fake
	codec    *qrtoken.Codec
	spans    *tracetest.SpanRecorder
	registry *prometheus.Registry
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "redemption-test")
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC))
	codec, err := qrtoken.NewCodec(codecKey, clk)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	orderMetrics := metrics.NewOrderMetricsWithRegisterer(registry)

	orders, err := lifecycle.New(lifecycle.Dependencies{
		Store:    memory.NewOrderStore(),
		Payments: payment.NewMockProvider(),
		Tokens:   codec,
		Clock:    clk,
		Metrics:  orderMetrics,
		Logger:   quietLogger(),
	}, lifecycle.Config{QRTokenTTL: time.Hour})
	require.NoError(t, err)

	spans := tracetest.NewSpanRecorder()
	verifier, err := New(Dependencies{
		Tokens:  codec,
		Orders:  orders,
		Metrics: orderMetrics,
		Logger:  quietLogger(),
		Tracer:  sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
	})
	require.NoError(t, err)

	_, err = orders.CreatePack(context.Background(), business, domain.Pack{
		ID: "pack-1", Stock: 5, Active: true,
		OriginalPriceMinor: 1500, DiscountedPriceMinor: 500, Currency: "EUR",
	})
	require.NoError(t, err)

	return &fixture{verifier: verifier, orders: orders, clock: clk, codec: codec, spans: spans, registry: registry}
}

// paidOrder создаёт оплаченный заказ и продвигает его до статуса to.
func (f *fixture) paidOrder(t *testing.T, to domain.FulfillmentStatus) domain.Order {
	t.Helper()
	ctx := context.Background()

	order, err := f.orders.Create(ctx, owner, lifecycle.CreateOrderRequest{PackID: "pack-1", Quantity: 1})
	require.NoError(t, err)
	order, err = f.orders.ApplyPaymentOutcome(ctx, order.ID, domain.PaymentAttempt{
		ProviderReference: "ref-" + order.ID,
		Outcome:           domain.OutcomeSuccess,
	})
	require.NoError(t, err)
	require.NotEmpty(t, order.QRToken)

	for _, next := range []domain.FulfillmentStatus{domain.FulfillmentPreparing, domain.FulfillmentReady} {
		if order.FulfillmentStatus == to {
			break
		}
		order, err = f.orders.Advance(ctx, business, order.ID, next)
		require.NoError(t, err)
	}
	require.Equal(t, to, order.FulfillmentStatus)
	return order
}

func TestRedeem_HappyPathThenAlreadyRedeemed(t *testing.T) {
	f := newFixture(t)
	order := f.paidOrder(t, domain.FulfillmentReady)

	f.clock.Advance(1000 * time.Second)
	redeemed, err := f.verifier.Redeem(context.Background(), order.QRToken, "biz-1")
	require.NoError(t, err)
	require.Equal(t, domain.FulfillmentPickedUp, redeemed.FulfillmentStatus)
	require.NotNil(t, redeemed.RedeemedAt)
	require.Equal(t, f.clock.Now(), *redeemed.RedeemedAt)
	require.Equal(t, order.QRToken, redeemed.QRToken)

	_, err = f.verifier.Redeem(context.Background(), order.QRToken, "biz-1")
	require.ErrorIs(t, err, domain.ErrAlreadyRedeemed)

	stored, err := f.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, *redeemed.RedeemedAt, *stored.RedeemedAt)
	require.Equal(t, redeemed.Version, stored.Version)
}

func TestRedeem_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	order := f.paidOrder(t, domain.FulfillmentReady)

	f.clock.Advance(time.Hour + time.Second)
	_, err := f.verifier.Redeem(context.Background(), order.QRToken, "biz-1")
	require.ErrorIs(t, err, domain.ErrTokenExpired)

	stored, err := f.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Nil(t, stored.RedeemedAt)
}

func TestRedeem_ConcurrentScansRedeemExactlyOnce(t *testing.T) {
	f := newFixture(t)
	order := f.paidOrder(t, domain.FulfillmentReady)

	const scanners = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.verifier.Redeem(context.Background(), order.QRToken, "biz-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			others = append(others, err)
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Len(t, others, scanners-1)
	for _, err := range others {
		require.ErrorIs(t, err, domain.ErrAlreadyRedeemed)
	}
}

func TestRedeem_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ready := f.paidOrder(t, domain.FulfillmentReady)
	confirmed := f.paidOrder(t, domain.FulfillmentConfirmed)
	preparing := f.paidOrder(t, domain.FulfillmentPreparing)

	canceled := f.paidOrder(t, domain.FulfillmentReady)
	staleToken := canceled.QRToken
	_, err := f.orders.Cancel(ctx, owner, canceled.ID, "changed plans")
	require.NoError(t, err)

	foreignCodec, err := qrtoken.NewCodec([]byte("another-key-another-key-another!!"), f.clock)
	require.NoError(t, err)
	forged, err := foreignCodec.Issue(ready.ID, ready.UserID, ready.BusinessID, time.Hour)
	require.NoError(t, err)

	missing, err := f.codec.Issue("missing-order", "user-1", "biz-1", time.Hour)
	require.NoError(t, err)

	wrongUser, err := f.codec.Issue(ready.ID, "user-9", ready.BusinessID, time.Hour)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	reissued, err := f.codec.Issue(ready.ID, ready.UserID, ready.BusinessID, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		business string
		want     error
	}{
		{name: "malformed", token: "not-a-token", business: "biz-1", want: domain.ErrTokenMalformed},
		{name: "empty token", token: "", business: "biz-1", want: domain.ErrTokenMalformed},
		{name: "signed with another key", token: forged.Value, business: "biz-1", want: domain.ErrTokenTampered},
		{name: "not issued for order", token: reissued.Value, business: "biz-1", want: domain.ErrTokenTampered},
		{name: "foreign user", token: wrongUser.Value, business: "biz-1", want: domain.ErrTokenTampered},
		{name: "scanned by another business", token: ready.QRToken, business: "biz-2", want: domain.ErrBusinessMismatch},
		{name: "no scanning business", token: ready.QRToken, business: "", want: domain.ErrBusinessRequired},
		{name: "unknown order", token: missing.Value, business: "biz-1", want: domain.ErrOrderNotFound},
		{name: "confirmed", token: confirmed.QRToken, business: "biz-1", want: domain.ErrNotReadyForPickup},
		{name: "preparing", token: preparing.QRToken, business: "biz-1", want: domain.ErrNotReadyForPickup},
		{name: "canceled", token: staleToken, business: "biz-1", want: domain.ErrAlreadyCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.verifier.Redeem(ctx, tt.token, tt.business)
			require.ErrorIs(t, err, tt.want)
		})
	}

	stored, err := f.orders.Get(ctx, ready.ID)
	require.NoError(t, err)
	require.Nil(t, stored.RedeemedAt)
	require.Equal(t, domain.FulfillmentReady, stored.FulfillmentStatus)
}

func TestRedeemOrder_RejectsTokenOfAnotherOrder(t *testing.T) {
	f := newFixture(t)
	first := f.paidOrder(t, domain.FulfillmentReady)
	second := f.paidOrder(t, domain.FulfillmentReady)

	_, err := f.verifier.RedeemOrder(context.Background(), second.ID, first.QRToken, "biz-1")
	require.ErrorIs(t, err, domain.ErrTokenTampered)

	untouched, err := f.orders.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Nil(t, untouched.RedeemedAt)

	redeemed, err := f.verifier.RedeemOrder(context.Background(), second.ID, second.QRToken, "biz-1")
	require.NoError(t, err)
	require.Equal(t, second.ID, redeemed.ID)
	require.Equal(t, domain.FulfillmentPickedUp, redeemed.FulfillmentStatus)
}

func TestRedeem_RecordsSpans(t *testing.T) {
	f := newFixture(t)
	order := f.paidOrder(t, domain.FulfillmentReady)

	_, err := f.verifier.Redeem(context.Background(), order.QRToken, "biz-2")
	require.Error(t, err)
	_, err = f.verifier.Redeem(context.Background(), order.QRToken, "biz-1")
	require.NoError(t, err)

	ended := f.spans.Ended()
	require.Len(t, ended, 2)

	failed := ended[0]
	require.Equal(t, "Redeem", failed.Name())
	require.Equal(t, codes.Error, failed.Status().Code)
	require.NotEmpty(t, failed.Events())

	succeeded := ended[1]
	require.Equal(t, codes.Unset, succeeded.Status().Code)
	attrs := map[string]string{}
	for _, kv := range succeeded.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, order.ID, attrs["order_id"])
	require.Equal(t, "biz-1", attrs["business_id"])
	require.Equal(t, string(domain.FulfillmentPickedUp), attrs["fulfillment_status"])
}

func TestRedeem_CountsResults(t *testing.T) {
	f := newFixture(t)
	order := f.paidOrder(t, domain.FulfillmentReady)

	_, _ = f.verifier.Redeem(context.Background(), "garbage", "biz-1")
	_, _ = f.verifier.Redeem(context.Background(), order.QRToken, "biz-2")
	_, _ = f.verifier.Redeem(context.Background(), order.QRToken, "biz-1")
	_, _ = f.verifier.Redeem(context.Background(), order.QRToken, "biz-1")

	count, err := testutil.GatherAndCount(f.registry, "rescuebag_redemptions_total")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

type failingOrders struct {
	Orders
	err error
}

func (o failingOrders) Get(context.Context, string) (domain.Order, error) {
	return domain.Order{}, o.err
}

func TestRedeem_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	order := f.paidOrder(t, domain.FulfillmentReady)

	verifier, err := New(Dependencies{
		Tokens: f.codec,
		Orders: failingOrders{err: domain.ErrStoreUnavailable},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	_, err = verifier.Redeem(context.Background(), order.QRToken, "biz-1")
	require.True(t, errors.Is(err, domain.ErrStoreUnavailable))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)

	codec, err := qrtoken.NewCodec(codecKey, clock.System{})
	require.NoError(t, err)
	_, err = New(Dependencies{Tokens: codec})
	require.Error(t, err)
}
