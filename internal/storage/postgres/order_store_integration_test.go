package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

func seedIntegrationPack(t *testing.T, store domain.OrderStore, stock int32) domain.Pack {
	t.Helper()
	pack, err := store.CreatePack(context.Background(), domain.Pack{
		ID:                   uuid.NewString(),
		BusinessID:           "biz-1",
		Title:                "Bakery surprise",
		Stock:                stock,
		Active:               true,
		OriginalPriceMinor:   1500,
		DiscountedPriceMinor: 500,
		Currency:             "EUR",
	})
	require.NoError(t, err)
	return pack
}

func TestOrderStore_PostgresNoOversell(t *testing.T) {
	orders := NewOrderStore(openPostgresStoreForIntegrationTest(t))
	pack := seedIntegrationPack(t, orders, 5)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
		soldOut atomic.Int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := domain.NewOrderSnapshot(uuid.NewString(), fmt.Sprintf("user-%d", i), pack, 1, "", time.Now().UTC())
			_, _, err := orders.CreateOrderAtomic(context.Background(), order)
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(5), success.Load())
	require.Equal(t, int32(25), soldOut.Load())

	stored, err := orders.GetPack(context.Background(), pack.ID)
	require.NoError(t, err)
	require.Equal(t, int32(0), stored.Stock)
}

func TestOrderStore_PostgresIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderStore(openPostgresStoreForIntegrationTest(t))
	pack := seedIntegrationPack(t, orders, 5)

	first, created, err := orders.CreateOrderAtomic(ctx, domain.NewOrderSnapshot(uuid.NewString(), "user-1", pack, 2, "idem-1", time.Now().UTC()))
	require.NoError(t, err)
	require.True(t, created)

	replay, created, err := orders.CreateOrderAtomic(ctx, domain.NewOrderSnapshot(uuid.NewString(), "user-1", pack, 2, "idem-1", time.Now().UTC()))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, replay.ID)

	stored, err := orders.GetPack(ctx, pack.ID)
	require.NoError(t, err)
	require.Equal(t, int32(3), stored.Stock)
}

func TestOrderStore_PostgresLifecycleAndRedeemOnce(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderStore(openPostgresStoreForIntegrationTest(t))
	pack := seedIntegrationPack(t, orders, 2)

	order, _, err := orders.CreateOrderAtomic(ctx, domain.NewOrderSnapshot(uuid.NewString(), "user-1", pack, 1, "", time.Now().UTC()))
	require.NoError(t, err)

	paidAt := time.Now().UTC().Round(time.Microsecond)
	expires := paidAt.Add(time.Hour)
	order.PaymentStatus = domain.PaymentPaid
	order.FulfillmentStatus = domain.FulfillmentConfirmed
	order.PaidAt = &paidAt
	order.QRToken = "token"
	order.QRExpiresAt = &expires
	order, err = orders.UpdateOrder(ctx, order)
	require.NoError(t, err)
	require.Equal(t, int64(2), order.Version)

	stale := order
	stale.Version = 1
	_, err = orders.UpdateOrder(ctx, stale)
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)

	_, err = orders.RedeemOrder(ctx, order.ID, time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrNotReadyForPickup)

	order.FulfillmentStatus = domain.FulfillmentReady
	order, err = orders.UpdateOrder(ctx, order)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		redeemed atomic.Int32
		repeated atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orders.RedeemOrder(ctx, order.ID, time.Now().UTC())
			switch {
			case err == nil:
				redeemed.Add(1)
			case errors.Is(err, domain.ErrAlreadyRedeemed):
				repeated.Add(1)
			default:
				t.Errorf("unexpected redeem error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), redeemed.Load())
	require.Equal(t, int32(9), repeated.Load())

	final, err := orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.FulfillmentPickedUp, final.FulfillmentStatus)
	require.True(t, final.Redeemed())

	_, err = orders.UpdateOrder(ctx, final)
	require.ErrorIs(t, err, domain.ErrAlreadyRedeemed)
}

func TestOrderStore_PostgresCancelRestoresStock(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderStore(openPostgresStoreForIntegrationTest(t))
	pack := seedIntegrationPack(t, orders, 3)

	order, _, err := orders.CreateOrderAtomic(ctx, domain.NewOrderSnapshot(uuid.NewString(), "user-1", pack, 2, "", time.Now().UTC()))
	require.NoError(t, err)

	now := time.Now().UTC()
	order.FulfillmentStatus = domain.FulfillmentCanceled
	order.CancelReason = "changed my mind"
	order.CanceledAt = &now
	_, err = orders.CancelOrderAtomic(ctx, order)
	require.NoError(t, err)

	stored, err := orders.GetPack(ctx, pack.ID)
	require.NoError(t, err)
	require.Equal(t, int32(3), stored.Stock)

	order.Version++
	_, err = orders.CancelOrderAtomic(ctx, order)
	require.ErrorIs(t, err, domain.ErrAlreadyCanceled)

	awaiting, err := orders.ListOrdersAwaitingPayment(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, awaiting)
}

func TestPaymentAttemptRepository_PostgresDedup(t *testing.T) {
	ctx := context.Background()
	store := openPostgresStoreForIntegrationTest(t)
	orders := NewOrderStore(store)
	attempts := NewPaymentAttemptRepository(store)
	pack := seedIntegrationPack(t, orders, 1)

	order, _, err := orders.CreateOrderAtomic(ctx, domain.NewOrderSnapshot(uuid.NewString(), "user-1", pack, 1, "", time.Now().UTC()))
	require.NoError(t, err)

	attempt := domain.PaymentAttempt{
		OrderID:           order.ID,
		Method:            "card",
		ProviderReference: "ref-1",
		Outcome:           domain.OutcomeSuccess,
		AmountMinor:       order.TotalPriceMinor,
		Source:            domain.SourceWebhook,
		ReceivedAt:        time.Now().UTC(),
	}
	_, err = attempts.Record(ctx, attempt)
	require.NoError(t, err)
	_, err = attempts.Record(ctx, attempt)
	require.ErrorIs(t, err, domain.ErrDuplicateAttempt)

	list, err := attempts.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestOrderStore_PostgresListOrdersAwaitingRefund(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderStore(openPostgresStoreForIntegrationTest(t))
	pack := seedIntegrationPack(t, orders, 3)

	order, _, err := orders.CreateOrderAtomic(ctx, domain.NewOrderSnapshot(uuid.NewString(), "user-1", pack, 1, "", time.Now().UTC()))
	require.NoError(t, err)

	now := time.Now().UTC()
	order.PaymentStatus = domain.PaymentPaid
	order.PaymentReference = "ref-" + order.ID
	order.PaidAt = &now
	order.FulfillmentStatus = domain.FulfillmentCanceled
	order.CanceledAt = &now
	canceled, err := orders.CancelOrderAtomic(ctx, order)
	require.NoError(t, err)

	pending, err := orders.ListOrdersAwaitingRefund(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, orderIDs(pending), canceled.ID)

	canceled.PaymentStatus = domain.PaymentRefunded
	_, err = orders.UpdateOrder(ctx, canceled)
	require.NoError(t, err)

	pending, err = orders.ListOrdersAwaitingRefund(ctx, 0)
	require.NoError(t, err)
	require.NotContains(t, orderIDs(pending), canceled.ID)
}

func orderIDs(orders []domain.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	return ids
}
