package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

var orderColumnNames = []string{
	"id", "user_id", "pack_id", "business_id", "quantity",
	"unit_discounted_price_minor", "unit_original_price_minor", "total_price_minor",
	"discount_amount_minor", "currency", "fulfillment_status", "payment_status",
	"qr_token", "qr_expires_at", "payment_method", "payment_reference", "idempotency_key",
	"cancel_reason", "redeemed_at", "paid_at", "canceled_at", "created_at", "updated_at", "version",
}

func newMockOrderStore(t *testing.T) (domain.OrderStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewOrderStore(NewStoreFromDB(db)), mock
}

func sampleSnapshot(idemKey string) domain.Order {
	pack := domain.Pack{
		ID:                   "pack-1",
		BusinessID:           "biz-1",
		Stock:                5,
		Active:               true,
		OriginalPriceMinor:   1500,
		DiscountedPriceMinor: 500,
		Currency:             "EUR",
	}
	return domain.NewOrderSnapshot("order-1", "user-1", pack, 2, idemKey, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func orderRows(orders ...domain.Order) *sqlmock.Rows {
	rows := sqlmock.NewRows(orderColumnNames)
	for _, o := range orders {
		rows.AddRow(
			o.ID, o.UserID, o.PackID, o.BusinessID, int64(o.Quantity),
			o.UnitDiscountedPriceMinor, o.UnitOriginalPriceMinor, o.TotalPriceMinor,
			o.DiscountAmountMinor, o.Currency, string(o.FulfillmentStatus), string(o.PaymentStatus),
			o.QRToken, rowTime(o.QRExpiresAt), o.PaymentMethod, o.PaymentReference, rowString(o.IdempotencyKey),
			o.CancelReason, rowTime(o.RedeemedAt), rowTime(o.PaidAt), rowTime(o.CanceledAt),
			o.CreatedAt, o.UpdatedAt, o.Version,
		)
	}
	return rows
}

func rowTime(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return *t
}

func rowString(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}

func TestOrderStore_CreateOrderAtomicCommits(t *testing.T) {
	store, mock := newMockOrderStore(t)
	order := sampleSnapshot("idem-1")
	stored := order
	stored.Version = 1

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT active, stock FROM packs WHERE id = \$1 FOR UPDATE`).
		WithArgs("pack-1").
		WillReturnRows(sqlmock.NewRows([]string{"active", "stock"}).AddRow(true, int64(5)))
	mock.ExpectQuery(`WHERE user_id = \$1 AND idempotency_key = \$2`).
		WithArgs("user-1", "idem-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE packs SET stock = stock - \$1`).
		WithArgs(int32(2), "pack-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO orders`).
		WillReturnRows(orderRows(stored))
	mock.ExpectCommit()

	created, isNew, err := store.CreateOrderAtomic(context.Background(), order)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, int64(1), created.Version)
	require.Equal(t, domain.FulfillmentCreated, created.FulfillmentStatus)
	require.Equal(t, "idem-1", created.IdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStore_CreateOrderAtomicInsufficientStock(t *testing.T) {
	store, mock := newMockOrderStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"active", "stock"}).AddRow(true, int64(1)))
	mock.ExpectRollback()

	_, _, err := store.CreateOrderAtomic(context.Background(), sampleSnapshot(""))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStore_CreateOrderAtomicReplaysIdempotentRequest(t *testing.T) {
	store, mock := newMockOrderStore(t)
	existing := sampleSnapshot("idem-1")
	existing.ID = "order-original"
	existing.Version = 3

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"active", "stock"}).AddRow(true, int64(0)))
	mock.ExpectQuery(`WHERE user_id = \$1 AND idempotency_key = \$2`).
		WillReturnRows(orderRows(existing))
	mock.ExpectRollback()

	got, isNew, err := store.CreateOrderAtomic(context.Background(), sampleSnapshot("idem-1"))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, "order-original", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStore_CreateOrderAtomicConcurrentIdempotencyRace(t *testing.T) {
	store, mock := newMockOrderStore(t)
	winner := sampleSnapshot("idem-1")
	winner.ID = "order-winner"
	winner.Version = 1

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"active", "stock"}).AddRow(true, int64(5)))
	mock.ExpectQuery(`WHERE user_id = \$1 AND idempotency_key = \$2`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE packs SET stock = stock - \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO orders`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode, ConstraintName: idempotencyIndexName})
	mock.ExpectRollback()
	mock.ExpectQuery(`WHERE user_id = \$1 AND idempotency_key = \$2`).
		WithArgs("user-1", "idem-1").
		WillReturnRows(orderRows(winner))

	got, isNew, err := store.CreateOrderAtomic(context.Background(), sampleSnapshot("idem-1"))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, "order-winner", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStore_CreateOrderAtomicUnknownPack(t *testing.T) {
	store, mock := newMockOrderStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.CreateOrderAtomic(context.Background(), sampleSnapshot(""))
	require.ErrorIs(t, err, domain.ErrPackNotFound)
}

func TestOrderStore_UpdateOrderClassifiesMiss(t *testing.T) {
	tests := []struct {
		name     string
		redeemed bool
		missing  bool
		want     error
	}{
		{name: "stale version", want: domain.ErrOrderVersionConflict},
		{name: "already redeemed", redeemed: true, want: domain.ErrAlreadyRedeemed},
		{name: "missing order", missing: true, want: domain.ErrOrderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockOrderStore(t)
			order := sampleSnapshot("")
			order.Version = 2
			order.FulfillmentStatus = domain.FulfillmentConfirmed

			mock.ExpectQuery(`UPDATE orders`).
				WillReturnRows(sqlmock.NewRows(orderColumnNames))
			check := mock.ExpectQuery(`SELECT redeemed_at IS NOT NULL FROM orders WHERE id = \$1`).
				WithArgs(order.ID)
			if tt.missing {
				check.WillReturnError(sql.ErrNoRows)
			} else {
				check.WillReturnRows(sqlmock.NewRows([]string{"redeemed"}).AddRow(tt.redeemed))
			}

			_, err := store.UpdateOrder(context.Background(), order)
			require.ErrorIs(t, err, tt.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestOrderStore_UpdateOrderBumpsVersion(t *testing.T) {
	store, mock := newMockOrderStore(t)
	order := sampleSnapshot("")
	order.Version = 1
	order.FulfillmentStatus = domain.FulfillmentConfirmed

	stored := order
	stored.Version = 2
	mock.ExpectQuery(`UPDATE orders`).
		WithArgs(order.ID, int64(1), "CONFIRMED", "PENDING",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(orderRows(stored))

	got, err := store.UpdateOrder(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, domain.FulfillmentConfirmed, got.FulfillmentStatus)
}

func TestOrderStore_CancelOrderAtomicRestoresStock(t *testing.T) {
	store, mock := newMockOrderStore(t)
	now := time.Now().UTC()
	order := sampleSnapshot("")
	order.Version = 1
	order.FulfillmentStatus = domain.FulfillmentCanceled
	order.CancelReason = "changed my mind"
	order.CanceledAt = &now

	stored := order
	stored.Version = 2

	mock.ExpectBegin()
	mock.ExpectQuery(`fulfillment_status <> 'CANCELED'`).
		WillReturnRows(orderRows(stored))
	mock.ExpectExec(`UPDATE packs SET stock = stock \+ \$1`).
		WithArgs(int32(2), "pack-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := store.CancelOrderAtomic(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, domain.FulfillmentCanceled, got.FulfillmentStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStore_CancelOrderAtomicRejectsNonCanceledStatus(t *testing.T) {
	store, mock := newMockOrderStore(t)

	_, err := store.CancelOrderAtomic(context.Background(), sampleSnapshot(""))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStore_CancelOrderAtomicAlreadyCanceled(t *testing.T) {
	store, mock := newMockOrderStore(t)
	order := sampleSnapshot("")
	order.FulfillmentStatus = domain.FulfillmentCanceled

	mock.ExpectBegin()
	mock.ExpectQuery(`fulfillment_status <> 'CANCELED'`).
		WillReturnRows(sqlmock.NewRows(orderColumnNames))
	mock.ExpectQuery(`SELECT fulfillment_status, redeemed_at IS NOT NULL FROM orders`).
		WillReturnRows(sqlmock.NewRows([]string{"fulfillment_status", "redeemed"}).AddRow("CANCELED", false))
	mock.ExpectRollback()

	_, err := store.CancelOrderAtomic(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrAlreadyCanceled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStore_RedeemOrderCompareAndSwap(t *testing.T) {
	at := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	t.Run("first scan wins", func(t *testing.T) {
		store, mock := newMockOrderStore(t)
		redeemed := sampleSnapshot("")
		redeemed.FulfillmentStatus = domain.FulfillmentPickedUp
		redeemed.PaymentStatus = domain.PaymentPaid
		redeemed.RedeemedAt = &at
		redeemed.Version = 5

		mock.ExpectQuery(`SET redeemed_at = \$2`).
			WithArgs("order-1", sqlmock.AnyArg()).
			WillReturnRows(orderRows(redeemed))

		got, err := store.RedeemOrder(context.Background(), "order-1", at)
		require.NoError(t, err)
		require.True(t, got.Redeemed())
		require.Equal(t, domain.FulfillmentPickedUp, got.FulfillmentStatus)
	})

	t.Run("second scan reports already redeemed", func(t *testing.T) {
		store, mock := newMockOrderStore(t)
		current := sampleSnapshot("")
		current.FulfillmentStatus = domain.FulfillmentPickedUp
		current.PaymentStatus = domain.PaymentPaid
		current.RedeemedAt = &at

		mock.ExpectQuery(`SET redeemed_at = \$2`).
			WillReturnRows(sqlmock.NewRows(orderColumnNames))
		mock.ExpectQuery(`SELECT .+ FROM orders WHERE id = \$1`).
			WithArgs("order-1").
			WillReturnRows(orderRows(current))

		_, err := store.RedeemOrder(context.Background(), "order-1", at)
		require.ErrorIs(t, err, domain.ErrAlreadyRedeemed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not ready", func(t *testing.T) {
		store, mock := newMockOrderStore(t)
		current := sampleSnapshot("")
		current.FulfillmentStatus = domain.FulfillmentPreparing

		mock.ExpectQuery(`SET redeemed_at = \$2`).
			WillReturnRows(sqlmock.NewRows(orderColumnNames))
		mock.ExpectQuery(`SELECT .+ FROM orders WHERE id = \$1`).
			WillReturnRows(orderRows(current))

		_, err := store.RedeemOrder(context.Background(), "order-1", at)
		require.ErrorIs(t, err, domain.ErrNotReadyForPickup)
	})
}

func TestOrderStore_InfrastructureErrorsAreRetryable(t *testing.T) {
	store, mock := newMockOrderStore(t)
	mock.ExpectQuery(`FROM orders WHERE id = \$1`).WillReturnError(errors.New("connection reset"))

	_, err := store.GetOrder(context.Background(), "order-1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.True(t, domain.IsRetryable(err))
}

func TestOrderStore_CorruptStatusIsNotRetryable(t *testing.T) {
	store, mock := newMockOrderStore(t)
	broken := sampleSnapshot("")
	broken.FulfillmentStatus = "SHIPPED"

	mock.ExpectQuery(`FROM orders`).WillReturnRows(orderRows(broken))

	_, err := store.ListOrdersByUser(context.Background(), "user-1", 10)
	require.ErrorIs(t, err, domain.ErrUnknownStatus)
	require.False(t, domain.IsRetryable(err))
}

func TestOrderStore_DecrementPackStockDistinguishesMissingPack(t *testing.T) {
	store, mock := newMockOrderStore(t)

	mock.ExpectQuery(`WHERE id = \$2 AND stock >= \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FROM packs WHERE id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.DecrementPackStock(context.Background(), "missing", 1)
	require.ErrorIs(t, err, domain.ErrPackNotFound)

	_, err = store.DecrementPackStock(context.Background(), "pack-1", 0)
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)
}
