package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

const (
	packColumns = `id, business_id, title, stock, active, original_price_minor,
		discounted_price_minor, currency, pickup_start, pickup_end, created_at, updated_at`

	orderColumns = `id, user_id, pack_id, business_id, quantity,
		unit_discounted_price_minor, unit_original_price_minor, total_price_minor,
		discount_amount_minor, currency, fulfillment_status, payment_status,
		qr_token, qr_expires_at, payment_method, payment_reference, idempotency_key,
		cancel_reason, redeemed_at, paid_at, canceled_at, created_at, updated_at, version`

	idempotencyIndexName = "orders_user_idempotency_key_uidx"
)

type orderStore struct {
	db *sql.DB
}

// NewOrderStore создаёт PostgreSQL-реализацию OrderStore.
func NewOrderStore(store *Store) domain.OrderStore {
	return &orderStore{db: store.DB()}
}

func (s *orderStore) CreatePack(ctx context.Context, pack domain.Pack) (domain.Pack, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = now
	}
	pack.UpdatedAt = now

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO packs (`+packColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+packColumns,
		pack.ID, pack.BusinessID, pack.Title, pack.Stock, pack.Active,
		pack.OriginalPriceMinor, pack.DiscountedPriceMinor, pack.Currency,
		nullZeroTime(pack.PickupStart), nullZeroTime(pack.PickupEnd),
		pack.CreatedAt, pack.UpdatedAt,
	)
	created, err := scanPack(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Pack{}, domain.ErrPackAlreadyExists
		}
		return domain.Pack{}, unavailable("insert pack", err)
	}
	return created, nil
}

func (s *orderStore) GetPack(ctx context.Context, id string) (domain.Pack, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pack, err := scanPack(s.db.QueryRowContext(ctx, `SELECT `+packColumns+` FROM packs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pack{}, domain.ErrPackNotFound
		}
		return domain.Pack{}, unavailable("select pack", err)
	}
	return pack, nil
}

func (s *orderStore) IncrementPackStock(ctx context.Context, packID string, qty int32) (domain.Pack, error) {
	if qty <= 0 {
		return domain.Pack{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pack, err := scanPack(s.db.QueryRowContext(ctx, `
		UPDATE packs
		SET stock = stock + $1, updated_at = $3
		WHERE id = $2
		RETURNING `+packColumns, qty, packID, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pack{}, domain.ErrPackNotFound
		}
		return domain.Pack{}, unavailable("increment pack stock", err)
	}
	return pack, nil
}

func (s *orderStore) DecrementPackStock(ctx context.Context, packID string, qty int32) (domain.Pack, error) {
	if qty <= 0 {
		return domain.Pack{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pack, err := scanPack(s.db.QueryRowContext(ctx, `
		UPDATE packs
		SET stock = stock - $1, updated_at = $3
		WHERE id = $2 AND stock >= $1
		RETURNING `+packColumns, qty, packID, time.Now().UTC()))
	if err == nil {
		return pack, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Pack{}, unavailable("decrement pack stock", err)
	}

	// Ноль строк: либо пакета нет, либо стока не хватает.
	if _, getErr := s.GetPack(ctx, packID); getErr != nil {
		return domain.Pack{}, getErr
	}
	return domain.Pack{}, domain.ErrInsufficientStock
}

// CreateOrderAtomic блокирует строку пакета, чтобы проверка и списание стока
// не пересекались с параллельными резервами того же пакета.
func (s *orderStore) CreateOrderAtomic(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, false, unavailable("begin create order tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		active bool
		stock  int32
	)
	err = tx.QueryRowContext(ctx, `SELECT active, stock FROM packs WHERE id = $1 FOR UPDATE`, order.PackID).
		Scan(&active, &stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, false, domain.ErrPackNotFound
		}
		return domain.Order{}, false, unavailable("lock pack", err)
	}

	if order.IdempotencyKey != "" {
		existing, err := scanOrder(tx.QueryRowContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE user_id = $1 AND idempotency_key = $2
		`, order.UserID, order.IdempotencyKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, false, unavailable("lookup idempotent order", err)
		}
	}

	pack := domain.Pack{Active: active, Stock: stock}
	if err := pack.CanReserve(order.Quantity); err != nil {
		return domain.Order{}, false, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE packs SET stock = stock - $1, updated_at = $3
		WHERE id = $2 AND stock >= $1
	`, order.Quantity, order.PackID, now)
	if err != nil {
		return domain.Order{}, false, unavailable("decrement pack stock", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return domain.Order{}, false, unavailable("decrement pack stock rows", err)
	} else if affected == 0 {
		return domain.Order{}, false, domain.ErrInsufficientStock
	}

	order.Version = 1
	created, err := scanOrder(tx.QueryRowContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		RETURNING `+orderColumns, orderArgs(order)...))
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == idempotencyIndexName {
				// Параллельный запрос с тем же ключом успел раньше.
				_ = tx.Rollback()
				existing, getErr := s.findByIdempotencyKey(ctx, order.UserID, order.IdempotencyKey)
				if getErr != nil {
					return domain.Order{}, false, getErr
				}
				return existing, false, nil
			}
			return domain.Order{}, false, domain.ErrOrderAlreadyExists
		}
		return domain.Order{}, false, unavailable("insert order", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, false, unavailable("commit create order", err)
	}
	return created, true, nil
}

func (s *orderStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, unavailable("select order", err)
	}
	return order, nil
}

// UpdateOrder не трогает redeemed_at: его выставляет только RedeemOrder.
func (s *orderStore) UpdateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	updated, err := scanOrder(s.db.QueryRowContext(ctx, updateOrderSQL+`
		WHERE id = $1 AND version = $2 AND redeemed_at IS NULL
		RETURNING `+orderColumns, updateArgs(order)...))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, unavailable("update order", err)
	}
	return domain.Order{}, s.classifyUpdateMiss(ctx, s.db, order.ID)
}

func (s *orderStore) CancelOrderAtomic(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.FulfillmentStatus != domain.FulfillmentCanceled {
		return domain.Order{}, fmt.Errorf("%w: cancel requires CANCELED status, got %s", domain.ErrInvalidTransition, order.FulfillmentStatus)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, unavailable("begin cancel order tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	canceled, err := scanOrder(tx.QueryRowContext(ctx, updateOrderSQL+`
		WHERE id = $1 AND version = $2 AND redeemed_at IS NULL AND fulfillment_status <> 'CANCELED'
		RETURNING `+orderColumns, updateArgs(order)...))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, unavailable("cancel order", err)
		}
		return domain.Order{}, s.classifyCancelMiss(ctx, tx, order.ID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE packs SET stock = stock + $1, updated_at = $3 WHERE id = $2
	`, canceled.Quantity, canceled.PackID, time.Now().UTC()); err != nil {
		return domain.Order{}, unavailable("restore pack stock", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, unavailable("commit cancel order", err)
	}
	return canceled, nil
}

// RedeemOrder: compare-and-swap по redeemed_at: из параллельных вызовов проходит ровно один.
func (s *orderStore) RedeemOrder(ctx context.Context, orderID string, at time.Time) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	redeemed, err := scanOrder(s.db.QueryRowContext(ctx, `
		UPDATE orders
		SET redeemed_at = $2,
		    fulfillment_status = 'PICKED_UP',
		    updated_at = $2,
		    version = version + 1
		WHERE id = $1 AND redeemed_at IS NULL AND fulfillment_status = 'READY'
		RETURNING `+orderColumns, orderID, at.UTC()))
	if err == nil {
		return redeemed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, unavailable("redeem order", err)
	}

	current, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := current.CheckRedeemable(); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{}, domain.ErrOrderVersionConflict
}

func (s *orderStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2, 0)
	`, userID, limit)
}

func (s *orderStore) ListOrdersByBusiness(ctx context.Context, businessID string, status domain.FulfillmentStatus, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE business_id = $1 AND ($2 = '' OR fulfillment_status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($3, 0)
	`, businessID, string(status), limit)
}

func (s *orderStore) ListOrdersAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status IN ('PENDING','PROCESSING') AND fulfillment_status <> 'CANCELED'
		ORDER BY created_at ASC, id ASC
		LIMIT NULLIF($1, 0)
	`, limit)
}

func (s *orderStore) ListOrdersAwaitingRefund(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE fulfillment_status = 'CANCELED' AND payment_status = 'PAID'
		ORDER BY created_at ASC, id ASC
		LIMIT NULLIF($1, 0)
	`, limit)
}

func (s *orderStore) listOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list orders", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, unavailable("scan order row", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate order rows", err)
	}
	return orders, nil
}

func (s *orderStore) findByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, unavailable("select idempotent order", err)
	}
	return order, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *orderStore) classifyUpdateMiss(ctx context.Context, q queryRower, orderID string) error {
	var redeemed bool
	err := q.QueryRowContext(ctx, `SELECT redeemed_at IS NOT NULL FROM orders WHERE id = $1`, orderID).Scan(&redeemed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrOrderNotFound
	case err != nil:
		return unavailable("check order after update miss", err)
	case redeemed:
		return domain.ErrAlreadyRedeemed
	default:
		return domain.ErrOrderVersionConflict
	}
}

func (s *orderStore) classifyCancelMiss(ctx context.Context, q queryRower, orderID string) error {
	var (
		status   string
		redeemed bool
	)
	err := q.QueryRowContext(ctx, `
		SELECT fulfillment_status, redeemed_at IS NOT NULL FROM orders WHERE id = $1
	`, orderID).Scan(&status, &redeemed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrOrderNotFound
	case err != nil:
		return unavailable("check order after cancel miss", err)
	case domain.FulfillmentStatus(status) == domain.FulfillmentCanceled:
		return domain.ErrAlreadyCanceled
	case redeemed:
		return domain.ErrAlreadyFulfilled
	default:
		return domain.ErrOrderVersionConflict
	}
}

const updateOrderSQL = `
		UPDATE orders
		SET fulfillment_status = $3,
		    payment_status = $4,
		    qr_token = $5,
		    qr_expires_at = $6,
		    payment_method = $7,
		    payment_reference = $8,
		    cancel_reason = $9,
		    paid_at = $10,
		    canceled_at = $11,
		    updated_at = $12,
		    version = version + 1`

func updateArgs(o domain.Order) []any {
	return []any{
		o.ID, o.Version,
		string(o.FulfillmentStatus), string(o.PaymentStatus),
		o.QRToken, nullTime(o.QRExpiresAt),
		o.PaymentMethod, o.PaymentReference, o.CancelReason,
		nullTime(o.PaidAt), nullTime(o.CanceledAt),
		time.Now().UTC(),
	}
}

func orderArgs(o domain.Order) []any {
	return []any{
		o.ID, o.UserID, o.PackID, o.BusinessID, o.Quantity,
		o.UnitDiscountedPriceMinor, o.UnitOriginalPriceMinor, o.TotalPriceMinor,
		o.DiscountAmountMinor, o.Currency, string(o.FulfillmentStatus), string(o.PaymentStatus),
		o.QRToken, nullTime(o.QRExpiresAt), o.PaymentMethod, o.PaymentReference, nullString(o.IdempotencyKey),
		o.CancelReason, nullTime(o.RedeemedAt), nullTime(o.PaidAt), nullTime(o.CanceledAt),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(), o.Version,
	}
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                               domain.Order
		fulfillment, payment                string
		idemKey                             sql.NullString
		qrExpires, redeemed, paid, canceled sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &order.PackID, &order.BusinessID, &order.Quantity,
		&order.UnitDiscountedPriceMinor, &order.UnitOriginalPriceMinor, &order.TotalPriceMinor,
		&order.DiscountAmountMinor, &order.Currency, &fulfillment, &payment,
		&order.QRToken, &qrExpires, &order.PaymentMethod, &order.PaymentReference, &idemKey,
		&order.CancelReason, &redeemed, &paid, &canceled, &order.CreatedAt, &order.UpdatedAt, &order.Version,
	); err != nil {
		return domain.Order{}, err
	}

	var err error
	if order.FulfillmentStatus, err = domain.ParseFulfillmentStatus(fulfillment); err != nil {
		return domain.Order{}, err
	}
	if order.PaymentStatus, err = domain.ParsePaymentStatus(payment); err != nil {
		return domain.Order{}, err
	}
	order.IdempotencyKey = idemKey.String
	order.QRExpiresAt = timePtr(qrExpires)
	order.RedeemedAt = timePtr(redeemed)
	order.PaidAt = timePtr(paid)
	order.CanceledAt = timePtr(canceled)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func scanPack(row rowScanner) (domain.Pack, error) {
	var (
		pack       domain.Pack
		start, end sql.NullTime
	)
	if err := row.Scan(
		&pack.ID, &pack.BusinessID, &pack.Title, &pack.Stock, &pack.Active,
		&pack.OriginalPriceMinor, &pack.DiscountedPriceMinor, &pack.Currency,
		&start, &end, &pack.CreatedAt, &pack.UpdatedAt,
	); err != nil {
		return domain.Pack{}, err
	}
	if start.Valid {
		pack.PickupStart = start.Time.UTC()
	}
	if end.Valid {
		pack.PickupEnd = end.Time.UTC()
	}
	return pack, nil
}

func nullZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var _ domain.OrderStore = (*orderStore)(nil)
