package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// orderStoreInMemory хранит пакеты и заказы под одним мьютексом,
// поэтому списание стока и вставка заказа атомарны друг относительно друга.
type orderStoreInMemory struct {
	mu     sync.Mutex
	packs  map[string]domain.Pack
	orders map[string]domain.Order
	// idem индексирует заказы по паре (user_id, idempotency_key).
	idem map[idemKey]string
	now  func() time.Time
}

type idemKey struct {
	userID string
	key    string
}

// NewOrderStore возвращает in-memory хранилище для локальной разработки и тестов.
func NewOrderStore() domain.OrderStore {
	return &orderStoreInMemory{
		packs:  make(map[string]domain.Pack),
		orders: make(map[string]domain.Order),
		idem:   make(map[idemKey]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *orderStoreInMemory) CreatePack(ctx context.Context, pack domain.Pack) (domain.Pack, error) {
	if err := ctx.Err(); err != nil {
		return domain.Pack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.packs[pack.ID]; exists {
		return domain.Pack{}, domain.ErrPackAlreadyExists
	}
	now := s.now()
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = now
	}
	pack.UpdatedAt = now
	s.packs[pack.ID] = pack
	return pack, nil
}

func (s *orderStoreInMemory) GetPack(ctx context.Context, id string) (domain.Pack, error) {
	if err := ctx.Err(); err != nil {
		return domain.Pack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pack, ok := s.packs[id]
	if !ok {
		return domain.Pack{}, domain.ErrPackNotFound
	}
	return pack, nil
}

func (s *orderStoreInMemory) IncrementPackStock(ctx context.Context, packID string, qty int32) (domain.Pack, error) {
	if err := ctx.Err(); err != nil {
		return domain.Pack{}, err
	}
	if qty <= 0 {
		return domain.Pack{}, domain.ErrQuantityInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adjustStockLocked(packID, qty)
}

func (s *orderStoreInMemory) DecrementPackStock(ctx context.Context, packID string, qty int32) (domain.Pack, error) {
	if err := ctx.Err(); err != nil {
		return domain.Pack{}, err
	}
	if qty <= 0 {
		return domain.Pack{}, domain.ErrQuantityInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adjustStockLocked(packID, -qty)
}

func (s *orderStoreInMemory) CreateOrderAtomic(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != "" {
		if id, ok := s.idem[idemKey{userID: order.UserID, key: order.IdempotencyKey}]; ok {
			return cloneOrder(s.orders[id]), false, nil
		}
	}
	if _, exists := s.orders[order.ID]; exists {
		return domain.Order{}, false, domain.ErrOrderAlreadyExists
	}

	pack, ok := s.packs[order.PackID]
	if !ok {
		return domain.Order{}, false, domain.ErrPackNotFound
	}
	if err := pack.CanReserve(order.Quantity); err != nil {
		return domain.Order{}, false, err
	}
	if _, err := s.adjustStockLocked(order.PackID, -order.Quantity); err != nil {
		return domain.Order{}, false, err
	}

	order.Version = 1
	s.orders[order.ID] = cloneOrder(order)
	if order.IdempotencyKey != "" {
		s.idem[idemKey{userID: order.UserID, key: order.IdempotencyKey}] = order.ID
	}
	return cloneOrder(order), true, nil
}

func (s *orderStoreInMemory) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (s *orderStoreInMemory) UpdateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked(order)
}

func (s *orderStoreInMemory) CancelOrderAtomic(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if order.FulfillmentStatus != domain.FulfillmentCanceled {
		return domain.Order{}, fmt.Errorf("%w: cancel requires CANCELED status, got %s", domain.ErrInvalidTransition, order.FulfillmentStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}
	if err := current.Cancelable(); err != nil {
		return domain.Order{}, err
	}

	if _, err := s.adjustStockLocked(current.PackID, current.Quantity); err != nil {
		return domain.Order{}, err
	}
	return s.saveLocked(order)
}

func (s *orderStoreInMemory) RedeemOrder(ctx context.Context, orderID string, at time.Time) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err := current.CheckRedeemable(); err != nil {
		return domain.Order{}, err
	}

	redeemedAt := at.UTC()
	current.RedeemedAt = &redeemedAt
	current.FulfillmentStatus = domain.FulfillmentPickedUp
	current.UpdatedAt = redeemedAt
	current.Version++
	s.orders[orderID] = cloneOrder(current)
	return cloneOrder(current), nil
}

func (s *orderStoreInMemory) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return s.list(ctx, limit, func(o domain.Order) bool { return o.UserID == userID })
}

func (s *orderStoreInMemory) ListOrdersByBusiness(ctx context.Context, businessID string, status domain.FulfillmentStatus, limit int) ([]domain.Order, error) {
	return s.list(ctx, limit, func(o domain.Order) bool {
		return o.BusinessID == businessID && (status == "" || o.FulfillmentStatus == status)
	})
}

func (s *orderStoreInMemory) ListOrdersAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.list(ctx, limit, func(o domain.Order) bool {
		return o.PaymentStatus.AwaitingOutcome() && o.FulfillmentStatus != domain.FulfillmentCanceled
	})
}

func (s *orderStoreInMemory) ListOrdersAwaitingRefund(ctx context.Context, limit int) ([]domain.Order, error) {
	orders, err := s.list(ctx, 0, func(o domain.Order) bool {
		return o.FulfillmentStatus == domain.FulfillmentCanceled && o.PaymentStatus == domain.PaymentPaid
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(orders)
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *orderStoreInMemory) list(ctx context.Context, limit int, match func(domain.Order) bool) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if match(order) {
			result = append(result, cloneOrder(order))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *orderStoreInMemory) saveLocked(order domain.Order) (domain.Order, error) {
	current, ok := s.orders[order.ID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	// redeemed_at меняет только RedeemOrder.
	if current.Redeemed() {
		return domain.Order{}, domain.ErrAlreadyRedeemed
	}
	if current.Version != order.Version {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	order.RedeemedAt = nil
	order.Version++
	order.UpdatedAt = s.now()
	s.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (s *orderStoreInMemory) adjustStockLocked(packID string, delta int32) (domain.Pack, error) {
	pack, ok := s.packs[packID]
	if !ok {
		return domain.Pack{}, domain.ErrPackNotFound
	}
	if pack.Stock+delta < 0 {
		return domain.Pack{}, domain.ErrInsufficientStock
	}
	pack.Stock += delta
	pack.UpdatedAt = s.now()
	s.packs[packID] = pack
	return pack, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.QRExpiresAt = cloneTime(src.QRExpiresAt)
	dst.RedeemedAt = cloneTime(src.RedeemedAt)
	dst.PaidAt = cloneTime(src.PaidAt)
	dst.CanceledAt = cloneTime(src.CanceledAt)
	return dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ domain.OrderStore = (*orderStoreInMemory)(nil)
