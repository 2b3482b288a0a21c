package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

type attemptKey struct {
	reference string
	outcome   domain.PaymentOutcome
}

// paymentAttemptRepositoryInMemory хранит попытки оплаты с уникальностью по ссылке и исходу.
type paymentAttemptRepositoryInMemory struct {
	mu      sync.Mutex
	byKey   map[attemptKey]domain.PaymentAttempt
	byOrder map[string][]domain.PaymentAttempt
}

// NewPaymentAttemptRepository создаёт in-memory реализацию PaymentAttemptRepository.
func NewPaymentAttemptRepository() domain.PaymentAttemptRepository {
	return &paymentAttemptRepositoryInMemory{
		byKey:   make(map[attemptKey]domain.PaymentAttempt),
		byOrder: make(map[string][]domain.PaymentAttempt),
	}
}

func (r *paymentAttemptRepositoryInMemory) Record(ctx context.Context, attempt domain.PaymentAttempt) (domain.PaymentAttempt, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentAttempt{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := attemptKey{reference: attempt.ProviderReference, outcome: attempt.Outcome}
	if existing, ok := r.byKey[key]; ok {
		return existing, domain.ErrDuplicateAttempt
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}

	r.byKey[key] = attempt
	r.byOrder[attempt.OrderID] = append(r.byOrder[attempt.OrderID], attempt)
	return attempt, nil
}

func (r *paymentAttemptRepositoryInMemory) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := r.byOrder[orderID]
	result := make([]domain.PaymentAttempt, len(attempts))
	copy(result, attempts)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})
	return result, nil
}

var _ domain.PaymentAttemptRepository = (*paymentAttemptRepositoryInMemory)(nil)
