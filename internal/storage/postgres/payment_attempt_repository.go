package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

type paymentAttemptRepository struct {
	db *sql.DB
}

// NewPaymentAttemptRepository создаёт PostgreSQL-реализацию PaymentAttemptRepository.
func NewPaymentAttemptRepository(store *Store) domain.PaymentAttemptRepository {
	return &paymentAttemptRepository{db: store.DB()}
}

// Record опирается на уникальный индекс (provider_reference, outcome), а не на предварительный SELECT.
func (r *paymentAttemptRepository) Record(ctx context.Context, attempt domain.PaymentAttempt) (domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (
			id, order_id, method, provider_reference, outcome, amount_minor, source, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		attempt.ID, attempt.OrderID, attempt.Method, attempt.ProviderReference,
		string(attempt.Outcome), attempt.AmountMinor, string(attempt.Source), attempt.ReceivedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return attempt, domain.ErrDuplicateAttempt
		}
		return domain.PaymentAttempt{}, unavailable("insert payment attempt", err)
	}

	return attempt, nil
}

func (r *paymentAttemptRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, method, provider_reference, outcome, amount_minor, source, received_at
		FROM payment_attempts
		WHERE order_id = $1
		ORDER BY received_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, unavailable("list payment attempts", err)
	}
	defer rows.Close()

	attempts := make([]domain.PaymentAttempt, 0)
	for rows.Next() {
		var (
			a       domain.PaymentAttempt
			outcome string
			source  string
		)
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Method, &a.ProviderReference, &outcome, &a.AmountMinor, &source, &a.ReceivedAt); err != nil {
			return nil, unavailable("scan payment attempt", err)
		}
		a.Outcome = domain.PaymentOutcome(outcome)
		if !a.Outcome.Valid() {
			return nil, fmt.Errorf("payment attempt %s: %w", a.ID, domain.ErrUnknownOutcome)
		}
		a.Source = domain.AttemptSource(source)
		a.ReceivedAt = a.ReceivedAt.UTC()
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate payment attempts", err)
	}

	return attempts, nil
}

var _ domain.PaymentAttemptRepository = (*paymentAttemptRepository)(nil)
