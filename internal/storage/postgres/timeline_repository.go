package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// timelineRepository пишет историю заказа в timeline_events. Статусы хранятся
// снимком на момент события, чтобы история не зависела от текущей строки orders.
type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	event, err := event.Normalize()
	if err != nil {
		return err
	}

	var occurred sql.NullTime
	if !event.Occurred.IsZero() {
		occurred = sql.NullTime{Time: event.Occurred, Valid: true}
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO timeline_events (order_id, type, reason, fulfillment_status, payment_status, occurred)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
	`,
		event.OrderID,
		event.Type,
		event.Reason,
		string(event.FulfillmentStatus),
		string(event.PaymentStatus),
		occurred,
	)
	if err != nil {
		return unavailable("append timeline event", err)
	}
	return nil
}

func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, type, reason, fulfillment_status, payment_status, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id
	`, orderID)
	if err != nil {
		return nil, unavailable("list timeline events", err)
	}
	defer rows.Close()

	events := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		event, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list timeline events", err)
	}
	return events, nil
}

func scanTimelineEvent(row rowScanner) (domain.TimelineEvent, error) {
	var (
		event                   domain.TimelineEvent
		fulfillment, paymentRaw string
	)
	if err := row.Scan(&event.OrderID, &event.Type, &event.Reason, &fulfillment, &paymentRaw, &event.Occurred); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("scan timeline event: %w", err)
	}
	event.FulfillmentStatus = domain.FulfillmentStatus(fulfillment)
	event.PaymentStatus = domain.PaymentStatus(paymentRaw)
	event.Occurred = event.Occurred.UTC()
	return event, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
