package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

func TestOutboxRepository_EnqueueAndPull(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	msg := domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     domain.EventOrderStatusChanged,
		Payload:       []byte(`{"fulfillment_status":"READY"}`),
	}

	saved, err := repo.Enqueue(ctx, msg)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	pending, err := repo.PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != saved.ID {
		t.Fatalf("expected the saved message, got %+v", pending)
	}
}

func orderEvent(orderID string, created time.Time) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
		CreatedAt:     created,
	}
}

func TestOutboxRepository_RejectsUnpublishableMessages(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	for name, msg := range map[string]domain.OutboxMessage{
		"no aggregate":  {EventType: domain.EventOrderCreated, Payload: []byte(`{}`)},
		"no event type": {AggregateType: "order", AggregateID: "order-1", Payload: []byte(`{}`)},
		"not json":      {AggregateType: "order", AggregateID: "order-1", EventType: domain.EventOrderCreated, Payload: []byte("{")},
	} {
		if _, err := repo.Enqueue(ctx, msg); !errors.Is(err, domain.ErrOutboxMessageInvalid) {
			t.Fatalf("%s: expected ErrOutboxMessageInvalid, got %v", name, err)
		}
	}
	if got := len(repo.AllPending()); got != 0 {
		t.Fatalf("rejected messages must not be stored, got %d", got)
	}
}

func TestOutboxRepository_PullKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	var ids []string
	for i := 0; i < 5; i++ {
		saved, err := repo.Enqueue(ctx, orderEvent("order-1", time.Time{}))
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		ids = append(ids, saved.ID)
	}

	pending, err := repo.PullPending(ctx, 3)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(pending))
	}
	for i, msg := range pending {
		if msg.ID != ids[i] {
			t.Fatalf("message %d: got %s, want %s", i, msg.ID, ids[i])
		}
	}
}

func TestOutboxRepository_MarkSentAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	first, err := repo.Enqueue(ctx, orderEvent("order-1", created))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := repo.Enqueue(ctx, orderEvent("order-2", created.Add(time.Minute)))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := repo.MarkSent(ctx, first.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	if err := repo.MarkFailed(ctx, first.ID); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("sent message must not be re-marked, got %v", err)
	}
	if err := repo.MarkFailed(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing record")
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending, got %d", stats.PendingCount)
	}
	if !stats.OldestPendingAt.Equal(second.CreatedAt) {
		t.Fatalf("oldest pending = %s, want %s", stats.OldestPendingAt, second.CreatedAt)
	}
}
