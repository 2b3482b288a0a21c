package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/storage/memory"
)

func TestTimelineRepository_ChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	base := time.Now().UTC()

	events := []domain.TimelineEvent{
		{OrderID: "order-1", Type: domain.EventOrderPaid, Occurred: base.Add(time.Minute)},
		{OrderID: "order-1", Type: domain.EventOrderCreated, Occurred: base},
		{OrderID: "order-2", Type: domain.EventOrderCreated, Occurred: base},
	}
	for _, ev := range events {
		if err := repo.Append(ctx, ev); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	got, err := repo.List(ctx, "order-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != domain.EventOrderCreated || got[1].Type != domain.EventOrderPaid {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestTimelineRepository_SameInstantKeepsWriteOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	at := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	for _, typ := range []string{domain.EventOrderPaid, domain.EventOrderStatusChanged, domain.EventOrderRedeemed} {
		if err := repo.Append(ctx, domain.TimelineEvent{OrderID: "order-1", Type: typ, Occurred: at}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	got, err := repo.List(ctx, "order-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 3 || got[0].Type != domain.EventOrderPaid || got[2].Type != domain.EventOrderRedeemed {
		t.Fatalf("events with equal timestamps reordered: %+v", got)
	}
}

func TestTimelineRepository_RejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()

	tests := []struct {
		name  string
		event domain.TimelineEvent
		want  error
	}{
		{name: "missing order", event: domain.TimelineEvent{Type: domain.EventOrderCreated}, want: domain.ErrOrderIDRequired},
		{name: "unknown type", event: domain.TimelineEvent{OrderID: "order-1", Type: "OrderTeleported"}, want: domain.ErrUnknownStatus},
		{name: "unknown status", event: domain.TimelineEvent{OrderID: "order-1", Type: domain.EventOrderPaid, PaymentStatus: "paid-ish"}, want: domain.ErrUnknownStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Append(ctx, tt.event); !errors.Is(err, tt.want) {
				t.Fatalf("Append() error = %v, want %v", err, tt.want)
			}
		})
	}

	events, err := repo.List(ctx, "order-1")
	if err != nil || len(events) != 0 {
		t.Fatalf("rejected events must not be stored: %+v, %v", events, err)
	}
}

func TestTimelineRepository_FillsOccurredAndTrimsReason(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()

	err := repo.Append(ctx, domain.TimelineEvent{
		OrderID:           "order-1",
		Type:              domain.EventOrderCanceled,
		Reason:            strings.Repeat("я", 600),
		FulfillmentStatus: domain.FulfillmentCanceled,
		PaymentStatus:     domain.PaymentRefunded,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := repo.List(ctx, "order-1")
	if err != nil || len(got) != 1 {
		t.Fatalf("list = %+v, %v", got, err)
	}
	if got[0].Occurred.IsZero() {
		t.Fatal("zero Occurred must be filled on append")
	}
	if n := len([]rune(got[0].Reason)); n != 500 {
		t.Fatalf("reason length = %d runes, want 500", n)
	}
	if got[0].FulfillmentStatus != domain.FulfillmentCanceled || got[0].PaymentStatus != domain.PaymentRefunded {
		t.Fatalf("status snapshot lost: %+v", got[0])
	}
}
