package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/storage/memory"
)

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-1",
				AggregateType: "order",
				AggregateID:   "order-1",
				EventType:     domain.EventOrderPaid,
				Payload:       []byte(`{"version":2}`),
			},
		},
	}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	result := worker.ProcessOnce(context.Background())

	if result.Sent != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected sent id msg-1, got %s", repo.sentIDs[0])
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-2",
				AggregateType: "order",
				AggregateID:   "order-2",
				EventType:     domain.EventOrderCanceled,
				Payload:       []byte(`{"reason":"changed plans"}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubDeadLetters{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	result := worker.ProcessOnce(context.Background())

	if result.Sent != 0 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 0 {
		t.Fatalf("expected 0 sent marks, got %d", got)
	}
	if got := len(repo.failedIDs); got != 1 {
		t.Fatalf("expected 1 failed mark, got %d", got)
	}
	if repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected failed id msg-2, got %s", repo.failedIDs[0])
	}
	if got := len(dlq.letters); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}
	if dlq.letters[0].attempts != 3 || dlq.letters[0].event.ID != "msg-2" {
		t.Fatalf("unexpected dead letter: %+v", dlq.letters[0])
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-3",
				AggregateType: "order",
				AggregateID:   "order-3",
				EventType:     domain.EventOrderStatusChanged,
				Payload:       []byte(`{"status":"READY"}`),
			},
		},
	}
	publisher := &stubPublisher{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
}

func TestWorker_ProcessOnce_CanceledContextKeepsPending(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	if _, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-4",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	publisher := &stubPublisher{hook: cancel, err: context.Canceled}
	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Second), WithMaxAttempts(3))

	result := worker.ProcessOnce(ctx)

	if result.Sent != 0 || result.Failed != 0 {
		t.Fatalf("canceled publish must not count as failure: %+v", result)
	}
	if got := len(repo.AllPending()); got != 1 {
		t.Fatalf("expected message to stay pending, got %d", got)
	}
}

func TestWorker_ProcessOnce_DrainsMemoryOutbox(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	for _, orderID := range []string{"order-5", "order-6", "order-7"} {
		if _, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   orderID,
			EventType:     domain.EventOrderCreated,
			Payload:       []byte(`{}`),
		}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	publisher := &stubPublisher{}
	worker := NewWorker(repo, publisher, WithBatchSize(2), WithRetryBaseDelay(0))

	first := worker.ProcessOnce(context.Background())
	second := worker.ProcessOnce(context.Background())

	if first.Sent != 2 || second.Sent != 1 {
		t.Fatalf("unexpected batches: %+v %+v", first, second)
	}
	if got := len(repo.AllPending()); got != 0 {
		t.Fatalf("expected empty outbox, got %d pending", got)
	}

	stats, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected zero pending, got %d", stats.PendingCount)
	}
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(10*time.Millisecond))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 10 * time.Millisecond},
		{attempt: 2, want: 20 * time.Millisecond},
		{attempt: 4, want: 80 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := worker.retryBackoff(tt.attempt); got != tt.want {
			t.Errorf("retryBackoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	noDelay := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(0))
	if got := noDelay.retryBackoff(3); got != 0 {
		t.Errorf("expected zero backoff, got %s", got)
	}
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	stats := domain.OutboxStats{
		PendingCount: len(s.pending),
	}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	hook           func()
}

func (s *stubPublisher) Publish(context.Context, domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if s.hook != nil {
		s.hook()
	}
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}

	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type deadLetter struct {
	event    domain.OutboxMessage
	attempts int
	err      error
}

type stubDeadLetters struct {
	letters []deadLetter
}

func (s *stubDeadLetters) PublishFailed(_ context.Context, event domain.OutboxMessage, attempts int, publishErr error) error {
	s.letters = append(s.letters, deadLetter{event: event, attempts: attempts, err: publishErr})
	return nil
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)
var _ DeadLetterPublisher = (*stubDeadLetters)(nil)

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
