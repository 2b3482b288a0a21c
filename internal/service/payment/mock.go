package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// MockProvider: конфигурируемая заглушка PaymentProvider для тестов и локального запуска.
// Безопасна для конкурентного использования: поллеры и webhook-и ходят в неё параллельно.
type MockProvider struct {
	mu sync.Mutex

	initiateOutcome domain.PaymentOutcome
	initiateErr     error
	statusErr       error
	refundErr       error

	statuses map[string]domain.PaymentOutcome
	refunds  map[string]int64
	seq      int

	initiateCalls int
	statusCalls   int
	refundCalls   int
}

// NewMockProvider возвращает mock, который принимает оплату в PENDING.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		initiateOutcome: domain.OutcomePending,
		statuses:        make(map[string]domain.PaymentOutcome),
		refunds:         make(map[string]int64),
	}
}

// Initiate выдаёт новую ссылку провайдера и запоминает её статус.
func (m *MockProvider) Initiate(_ context.Context, req domain.InitiatePaymentRequest) (domain.Initiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initiateCalls++
	if m.initiateErr != nil {
		return domain.Initiation{}, m.initiateErr
	}

	m.seq++
	ref := fmt.Sprintf("mock-%s-%d", req.OrderID, m.seq)
	m.statuses[ref] = m.initiateOutcome

	return domain.Initiation{
		ProviderReference: ref,
		PaymentURL:        "https://pay.example.test/checkout/" + ref,
		Outcome:           m.initiateOutcome,
	}, nil
}

// GetStatus возвращает сохранённый статус; неизвестная ссылка считается неоднозначным ответом.
func (m *MockProvider) GetStatus(_ context.Context, providerReference string) (domain.PaymentOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusCalls++
	if m.statusErr != nil {
		return "", m.statusErr
	}
	outcome, ok := m.statuses[providerReference]
	if !ok {
		return "", fmt.Errorf("%w: unknown reference %q", domain.ErrPaymentIndeterminate, providerReference)
	}
	return outcome, nil
}

// Refund идемпотентен по ссылке: повтор не меняет сумму возврата.
func (m *MockProvider) Refund(_ context.Context, providerReference string, amountMinor int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refundCalls++
	if m.refundErr != nil {
		return m.refundErr
	}
	if _, done := m.refunds[providerReference]; !done {
		m.refunds[providerReference] = amountMinor
	}
	return nil
}

// SetInitiateOutcome задаёт исход для новых оплат.
func (m *MockProvider) SetInitiateOutcome(outcome domain.PaymentOutcome) {
	m.mu.Lock()
	m.initiateOutcome = outcome
	m.mu.Unlock()
}

// SetStatus переводит оплату с указанной ссылкой в outcome.
func (m *MockProvider) SetStatus(providerReference string, outcome domain.PaymentOutcome) {
	m.mu.Lock()
	m.statuses[providerReference] = outcome
	m.mu.Unlock()
}

func (m *MockProvider) SetInitiateErr(err error) {
	m.mu.Lock()
	m.initiateErr = err
	m.mu.Unlock()
}

func (m *MockProvider) SetStatusErr(err error) {
	m.mu.Lock()
	m.statusErr = err
	m.mu.Unlock()
}

func (m *MockProvider) SetRefundErr(err error) {
	m.mu.Lock()
	m.refundErr = err
	m.mu.Unlock()
}

// Refunded возвращает сумму возврата по ссылке.
func (m *MockProvider) Refunded(providerReference string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount, ok := m.refunds[providerReference]
	return amount, ok
}

// Calls возвращает число вызовов Initiate, GetStatus и Refund.
func (m *MockProvider) Calls() (initiate, status, refund int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiateCalls, m.statusCalls, m.refundCalls
}

var _ domain.PaymentProvider = (*MockProvider)(nil)
