package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// ErrCircuitOpen возвращается, пока выключатель разомкнут.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState описывает состояние выключателя.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker размыкается после maxFailures подряд и пропускает пробный
// вызов по истечении resetTimeout.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures  int
	resetTimeout time.Duration
	clock        clock.Clock

	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, clk clock.Clock, logger *log.Entry) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clock:        clk,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow решает, пропускать ли вызов; в half-open пропускается только один пробный.
func (cb *CircuitBreaker) allow(operation string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return true
	}
	if cb.clock.Now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("Circuit breaker half-open")
		return true
	}
	return false
}

func (cb *CircuitBreaker) record(operation string, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if failed {
		cb.failures++
		cb.lastFailure = cb.clock.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("Circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.WithField("operation", operation).Info("Circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
}

// Execute выполняет fn через выключатель. Сбоем считаются только ошибки,
// для которых isFailure возвращает true.
func (cb *CircuitBreaker) Execute(operation string, isFailure func(error) bool, fn func() error) error {
	if !cb.allow(operation) {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(operation, err != nil && isFailure(err))
	return err
}

// BreakerProvider защищает PaymentProvider от каскадных таймаутов.
// Отказом считается только domain.ErrProviderUnavailable: отказ в оплате
// означает, что провайдер жив.
type BreakerProvider struct {
	next    domain.PaymentProvider
	breaker *CircuitBreaker
}

// NewBreakerProvider оборачивает next выключателем.
func NewBreakerProvider(next domain.PaymentProvider, breaker *CircuitBreaker) *BreakerProvider {
	return &BreakerProvider{next: next, breaker: breaker}
}

func isProviderDown(err error) bool {
	return errors.Is(err, domain.ErrProviderUnavailable)
}

func (b *BreakerProvider) Initiate(ctx context.Context, req domain.InitiatePaymentRequest) (domain.Initiation, error) {
	var result domain.Initiation
	err := b.breaker.Execute("initiate", isProviderDown, func() error {
		var err error
		result, err = b.next.Initiate(ctx, req)
		return err
	})
	return result, openAsUnavailable(err)
}

func (b *BreakerProvider) GetStatus(ctx context.Context, providerReference string) (domain.PaymentOutcome, error) {
	var outcome domain.PaymentOutcome
	err := b.breaker.Execute("get_status", isProviderDown, func() error {
		var err error
		outcome, err = b.next.GetStatus(ctx, providerReference)
		return err
	})
	return outcome, openAsUnavailable(err)
}

func (b *BreakerProvider) Refund(ctx context.Context, providerReference string, amountMinor int64, currency string) error {
	err := b.breaker.Execute("refund", isProviderDown, func() error {
		return b.next.Refund(ctx, providerReference, amountMinor, currency)
	})
	return openAsUnavailable(err)
}

// openAsUnavailable делает разомкнутый выключатель временной ошибкой для retry-логики.
func openAsUnavailable(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	return err
}

var _ domain.PaymentProvider = (*BreakerProvider)(nil)
