package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/rescuebag/internal/health"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/payment"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// createPaymentProvider выбирает платёжного провайдера: HTTP-клиент за circuit
// breaker, если задан PaymentProviderURL, иначе mock для локального запуска.
// Для HTTP-провайдера возвращается optional checker состояния breaker.
func createPaymentProvider(cfg Config, logger *log.Entry) (domain.PaymentProvider, healthcheck.Checker) {
	if cfg.PaymentProviderURL == "" {
		logger.Warn("payment provider url is not set, using mock provider")
		return payment.NewMockProvider(), nil
	}

	client := payment.NewHTTPProvider(cfg.PaymentProviderURL, cfg.PaymentProviderTimeout,
		logger.WithField("component", "payment-http"))
	breaker := payment.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, nil,
		logger.WithField("component", "payment-breaker"))

	checker := healthcheck.NewOptionalChecker("payment_provider", func(context.Context) error {
		if state := breaker.State(); state == payment.CircuitOpen {
			return fmt.Errorf("circuit breaker is %s", state)
		}
		return nil
	})

	logger.WithField("url", cfg.PaymentProviderURL).Info("using http payment provider")
	return payment.NewBreakerProvider(client, breaker), checker
}
