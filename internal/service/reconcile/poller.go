package reconcile

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/lifecycle"
)

// StartPolling запускает фоновый поллер заказа. Повторный вызов с той же
// ссылкой ничего не делает; новая ссылка заменяет старый поллер.
func (s *Service) StartPolling(orderID, providerReference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx.Err() != nil {
		return false
	}
	if current, ok := s.pollers[orderID]; ok {
		if current.providerReference == providerReference {
			return false
		}
		current.cancel()
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	p := &poller{providerReference: providerReference, cancel: cancel}
	s.pollers[orderID] = p

	s.wg.Add(1)
	s.metrics.RecordPollerStarted()
	go func() {
		defer s.wg.Done()
		defer s.metrics.RecordPollerFinished()
		defer func() {
			s.mu.Lock()
			if s.pollers[orderID] == p {
				delete(s.pollers, orderID)
			}
			s.mu.Unlock()
			cancel()
		}()

		if err := s.Poll(ctx, orderID, providerReference); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).WithField("order_id", orderID).Warn("payment poller stopped")
		}
	}()
	return true
}

// Polling сообщает, ведётся ли поллинг заказа.
func (s *Service) Polling(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pollers[orderID]
	return ok
}

// Poll опрашивает провайдера с интервалом PollInterval, пока оплата не станет
// терминальной или заказ не отменят. По истечении PollTimeout возвращает
// domain.ErrPaymentTimeout; заказ при этом не меняется.
func (s *Service) Poll(ctx context.Context, orderID, providerReference string) error {
	entry := s.logger.WithFields(log.Fields{
		"order_id":           orderID,
		"provider_reference": providerReference,
	})

	deadline := s.scheduler.NewTimer(s.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := s.scheduler.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C():
			s.orders.NotePaymentTimeout(ctx, orderID, providerReference)
			entry.WithField("timeout", s.cfg.PollTimeout).Warn("payment outcome timeout")
			return fmt.Errorf("order %s: %w", orderID, domain.ErrPaymentTimeout)
		case <-ticker.C():
		}

		done, err := s.pollOnce(ctx, orderID, providerReference)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				return err
			}
			entry.WithError(err).Warn("payment poll failed")
			continue
		}
		if done {
			return nil
		}
	}
}

// pollOnce выполняет одну проверку статуса; done=true останавливает поллер.
func (s *Service) pollOnce(ctx context.Context, orderID, providerReference string) (bool, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !stillAwaiting(order, providerReference) {
		return true, nil
	}

	var outcome domain.PaymentOutcome
	err = lifecycle.Retry(ctx, s.cfg.Retry, s.logger, "get_payment_status", func(ctx context.Context) error {
		var err error
		outcome, err = s.provider.GetStatus(ctx, providerReference)
		return err
	})
	if err != nil {
		// Неоднозначный ответ не повторяется вслепую: ждём следующий тик.
		return false, err
	}
	if !outcome.Terminal() {
		return false, nil
	}

	_, err = s.Submit(ctx, domain.PaymentAttempt{
		OrderID:           orderID,
		Method:            order.PaymentMethod,
		ProviderReference: providerReference,
		Outcome:           outcome,
		Source:            domain.SourcePoll,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// stillAwaiting сообщает, что по заказу ещё ждём исход именно этой попытки.
func stillAwaiting(order domain.Order, providerReference string) bool {
	return order.FulfillmentStatus != domain.FulfillmentCanceled &&
		order.PaymentStatus.AwaitingOutcome() &&
		order.PaymentReference == providerReference
}
