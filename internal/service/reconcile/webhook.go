package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

// SignatureHeader: заголовок с hex HMAC-SHA256 тела webhook.
const SignatureHeader = "X-Signature"

// OutcomeMessage: исход платежа в webhook провайдера и в Kafka-топике оплат.
type OutcomeMessage struct {
	OrderID           string `json:"order_id"`
	ProviderReference string `json:"provider_reference"`
	Status            string `json:"status"`
	AmountMinor       int64  `json:"amount_minor,omitempty"`
	Method            string `json:"method,omitempty"`
}

// ParseOutcomeMessage разбирает сообщение в попытку оплаты.
func ParseOutcomeMessage(data []byte) (domain.PaymentAttempt, error) {
	var msg OutcomeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.PaymentAttempt{}, fmt.Errorf("%w: decode payment outcome: %v", domain.ErrUnknownOutcome, err)
	}
	outcome, err := domain.ParsePaymentOutcome(msg.Status)
	if err != nil {
		return domain.PaymentAttempt{}, fmt.Errorf("payment outcome %q: %w", msg.Status, err)
	}

	attempt := domain.PaymentAttempt{
		OrderID:           msg.OrderID,
		Method:            msg.Method,
		ProviderReference: msg.ProviderReference,
		Outcome:           outcome,
		AmountMinor:       msg.AmountMinor,
	}
	if errs := attempt.Validate(); len(errs) > 0 {
		return domain.PaymentAttempt{}, errors.Join(errs...)
	}
	return attempt, nil
}

// SignWebhook возвращает hex HMAC-SHA256 тела.
func SignWebhook(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature сравнивает подпись за постоянное время.
func VerifyWebhookSignature(key, body []byte, signature string) error {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return domain.ErrWebhookSignature
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrWebhookSignature
	}
	return nil
}

// HandleWebhook проверяет подпись и передаёт исход в Submit.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (domain.Order, error) {
	if err := VerifyWebhookSignature(s.webhookKey, body, signature); err != nil {
		s.logger.WithFields(log.Fields{
			"security": true,
			"reason":   "webhook signature mismatch",
		}).Warn("payment webhook rejected")
		return domain.Order{}, err
	}

	attempt, err := ParseOutcomeMessage(body)
	if err != nil {
		return domain.Order{}, err
	}
	attempt.Source = domain.SourceWebhook
	return s.Submit(ctx, attempt)
}

// HandlePaymentMessage: обработчик Kafka-топика исходов оплаты.
// Сигнатура совпадает с kafka.MessageHandler.
func (s *Service) HandlePaymentMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempt, err := ParseOutcomeMessage(message.Value)
	if err != nil {
		return err
	}
	attempt.Source = domain.SourceKafka
	_, err = s.Submit(ctx, attempt)
	return err
}
