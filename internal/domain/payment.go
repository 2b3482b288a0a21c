package domain

import (
	"strings"
	"time"
)

// PaymentOutcome: результат одной попытки оплаты, как его сообщил провайдер.
type PaymentOutcome string

const (
	// OutcomePending: провайдер принял попытку, но результата ещё нет.
	OutcomePending PaymentOutcome = "PENDING"
	// OutcomeSuccess: деньги списаны.
	OutcomeSuccess PaymentOutcome = "SUCCESS"
	// OutcomeFailure: провайдер отклонил попытку.
	OutcomeFailure PaymentOutcome = "FAILURE"
)

// Valid проверяет, что результат относится к закрытому перечислению.
func (o PaymentOutcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeSuccess, OutcomeFailure:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что по попытке больше не будет обновлений.
func (o PaymentOutcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// ParsePaymentOutcome разбирает ответ провайдера без учёта регистра.
// Провайдеры пишут одно и то же по-разному, поэтому принимаем распространённые синонимы.
func ParsePaymentOutcome(raw string) (PaymentOutcome, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "PROCESSING", "CREATED":
		return OutcomePending, nil
	case "SUCCESS", "SUCCEEDED", "PAID", "CAPTURED":
		return OutcomeSuccess, nil
	case "FAILURE", "FAILED", "DECLINED":
		return OutcomeFailure, nil
	default:
		return "", ErrUnknownOutcome
	}
}

// AttemptSource: канал, по которому пришла информация о попытке.
type AttemptSource string

const (
	SourceWebhook  AttemptSource = "webhook"
	SourcePoll     AttemptSource = "poll"
	SourceKafka    AttemptSource = "kafka"
	SourceInitiate AttemptSource = "initiate"
)

// PaymentAttempt: запись об одном обращении к платёжному провайдеру.
type PaymentAttempt struct {
	ID                string
	OrderID           string
	Method            string
	ProviderReference string
	Outcome           PaymentOutcome
	AmountMinor       int64
	Source            AttemptSource
	ReceivedAt        time.Time
}

// Validate проверяет корректность полей попытки и возвращает ошибки, если они есть.
func (a *PaymentAttempt) Validate() []error {
	var errs []error

	if a.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if a.ProviderReference == "" {
		errs = append(errs, ErrProviderReferenceRequired)
	}
	if !a.Outcome.Valid() {
		errs = append(errs, ErrUnknownOutcome)
	}

	return errs
}

// InitiatePaymentRequest: параметры запуска оплаты у провайдера.
type InitiatePaymentRequest struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	Method      string

	// IdempotencyKey защищает от двойного списания при повторе запроса;
	// пустой ключ заменяется OrderID.
	IdempotencyKey string
}

// Initiation: ответ провайдера на запуск оплаты.
type Initiation struct {
	ProviderReference string
	PaymentURL        string
	Outcome           PaymentOutcome
}
