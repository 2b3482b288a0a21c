package domain

import "fmt"

// fulfillmentGraph: единственные допустимые переходы статуса выдачи.
var fulfillmentGraph = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentCreated:   {FulfillmentConfirmed, FulfillmentCanceled},
	FulfillmentConfirmed: {FulfillmentPreparing, FulfillmentCanceled},
	FulfillmentPreparing: {FulfillmentReady, FulfillmentCanceled},
	FulfillmentReady:     {FulfillmentPickedUp, FulfillmentCanceled},
	FulfillmentPickedUp:  nil,
	FulfillmentCanceled:  nil,
}

// CanTransition сообщает, разрешён ли переход from → to.
func CanTransition(from, to FulfillmentStatus) bool {
	for _, next := range fulfillmentGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses возвращает копию списка статусов, достижимых из from за один шаг.
func NextStatuses(from FulfillmentStatus) []FulfillmentStatus {
	next := fulfillmentGraph[from]
	out := make([]FulfillmentStatus, len(next))
	copy(out, next)
	return out
}

// CheckTransition возвращает ErrInvalidTransition с контекстом, если переход запрещён.
func CheckTransition(from, to FulfillmentStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrUnknownStatus, from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AdvanceTarget проверяет, что to: один из статусов, которые бизнес выставляет вручную.
func AdvanceTarget(to FulfillmentStatus) bool {
	return to == FulfillmentPreparing || to == FulfillmentReady
}
