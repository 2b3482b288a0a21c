package domain

import "time"

// Pack: «сюрприз-пакет», который бизнес выставляет со скидкой.
type Pack struct {
	ID                   string
	BusinessID           string
	Title                string
	Stock                int32
	Active               bool
	OriginalPriceMinor   int64
	DiscountedPriceMinor int64
	Currency             string
	PickupStart          time.Time
	PickupEnd            time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate проверяет корректность полей пакета.
func (p *Pack) Validate() []error {
	var errs []error

	if p.BusinessID == "" {
		errs = append(errs, ErrBusinessRequired)
	}
	if p.Stock < 0 {
		errs = append(errs, ErrStockNegative)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if p.DiscountedPriceMinor < 0 || p.OriginalPriceMinor < p.DiscountedPriceMinor {
		errs = append(errs, ErrPriceInvalid)
	}
	if !p.PickupEnd.IsZero() && p.PickupEnd.Before(p.PickupStart) {
		errs = append(errs, ErrPickupWindowInvalid)
	}

	return errs
}

// CanReserve проверяет, можно ли зарезервировать qty единиц пакета.
func (p *Pack) CanReserve(qty int32) error {
	switch {
	case qty <= 0:
		return ErrQuantityInvalid
	case !p.Active:
		return ErrPackInactive
	case p.Stock < qty:
		return ErrInsufficientStock
	default:
		return nil
	}
}
