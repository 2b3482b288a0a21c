package domain

// Session: контекст вызывающей стороны, передаётся в каждую операцию явно.
// Аутентификация выполняется снаружи; ядро только сверяет владельца.
type Session struct {
	UserID     string
	BusinessID string
}

// OwnsOrder сообщает, что заказ принадлежит пользователю сессии.
func (s Session) OwnsOrder(o Order) bool {
	return s.UserID != "" && s.UserID == o.UserID
}

// ManagesOrder сообщает, что заказ оформлен на пакет бизнеса сессии.
func (s Session) ManagesOrder(o Order) bool {
	return s.BusinessID != "" && s.BusinessID == o.BusinessID
}
