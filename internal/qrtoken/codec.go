// Package qrtoken выпускает и проверяет подписанные QR-токены заказов.
//
// Токен: HS256 JWT с короткими claims. Срок действия проверяется вручную
// по внедрённым часам: токен истёк, если now > exp.
package qrtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

const minKeySize = 32

// ErrKeyTooShort возвращается при попытке создать кодек со слабым ключом.
var ErrKeyTooShort = errors.New("qr signing key must be at least 32 bytes")

// Claims: данные, которые подтверждает токен.
type Claims struct {
	OrderID    string
	UserID     string
	BusinessID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Token: строка для QR-рендера и срок её действия для отображения.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	OrderID    string `json:"oid"`
	UserID     string `json:"uid"`
	BusinessID string `json:"bid"`
	jwt.RegisteredClaims
}

// Codec подписывает и проверяет токены.
type Codec struct {
	key    []byte
	clock  clock.Clock
	parser *jwt.Parser
}

// NewCodec создаёт кодек. nil-часы заменяются системными.
func NewCodec(key []byte, clk clock.Clock) (*Codec, error) {
	if len(key) < minKeySize {
		return nil, ErrKeyTooShort
	}
	if clk == nil {
		clk = clock.System{}
	}

	return &Codec{
		key:   append([]byte(nil), key...),
		clock: clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Issue выпускает токен на ttl от текущего момента. Время в токене хранится
// в секундах: issuedAt округляется вниз, expiresAt вверх, так что токен
// никогда не истекает раньше ttl.
func (c *Codec) Issue(orderID, userID, businessID string, ttl time.Duration) (Token, error) {
	if orderID == "" || userID == "" || businessID == "" {
		return Token{}, fmt.Errorf("issue qr token: order, user and business are required")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("issue qr token: ttl must be positive, got %s", ttl)
	}

	now := c.clock.Now().UTC()
	issuedAt := now.Truncate(time.Second)
	expiresAt := ceilSecond(now.Add(ttl))

	claims := tokenClaims{
		OrderID:    orderID,
		UserID:     userID,
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        orderID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign qr token: %w", err)
	}

	return Token{Value: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Verify проверяет структуру, подпись и срок действия токена.
// Возвращает domain.ErrTokenMalformed, domain.ErrTokenTampered или domain.ErrTokenExpired.
func (c *Codec) Verify(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, domain.ErrTokenMalformed
	}

	var tc tokenClaims
	_, err := c.parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, fmt.Errorf("%w: %v", domain.ErrTokenTampered, err)
	default:
		return Claims{}, fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
	}

	if tc.OrderID == "" || tc.UserID == "" || tc.BusinessID == "" ||
		tc.IssuedAt == nil || tc.ExpiresAt == nil || tc.ID != tc.OrderID {
		return Claims{}, fmt.Errorf("%w: incomplete claims", domain.ErrTokenMalformed)
	}

	claims := Claims{
		OrderID:    tc.OrderID,
		UserID:     tc.UserID,
		BusinessID: tc.BusinessID,
		IssuedAt:   tc.IssuedAt.UTC(),
		ExpiresAt:  tc.ExpiresAt.UTC(),
	}
	if claims.ExpiresAt.Before(claims.IssuedAt) {
		return Claims{}, fmt.Errorf("%w: expiry before issue time", domain.ErrTokenMalformed)
	}

	if c.clock.Now().After(claims.ExpiresAt) {
		return claims, domain.ErrTokenExpired
	}

	return claims, nil
}

func ceilSecond(t time.Time) time.Time {
	if tr := t.Truncate(time.Second); tr.Before(t) {
		return tr.Add(time.Second)
	}
	return t
}
