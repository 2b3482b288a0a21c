// Package keyring выводит независимые ключи из одного мастер-секрета (HKDF-SHA256).
package keyring

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// InfoQRToken: метка ключа подписи QR-токенов.
	InfoQRToken = "rescuebag/qr-token/v1"
	// InfoWebhook: метка ключа проверки подписи webhook провайдера.
	InfoWebhook = "rescuebag/payment-webhook/v1"

	keySize         = 32
	minSecretLength = 16
)

// ErrSecretTooShort возвращается, если мастер-секрет короче минимально допустимого.
var ErrSecretTooShort = errors.New("signing secret is too short")

// Keyring хранит ключи, выведенные из мастер-секрета.
type Keyring struct {
	QRToken []byte
	Webhook []byte
}

// New выводит все ключи сервиса из secret.
func New(secret string) (Keyring, error) {
	if len(secret) < minSecretLength {
		return Keyring{}, fmt.Errorf("%w: need at least %d bytes", ErrSecretTooShort, minSecretLength)
	}

	qr, err := Derive([]byte(secret), InfoQRToken)
	if err != nil {
		return Keyring{}, err
	}
	webhook, err := Derive([]byte(secret), InfoWebhook)
	if err != nil {
		return Keyring{}, err
	}

	return Keyring{QRToken: qr, Webhook: webhook}, nil
}

// Derive возвращает 32-байтный ключ для метки info.
func Derive(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}
