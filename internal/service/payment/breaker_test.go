package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

func TestCircuitBreaker_OpensAfterFailuresAndRecovers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(2, time.Minute, clk, nil)
	failing := func() error { return domain.ErrProviderUnavailable }

	require.ErrorIs(t, cb.Execute("op", isProviderDown, failing), domain.ErrProviderUnavailable)
	require.Equal(t, CircuitClosed, cb.State())
	require.ErrorIs(t, cb.Execute("op", isProviderDown, failing), domain.ErrProviderUnavailable)
	require.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute("op", isProviderDown, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, called)

	clk.Advance(2 * time.Minute)
	require.NoError(t, cb.Execute("op", isProviderDown, func() error { return nil }))
	require.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(1, time.Second, clk, nil)

	_ = cb.Execute("op", isProviderDown, func() error { return domain.ErrProviderUnavailable })
	require.Equal(t, CircuitOpen, cb.State())

	clk.Advance(2 * time.Second)
	_ = cb.Execute("op", isProviderDown, func() error { return domain.ErrProviderUnavailable })
	require.Equal(t, CircuitOpen, cb.State())
}

func TestBreakerProvider_BusinessErrorsKeepCircuitClosed(t *testing.T) {
	mock := NewMockProvider()
	cb := NewCircuitBreaker(1, time.Minute, clock.NewFake(time.Now()), nil)
	provider := NewBreakerProvider(mock, cb)

	_, err := provider.GetStatus(context.Background(), "unknown")
	require.ErrorIs(t, err, domain.ErrPaymentIndeterminate)
	require.Equal(t, CircuitClosed, cb.State())

	mock.SetStatusErr(domain.ErrProviderUnavailable)
	_, err = provider.GetStatus(context.Background(), "unknown")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.Equal(t, CircuitOpen, cb.State())

	_, err = provider.Initiate(context.Background(), domain.InitiatePaymentRequest{OrderID: "order-1"})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.True(t, errors.Is(err, ErrCircuitOpen))
	initiate, _, _ := mock.Calls()
	require.Zero(t, initiate)
}
