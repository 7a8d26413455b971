package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trading-core/internal/balance"
	"trading-core/internal/exchange"
	"trading-core/internal/exchange/mock"
)

func mockFactory(t *testing.T, built *int) Factory {
	t.Helper()
	rules, err := mock.ParseRules([]mock.SymbolRule{{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT"}})
	require.NoError(t, err)
	return func(venue string) (exchange.Exchange, error) {
		if venue != "mock" {
			return nil, fmt.Errorf("no adapter for %q", venue)
		}
		if built != nil {
			*built++
		}
		return mock.New(mock.Config{Rules: rules, Seed: 1}, balance.NewManager(nil)), nil
	}
}

func TestGetOrCreateCachesClient(t *testing.T) {
	built := 0
	m := NewManager(mockFactory(t, &built), DefaultConfig())

	a, err := m.GetOrCreate(context.Background(), "mock")
	require.NoError(t, err)
	b, err := m.GetOrCreate(context.Background(), "mock")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, built)
}

func TestUnknownVenueErrors(t *testing.T) {
	m := NewManager(mockFactory(t, nil), DefaultConfig())
	_, err := m.GetOrCreate(context.Background(), "nope")
	require.ErrorIs(t, err, ErrVenueNotFound)
}

func TestFailureThresholdOpensCircuit(t *testing.T) {
	m := NewManager(mockFactory(t, nil), Config{FailureThreshold: 2, CircuitTimeout: time.Hour})

	_, err := m.GetOrCreate(context.Background(), "mock")
	require.NoError(t, err)
	require.True(t, m.Healthy("mock"))

	m.ReportFailure("mock")
	require.True(t, m.Healthy("mock"))
	m.ReportFailure("mock")
	require.False(t, m.Healthy("mock"))

	_, err = m.GetOrCreate(context.Background(), "mock")
	require.ErrorIs(t, err, ErrVenueUnhealthy)

	m.ReportSuccess("mock")
	require.True(t, m.Healthy("mock"))
}
