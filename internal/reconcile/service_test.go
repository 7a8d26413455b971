package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/exchange"
	"trading-core/internal/exchange/mock"
	"trading-core/internal/money"
	"trading-core/internal/order"
	"trading-core/internal/orderstore"
	"trading-core/internal/position"
)

type fixture struct {
	svc     *Service
	venue   *mock.Exchange
	tracker *position.Tracker
	brk     *breaker.Breaker
	store   *orderstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rules, err := mock.ParseRules([]mock.SymbolRule{{
		Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT",
	}})
	require.NoError(t, err)
	venue := mock.New(mock.Config{Rules: rules, Seed: 1}, balance.NewManager(nil))
	venue.SetReferencePrice("BTC/USDT", money.MustParse("50000", "USDT"))

	store, err := orderstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := position.NewTracker(nil)
	brk := breaker.New(breaker.Config{
		LossThreshold:      decimal.RequireFromString("0.1"),
		ReconcileFailLimit: 3,
	})

	svc := NewService(Config{
		Tolerance: decimal.RequireFromString("0.01"),
		Symbols:   []string{"BTC/USDT"},
	}, venue, tracker, store, brk, nil)

	return &fixture{svc: svc, venue: venue, tracker: tracker, brk: brk, store: store}
}

func TestCycleSyncsWithinTolerance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.RecordFill(ctx, "BTC/USDT", order.SideBuy,
		money.MustParse("0.1", "BTC"), money.MustParse("50000", "USDT"))
	require.NoError(t, err)
	// Exchange reports a hair more; within 1% of max(1, |E|).
	f.venue.ForcePosition("BTC/USDT", money.MustParse("0.105", "BTC"))

	require.NoError(t, f.svc.Cycle(ctx))

	p := f.tracker.Position("BTC/USDT", "BTC", "USDT")
	require.Equal(t, "0.10500000", p.Quantity.String())
	require.Equal(t, breaker.StateClosed, f.brk.CurrentState())
}

func TestCycleMismatchTripsBreakerAfterLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.RecordFill(ctx, "BTC/USDT", order.SideBuy,
		money.MustParse("0.1", "BTC"), money.MustParse("50000", "USDT"))
	require.NoError(t, err)
	// Exchange sees half the position: far beyond tolerance.
	f.venue.ForcePosition("BTC/USDT", money.MustParse("0.05", "BTC"))

	require.Error(t, f.svc.Cycle(ctx))
	require.Error(t, f.svc.Cycle(ctx))
	require.Equal(t, breaker.StateClosed, f.brk.CurrentState())

	// Third consecutive failure opens the breaker.
	require.Error(t, f.svc.Cycle(ctx))
	require.Equal(t, breaker.StateOpen, f.brk.CurrentState())
}

func TestCycleMismatchCancelsOpenOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Rest a limit order at the venue and mirror it in the store.
	price := money.MustParse("49000", "USDT")
	sres, err := f.venue.Submit(ctx, exchangeSubmit("rest-1", &price))
	require.NoError(t, err)

	rec := order.Order{
		ClientOrderID:   "rest-1",
		VenueOrderID:    sres.VenueID,
		AgentID:         "agent-A",
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		Type:            order.TypeLimit,
		RequestedAmount: money.MustParse("0.1", "BTC"),
		RequestedPrice:  &price,
		FilledAmount:    money.Zero("BTC"),
		AvgFillPrice:    money.Zero("USDT"),
		FeesPaid:        money.Zero("USDT"),
		Status:          order.StatusAccepted,
	}
	require.NoError(t, f.store.Put(ctx, rec, ""))

	_, err = f.tracker.RecordFill(ctx, "BTC/USDT", order.SideBuy,
		money.MustParse("0.1", "BTC"), money.MustParse("50000", "USDT"))
	require.NoError(t, err)
	f.venue.ForcePosition("BTC/USDT", money.MustParse("0.5", "BTC"))

	require.Error(t, f.svc.Cycle(ctx))

	snap, err := f.venue.Fetch(ctx, sres.VenueID, "")
	require.NoError(t, err)
	require.Equal(t, order.StatusCancelled, snap.Status)
}

func exchangeSubmit(clientID string, price *money.Money) exchange.SubmitRequest {
	return exchange.SubmitRequest{
		ClientOrderID: clientID,
		Symbol:        "BTC/USDT",
		Side:          order.SideBuy,
		Amount:        money.MustParse("0.1", "BTC"),
		Price:         price,
		Type:          order.TypeLimit,
	}
}
