package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/exchange"
	"trading-core/internal/exchange/mock"
	"trading-core/internal/gateway"
	"trading-core/internal/lock"
	"trading-core/internal/money"
	"trading-core/internal/order"
	"trading-core/internal/orderstore"
	"trading-core/internal/position"
	"trading-core/internal/reconcile"
)

type world struct {
	deps     Deps
	balances *balance.Manager
	venue    *mock.Exchange
	tracker  *position.Tracker
	store    *orderstore.Store
}

func newWorld(t *testing.T) *world {
	t.Helper()
	rules, err := mock.ParseRules([]mock.SymbolRule{{
		Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT",
		TakerFee: "0.001",
	}})
	require.NoError(t, err)

	venueFunds := balance.NewManager(nil)
	venueFunds.SeedInitialBalance("USDT", money.MustParse("1000000", "USDT"))
	venue := mock.New(mock.Config{Rules: rules, Seed: 1}, venueFunds)
	venue.SetReferencePrice("BTC/USDT", money.MustParse("50000", "USDT"))

	balances := balance.NewManager(nil)
	balances.SeedInitialBalance("USDT", money.MustParse("10000", "USDT"))

	store, err := orderstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	brk := breaker.New(breaker.Config{
		LossThreshold:      decimal.RequireFromString("0.1"),
		ReconcileFailLimit: 3,
	})
	tracker := position.NewTracker(store)

	gw := gateway.New(gateway.Config{
		FetchPollInterval: 5 * time.Millisecond,
		FetchPollDeadline: time.Second,
		FeeBufferRate:     decimal.RequireFromString("0.001"),
	}, brk, lock.NewLocker(), balances, store, venue, nil, tracker, venue,
		func() decimal.Decimal { return decimal.NewFromInt(10000) })

	rec := reconcile.NewService(reconcile.Config{
		Tolerance: decimal.RequireFromString("0.01"),
		Symbols:   []string{"BTC/USDT"},
	}, venue, tracker, store, brk, nil)

	return &world{
		deps: Deps{
			Breaker: brk, Store: store, Venue: venue, Gateway: gw,
			Balances: balances, Reconciler: rec,
		},
		balances: balances, venue: venue, tracker: tracker, store: store,
	}
}

// Simulates the submit-timeout crash: the venue filled the order but the
// process died before hearing back. Recovery must settle the fill, consume
// the reservation, and sync the position.
func TestRecoveryResolvesPendingVerification(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// The order reached the venue and filled.
	sres, err := w.venue.Submit(ctx, exchange.SubmitRequest{
		ClientOrderID: "crash-1", Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Type: order.TypeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, exchange.SubmitAccepted, sres.Kind)

	// The account side crashed right after reserving and parking the record.
	res, err := w.balances.Reserve(ctx, "USDT", money.MustParse("5005", "USDT"), "agent-A")
	require.NoError(t, err)
	now := time.Now()
	parked := order.Order{
		ClientOrderID:   "crash-1",
		AgentID:         "agent-A",
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		Type:            order.TypeMarket,
		RequestedAmount: money.MustParse("0.1", "BTC"),
		FilledAmount:    money.Zero("BTC"),
		AvgFillPrice:    money.Zero("USDT"),
		FeesPaid:        money.Zero("USDT"),
		Status:          order.StatusPendingVerification,
		SubmittedAt:     now,
		TerminalAt:      &now,
		ReservationID:   res.ID,
	}
	require.NoError(t, w.store.Put(ctx, parked, "submit timed out; reservation retained"))

	require.NoError(t, Run(ctx, w.deps))
	require.True(t, w.deps.Gateway.Ready())

	// The fill was applied: 5000 notional + 5 fee committed, BTC credited.
	usdt := w.balances.Snapshot()["USDT"]
	require.Equal(t, "4995.00000000", usdt.Total.String())
	require.Equal(t, "0.00000000", usdt.Reserved.String())
	btc := w.balances.Snapshot()["BTC"]
	require.Equal(t, "0.10000000", btc.Total.String())

	final, err := w.store.GetByClientID(ctx, "crash-1")
	require.NoError(t, err)
	require.Equal(t, order.StatusFilled, final.Status)

	p := w.tracker.Position("BTC/USDT", "BTC", "USDT")
	require.Equal(t, "0.10000000", p.Quantity.String())
}

// An order persisted RESERVED that never reached the venue: recovery refunds
// the reservation and closes the record.
func TestRecoveryReleasesNeverSubmittedOrder(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	res, err := w.balances.Reserve(ctx, "USDT", money.MustParse("5005", "USDT"), "agent-A")
	require.NoError(t, err)
	rec := order.Order{
		ClientOrderID:   "ghost-1",
		AgentID:         "agent-A",
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		Type:            order.TypeMarket,
		RequestedAmount: money.MustParse("0.1", "BTC"),
		FilledAmount:    money.Zero("BTC"),
		AvgFillPrice:    money.Zero("USDT"),
		FeesPaid:        money.Zero("USDT"),
		Status:          order.StatusReserved,
		SubmittedAt:     time.Now(),
		ReservationID:   res.ID,
	}
	require.NoError(t, w.store.Put(ctx, rec, ""))

	require.NoError(t, Run(ctx, w.deps))

	usdt := w.balances.Snapshot()["USDT"]
	require.Equal(t, "10000.00000000", usdt.Total.String())
	require.Equal(t, "0.00000000", usdt.Reserved.String())

	final, err := w.store.GetByClientID(ctx, "ghost-1")
	require.NoError(t, err)
	require.Equal(t, order.StatusRejected, final.Status)
}

// A reservation with no order record at all is an orphan; recovery reclaims it.
func TestRecoveryReleasesOrphanReservations(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	_, err := w.balances.Reserve(ctx, "USDT", money.MustParse("1234", "USDT"), "agent-A")
	require.NoError(t, err)

	require.NoError(t, Run(ctx, w.deps))

	usdt := w.balances.Snapshot()["USDT"]
	require.Equal(t, "10000.00000000", usdt.Available.String())
	require.Empty(t, w.balances.AllReservations())
}

// A persisted DRAINING state resumes as OPEN and the gateway still becomes
// ready, but the breaker refuses submissions until an operator reset.
func TestRecoveryKeepsBreakerOpen(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	statePath := t.TempDir() + "/breaker.json"
	persisted := breaker.New(breaker.Config{
		LossThreshold:      decimal.RequireFromString("0.1"),
		ReconcileFailLimit: 3,
		StatePath:          statePath,
	})
	persisted.Check(decimal.NewFromInt(10000))
	persisted.Check(decimal.NewFromInt(8900)) // CLOSED -> DRAINING, persisted

	reloaded := breaker.New(breaker.Config{
		LossThreshold:      decimal.RequireFromString("0.1"),
		ReconcileFailLimit: 3,
		StatePath:          statePath,
	})
	w.deps.Breaker = reloaded

	require.NoError(t, Run(ctx, w.deps))
	require.Equal(t, breaker.StateOpen, reloaded.CurrentState())
}
