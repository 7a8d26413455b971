package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/exchange/mock"
	"trading-core/internal/lock"
	"trading-core/internal/money"
	"trading-core/internal/order"
	"trading-core/internal/orderstore"
	"trading-core/internal/position"
)

type harness struct {
	gw       *Gateway
	balances *balance.Manager
	venue    *mock.Exchange
	brk      *breaker.Breaker
	store    *orderstore.Store
	tracker  *position.Tracker
}

func newHarness(t *testing.T, startingQuote string) *harness {
	t.Helper()

	rules, err := mock.ParseRules([]mock.SymbolRule{{
		Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT",
		TickSize: "0.01", MinNotional: "10",
		MakerFee: "0.001", TakerFee: "0.001",
	}})
	require.NoError(t, err)

	venueFunds := balance.NewManager(nil)
	venueFunds.SeedInitialBalance("USDT", money.MustParse("1000000", "USDT"))
	venueFunds.SeedInitialBalance("BTC", money.MustParse("100", "BTC"))
	venue := mock.New(mock.Config{Rules: rules, Seed: 1}, venueFunds)
	venue.SetReferencePrice("BTC/USDT", money.MustParse("50000", "USDT"))

	balances := balance.NewManager(nil)
	balances.SeedInitialBalance("USDT", money.MustParse(startingQuote, "USDT"))

	store, err := orderstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	brk := breaker.New(breaker.Config{
		LossThreshold:      decimal.RequireFromString("0.1"),
		ReconcileFailLimit: 3,
	})

	tracker := position.NewTracker(store)

	value := func() decimal.Decimal {
		total := balances.Snapshot()["USDT"].Total.Decimal()
		for _, p := range tracker.Positions() {
			if ref, ok := venue.ReferencePrice(p.Symbol); ok {
				total = total.Add(p.Quantity.Decimal().Mul(ref.Decimal()))
			}
		}
		return total
	}

	gw := New(Config{
		SymbolLockTimeout: 500 * time.Millisecond,
		SubmitTimeout:     200 * time.Millisecond,
		FetchPollInterval: 5 * time.Millisecond,
		FetchPollDeadline: 2 * time.Second,
		FeeBufferRate:     decimal.RequireFromString("0.001"),
	}, brk, lock.NewLocker(), balances, store, venue, nil, tracker, venue, value)
	gw.SetReady()

	return &harness{gw: gw, balances: balances, venue: venue, brk: brk, store: store, tracker: tracker}
}

func marketBuy(nonce string) Request {
	return Request{
		AgentID: "agent-A", Symbol: "BTC/USDT", Side: order.SideBuy,
		Type: order.TypeMarket, Amount: money.MustParse("0.1", "BTC"), Nonce: nonce,
	}
}

func TestHappyPathMarketBuy(t *testing.T) {
	h := newHarness(t, "10000")

	res, err := h.gw.Submit(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	require.Equal(t, order.StatusFilled, res.Order.Status)
	require.Equal(t, "0.10000000", res.Order.FilledAmount.String())
	require.Equal(t, "50000.00000000", res.Order.AvgFillPrice.String())
	require.Equal(t, "5.00000000", res.Order.FeesPaid.String())

	usdt := h.balances.Snapshot()["USDT"]
	require.Equal(t, "4995.00000000", usdt.Total.String())
	require.Equal(t, "0.00000000", usdt.Reserved.String())
	require.Equal(t, "4995.00000000", usdt.Available.String())

	btc := h.balances.Snapshot()["BTC"]
	require.Equal(t, "0.10000000", btc.Total.String())

	pos := h.tracker.Position("BTC/USDT", "BTC", "USDT")
	require.Equal(t, "0.10000000", pos.Quantity.String())

	rec, err := h.store.GetByClientID(context.Background(), res.Order.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusFilled, rec.Status)
}

func TestInsufficientFundsRejected(t *testing.T) {
	h := newHarness(t, "100")

	res, err := h.gw.Submit(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	require.True(t, res.Rejected)
	require.Equal(t, ReasonInsufficientFunds, res.Reason)

	usdt := h.balances.Snapshot()["USDT"]
	require.Equal(t, "100.00000000", usdt.Total.String())
	require.Equal(t, "0.00000000", usdt.Reserved.String())
	require.Empty(t, h.balances.AllReservations())

	// Nothing beyond the rejection made it to the venue or the store.
	_, err = h.store.GetByClientID(context.Background(), ClientOrderID(marketBuy("1")))
	require.ErrorIs(t, err, orderstore.ErrNotFound)
}

func TestIdempotentRetryReturnsExistingRecord(t *testing.T) {
	h := newHarness(t, "10000")

	first, err := h.gw.Submit(context.Background(), marketBuy("42"))
	require.NoError(t, err)
	require.Equal(t, order.StatusFilled, first.Order.Status)

	second, err := h.gw.Submit(context.Background(), marketBuy("42"))
	require.NoError(t, err)
	require.Equal(t, first.Order.ClientOrderID, second.Order.ClientOrderID)
	require.Equal(t, order.StatusFilled, second.Order.Status)

	// One fill, one reservation cycle: balances unchanged by the retry.
	usdt := h.balances.Snapshot()["USDT"]
	require.Equal(t, "4995.00000000", usdt.Total.String())
	pos := h.tracker.Position("BTC/USDT", "BTC", "USDT")
	require.Equal(t, "0.10000000", pos.Quantity.String())

	// A different nonce is a different order.
	require.NotEqual(t, ClientOrderID(marketBuy("42")), ClientOrderID(marketBuy("43")))
}

func TestCircuitBreakerDeniesSubmissions(t *testing.T) {
	h := newHarness(t, "10000")

	// Establish the peak, then breach the loss threshold.
	h.brk.Check(decimal.NewFromInt(10000))
	h.brk.Check(decimal.NewFromInt(8900))
	require.Equal(t, breaker.StateDraining, h.brk.CurrentState())

	res, err := h.gw.Submit(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	require.True(t, res.Rejected)
	require.Equal(t, ReasonCircuitBreaker, res.Reason)
}

func TestSubmitTimeoutRetainsReservation(t *testing.T) {
	h := newHarness(t, "10000")
	h.venue.SetSubmitLatency(2 * time.Second)

	res, err := h.gw.Submit(context.Background(), marketBuy("7"))
	require.NoError(t, err)
	require.Equal(t, order.StatusPendingVerification, res.Order.Status)

	// Reservation retained for recovery to resolve.
	usdt := h.balances.Snapshot()["USDT"]
	require.Equal(t, "5005.00000000", usdt.Reserved.String())
	require.Len(t, h.balances.AllReservations(), 1)

	rec, err := h.store.GetByClientID(context.Background(), res.Order.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPendingVerification, rec.Status)
}

func TestNotReadyRefusesSubmissions(t *testing.T) {
	rules, err := mock.ParseRules([]mock.SymbolRule{{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT"}})
	require.NoError(t, err)
	venue := mock.New(mock.Config{Rules: rules, Seed: 1}, nil)
	store, err := orderstore.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	gw := New(Config{}, breaker.New(breaker.Config{LossThreshold: decimal.RequireFromString("0.1")}),
		lock.NewLocker(), balance.NewManager(nil), store, venue, nil,
		position.NewTracker(nil), venue, func() decimal.Decimal { return decimal.Zero })

	res, err := gw.Submit(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	require.True(t, res.Rejected)
	require.Equal(t, ReasonNotReady, res.Reason)
}

func TestSymbolLockSerializesPerSymbol(t *testing.T) {
	h := newHarness(t, "100000")

	// Hold the symbol lock so the submission cannot acquire it in time.
	guard, err := lockAcquire(h, "BTC/USDT")
	require.NoError(t, err)

	res, err := h.gw.Submit(context.Background(), marketBuy("9"))
	require.NoError(t, err)
	require.True(t, res.Rejected)
	require.Equal(t, ReasonSymbolBusy, res.Reason)

	// The timed-out submission must not have wedged the symbol: after the
	// holder releases, the same request goes straight through.
	guard.Release()

	res, err = h.gw.Submit(context.Background(), marketBuy("9"))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	require.Equal(t, order.StatusFilled, res.Order.Status)
}

// lockAcquire reaches into the gateway's locker through a fresh acquire on
// the same instance.
func lockAcquire(h *harness, symbol string) (*lock.Guard, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.gw.locker.Acquire(ctx, symbol, "test-holder")
}

func TestConcurrentSubmissionsHoldBalanceInvariant(t *testing.T) {
	h := newHarness(t, "100000")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		nonce := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.gw.Submit(context.Background(), marketBuy(nonce))
		}()
	}
	wg.Wait()

	usdt := h.balances.Snapshot()["USDT"]
	total, err := usdt.Available.Add(usdt.Reserved)
	require.NoError(t, err)
	require.Equal(t, usdt.Total.String(), total.String())
	require.Empty(t, h.balances.AllReservations())

	// 8 fills of 0.1 BTC each.
	pos := h.tracker.Position("BTC/USDT", "BTC", "USDT")
	require.Equal(t, "0.80000000", pos.Quantity.String())
}
