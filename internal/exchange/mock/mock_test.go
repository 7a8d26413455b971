package mock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-core/internal/balance"
	"trading-core/internal/exchange"
	"trading-core/internal/money"
	"trading-core/internal/order"
)

func testRules(t *testing.T) *Rules {
	t.Helper()
	r, err := ParseRules([]SymbolRule{{
		Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT",
		TickSize: "0.01", MinNotional: "10",
		MakerFee: "0.001", TakerFee: "0.001",
	}})
	require.NoError(t, err)
	return r
}

func newVenue(t *testing.T, quote string) *Exchange {
	t.Helper()
	funds := balance.NewManager(nil)
	funds.SeedInitialBalance("USDT", money.MustParse(quote, "USDT"))
	e := New(Config{Rules: testRules(t), Seed: 1}, funds)
	e.SetReferencePrice("BTC/USDT", money.MustParse("50000", "USDT"))
	return e
}

func TestValidateRejectsUnknownSymbol(t *testing.T) {
	e := newVenue(t, "10000")
	res, err := e.Validate(context.Background(), exchange.ValidateRequest{
		Symbol: "DOGE/USDT", Side: order.SideBuy,
		Amount: money.MustParse("1", "DOGE"), Type: order.TypeMarket,
	})
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.Equal(t, exchange.RejectSymbolUnknown, res.Reason)
}

func TestValidateRejectsBelowMinNotional(t *testing.T) {
	e := newVenue(t, "10000")
	res, err := e.Validate(context.Background(), exchange.ValidateRequest{
		Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.0001", "BTC"), Type: order.TypeMarket,
	})
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.Equal(t, exchange.RejectAmountBelowMin, res.Reason)
}

func TestValidateRejectsTickViolation(t *testing.T) {
	e := newVenue(t, "10000")
	price := money.MustParse("50000.005", "USDT")
	res, err := e.Validate(context.Background(), exchange.ValidateRequest{
		Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Price: &price, Type: order.TypeLimit,
	})
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.Equal(t, exchange.RejectTickSizeViolation, res.Reason)
}

func TestMarketOrderFillsInstantly(t *testing.T) {
	e := newVenue(t, "10000")
	res, err := e.Submit(context.Background(), exchange.SubmitRequest{
		ClientOrderID: "c-1", Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Type: order.TypeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, exchange.SubmitAccepted, res.Kind)
	require.NotEmpty(t, res.VenueID)

	snap, err := e.Fetch(context.Background(), res.VenueID, "")
	require.NoError(t, err)
	require.Equal(t, order.StatusFilled, snap.Status)
	require.Equal(t, "0.10000000", snap.FilledAmount.String())
	// Zero slippage configured: fills exactly at reference with taker fee.
	require.Equal(t, "50000.00000000", snap.AvgFillPrice.String())
	require.Equal(t, "5.00000000", snap.FeesPaid.String())

	positions, err := e.FetchPositions(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "0.10000000", positions[0].Quantity.String())
}

func TestSubmitIdempotentOnClientOrderID(t *testing.T) {
	e := newVenue(t, "100000")
	req := exchange.SubmitRequest{
		ClientOrderID: "dup-1", Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Type: order.TypeMarket,
	}
	first, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Kind, second.Kind)
	require.Equal(t, first.VenueID, second.VenueID)

	positions, err := e.FetchPositions(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, "0.10000000", positions[0].Quantity.String())
}

func TestRestingLimitFillsWhenTapeCrosses(t *testing.T) {
	e := newVenue(t, "10000")
	price := money.MustParse("49000", "USDT")
	res, err := e.Submit(context.Background(), exchange.SubmitRequest{
		ClientOrderID: "lim-1", Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Price: &price, Type: order.TypeLimit,
	})
	require.NoError(t, err)
	require.Equal(t, exchange.SubmitAccepted, res.Kind)

	snap, err := e.Fetch(context.Background(), res.VenueID, "")
	require.NoError(t, err)
	require.Equal(t, order.StatusAccepted, snap.Status)

	e.SetReferencePrice("BTC/USDT", money.MustParse("48900", "USDT"))

	snap, err = e.Fetch(context.Background(), res.VenueID, "")
	require.NoError(t, err)
	require.Equal(t, order.StatusFilled, snap.Status)
	// Resting order fills at its limit price with the maker fee.
	require.Equal(t, "49000.00000000", snap.AvgFillPrice.String())
	require.Equal(t, "4.90000000", snap.FeesPaid.String())
}

func TestCancelRestingOrder(t *testing.T) {
	e := newVenue(t, "10000")
	price := money.MustParse("49000", "USDT")
	res, err := e.Submit(context.Background(), exchange.SubmitRequest{
		ClientOrderID: "lim-2", Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Price: &price, Type: order.TypeLimit,
	})
	require.NoError(t, err)

	cres, err := e.Cancel(context.Background(), res.VenueID)
	require.NoError(t, err)
	require.Equal(t, exchange.CancelAccepted, cres.Kind)

	cres, err = e.Cancel(context.Background(), res.VenueID)
	require.NoError(t, err)
	require.Equal(t, exchange.CancelRejected, cres.Kind)
}

func TestSubmitLatencyLeavesLiveOrderBehindTimeout(t *testing.T) {
	e := newVenue(t, "10000")
	e.SetSubmitLatency(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := e.Submit(ctx, exchange.SubmitRequest{
		ClientOrderID: "slow-1", Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Type: order.TypeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, exchange.SubmitTimeout, res.Kind)

	// The venue accepted and filled the order even though the caller gave up.
	snap, err := e.Fetch(context.Background(), "", "slow-1")
	require.NoError(t, err)
	require.Equal(t, order.StatusFilled, snap.Status)
}

func TestDeterministicWithSameSeed(t *testing.T) {
	run := func() (string, string) {
		funds := balance.NewManager(nil)
		funds.SeedInitialBalance("USDT", money.MustParse("100000", "USDT"))
		e := New(Config{Rules: testRules(t), Seed: 7, SlippageBps: decimal.NewFromInt(5)}, funds)
		e.SetReferencePrice("BTC/USDT", money.MustParse("50000", "USDT"))
		res, err := e.Submit(context.Background(), exchange.SubmitRequest{
			ClientOrderID: "det-1", Symbol: "BTC/USDT", Side: order.SideBuy,
			Amount: money.MustParse("0.1", "BTC"), Type: order.TypeMarket,
		})
		require.NoError(t, err)
		snap, err := e.Fetch(context.Background(), res.VenueID, "")
		require.NoError(t, err)
		return res.VenueID, snap.AvgFillPrice.String()
	}

	id1, price1 := run()
	id2, price2 := run()
	require.Equal(t, id1, id2)
	require.Equal(t, price1, price2)
}

func TestInsufficientVenueFundsRejects(t *testing.T) {
	e := newVenue(t, "100")
	res, err := e.Submit(context.Background(), exchange.SubmitRequest{
		ClientOrderID: "poor-1", Symbol: "BTC/USDT", Side: order.SideBuy,
		Amount: money.MustParse("0.1", "BTC"), Type: order.TypeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, exchange.SubmitRejected, res.Kind)
}
