// Package mock is the deterministic in-memory exchange used for paper
// trading and the engine's property tests. It keeps its own venue-side
// balance ledger, independent of the account ledger the Gateway reserves
// against, and enforces the same validate rules a real venue would. Given
// the same seed, price tape, and submission sequence it produces identical
// outputs.
package mock

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-core/internal/balance"
	"trading-core/internal/exchange"
	"trading-core/internal/money"
	"trading-core/internal/order"
)

// Config configures the simulated venue.
type Config struct {
	Rules       *Rules
	Seed        int64
	SlippageBps decimal.Decimal // applied to market fills, scaled by seeded noise
	// SubmitLatency delays Submit after the order is placed; used to
	// exercise the timeout path where the venue accepted an order the
	// caller never heard back about.
	SubmitLatency time.Duration
}

type venueOrder struct {
	snapshot order.Order
	rule     parsedRule
}

type venuePos struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// Exchange is the simulated venue.
type Exchange struct {
	cfg   Config
	rules *Rules
	funds *balance.Manager // the venue's view of the account's funds

	mu        sync.Mutex
	refPrices map[string]decimal.Decimal
	rng       *rand.Rand
	orders    map[string]*venueOrder // by client order id
	byVenueID map[string]string      // venue id -> client order id
	positions map[string]*venuePos

	submitLatency time.Duration
}

// New constructs the simulated venue. The funds manager is the venue-side
// ledger; seed it with the same starting capital as the account ledger so the
// two views reconcile from the first cycle.
func New(cfg Config, funds *balance.Manager) *Exchange {
	return &Exchange{
		cfg:           cfg,
		rules:         cfg.Rules,
		funds:         funds,
		refPrices:     make(map[string]decimal.Decimal),
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		orders:        make(map[string]*venueOrder),
		byVenueID:     make(map[string]string),
		positions:     make(map[string]*venuePos),
		submitLatency: cfg.SubmitLatency,
	}
}

// SetSubmitLatency adjusts the injected submit delay at runtime (tests).
func (e *Exchange) SetSubmitLatency(d time.Duration) {
	e.mu.Lock()
	e.submitLatency = d
	e.mu.Unlock()
}

// SetReferencePrice records the current reference price for a symbol and
// fills any queued limit orders the new price crosses.
func (e *Exchange) SetReferencePrice(symbol string, price money.Money) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refPrices[symbol] = price.Decimal()
	e.fillCrossedLocked(symbol, price.Decimal())
}

// ReferencePrice returns the last recorded reference price for symbol.
func (e *Exchange) ReferencePrice(symbol string) (money.Money, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules.Lookup(symbol)
	if !ok {
		return money.Money{}, false
	}
	p, ok := e.refPrices[symbol]
	if !ok {
		return money.Money{}, false
	}
	return money.FromDecimal(p, rule.Quote), true
}

// Validate enforces the venue's trading rules without side effects.
func (e *Exchange) Validate(ctx context.Context, req exchange.ValidateRequest) (exchange.ValidateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules.Lookup(req.Symbol)
	if !ok {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectSymbolUnknown}, nil
	}
	if req.Amount.Sign() <= 0 {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectAmountBelowMin}, nil
	}

	ref, haveRef := e.refPrices[req.Symbol]
	price := ref
	if req.Price != nil {
		price = req.Price.Decimal()
	}
	if price.Sign() <= 0 {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectPriceOutOfBand}, nil
	}

	notional := req.Amount.Decimal().Mul(price)
	if notional.LessThan(rule.minNotional) {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectAmountBelowMin}, nil
	}

	if req.Price != nil {
		if !req.Price.Decimal().Mod(rule.tickSize).IsZero() {
			return exchange.ValidateResult{Ok: false, Reason: exchange.RejectTickSizeViolation}, nil
		}
		if haveRef {
			band := ref.Mul(rule.priceBand)
			if req.Price.Decimal().Sub(ref).Abs().GreaterThan(band) {
				return exchange.ValidateResult{Ok: false, Reason: exchange.RejectPriceOutOfBand}, nil
			}
		}
	}
	return exchange.ValidateResult{Ok: true}, nil
}

// Submit places an order. Idempotent on client order id: a second call with
// the same id returns the earlier outcome without creating a second order.
// The injected latency runs after placement, so a caller-side deadline expiry
// leaves a live venue order behind, exactly the failure mode startup recovery
// has to untangle.
func (e *Exchange) Submit(ctx context.Context, req exchange.SubmitRequest) (exchange.SubmitResult, error) {
	e.mu.Lock()

	if existing, ok := e.orders[req.ClientOrderID]; ok {
		res := exchange.SubmitResult{Kind: exchange.SubmitAccepted, VenueID: existing.snapshot.VenueOrderID}
		if existing.snapshot.Status == order.StatusRejected {
			res = exchange.SubmitResult{Kind: exchange.SubmitRejected, Reason: exchange.RejectReason("duplicate of rejected order")}
		}
		e.mu.Unlock()
		return res, nil
	}

	vres, _ := e.validateLocked(req)
	if !vres.Ok {
		e.mu.Unlock()
		return exchange.SubmitResult{Kind: exchange.SubmitRejected, Reason: vres.Reason}, nil
	}

	rule, _ := e.rules.Lookup(req.Symbol)
	venueID := e.nextVenueID()
	vo := &venueOrder{
		rule: rule,
		snapshot: order.Order{
			ClientOrderID:   req.ClientOrderID,
			VenueOrderID:    venueID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Type:            req.Type,
			RequestedAmount: req.Amount,
			RequestedPrice:  req.Price,
			FilledAmount:    money.Zero(rule.Base),
			AvgFillPrice:    money.Zero(rule.Quote),
			FeesPaid:        money.Zero(rule.Quote),
			Status:          order.StatusAccepted,
			SubmittedAt:     time.Now(),
		},
	}
	e.orders[req.ClientOrderID] = vo
	e.byVenueID[venueID] = req.ClientOrderID

	switch req.Type {
	case order.TypeMarket:
		ref := e.refPrices[req.Symbol]
		fillPrice := e.slippedPriceLocked(ref, req.Side)
		if err := e.fillLocked(vo, fillPrice, rule.takerFee); err != nil {
			vo.snapshot.Status = order.StatusRejected
			e.mu.Unlock()
			return exchange.SubmitResult{Kind: exchange.SubmitRejected, Reason: exchange.RejectReason(err.Error())}, nil
		}
	case order.TypeLimit:
		ref := e.refPrices[req.Symbol]
		if crosses(req.Side, req.Price.Decimal(), ref) {
			// Crossing limit takes liquidity at the reference price.
			if err := e.fillLocked(vo, ref, rule.takerFee); err != nil {
				vo.snapshot.Status = order.StatusRejected
				e.mu.Unlock()
				return exchange.SubmitResult{Kind: exchange.SubmitRejected, Reason: exchange.RejectReason(err.Error())}, nil
			}
		}
		// Otherwise the order rests ACCEPTED until the tape crosses it.
	}

	delay := e.submitLatency
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return exchange.SubmitResult{Kind: exchange.SubmitTimeout}, nil
		}
	}
	return exchange.SubmitResult{Kind: exchange.SubmitAccepted, VenueID: venueID}, nil
}

// validateLocked re-runs Validate's rules while already holding the lock.
func (e *Exchange) validateLocked(req exchange.SubmitRequest) (exchange.ValidateResult, error) {
	rule, ok := e.rules.Lookup(req.Symbol)
	if !ok {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectSymbolUnknown}, nil
	}
	if req.Amount.Sign() <= 0 {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectAmountBelowMin}, nil
	}
	ref := e.refPrices[req.Symbol]
	price := ref
	if req.Price != nil {
		price = req.Price.Decimal()
	}
	if price.Sign() <= 0 {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectPriceOutOfBand}, nil
	}
	if req.Amount.Decimal().Mul(price).LessThan(rule.minNotional) {
		return exchange.ValidateResult{Ok: false, Reason: exchange.RejectAmountBelowMin}, nil
	}
	return exchange.ValidateResult{Ok: true}, nil
}

// slippedPriceLocked applies the configured slippage scaled by seeded noise.
// Buys pay up, sells receive less.
func (e *Exchange) slippedPriceLocked(ref decimal.Decimal, side order.Side) decimal.Decimal {
	if e.cfg.SlippageBps.IsZero() {
		return ref
	}
	frac := e.cfg.SlippageBps.Div(decimal.NewFromInt(10000))
	noise := decimal.NewFromInt(int64(e.rng.Intn(10001))).Div(decimal.NewFromInt(10000))
	adj := ref.Mul(frac).Mul(noise)
	if side == order.SideBuy {
		return ref.Add(adj)
	}
	return ref.Sub(adj)
}

// fillLocked executes a full fill at price, moving the venue-side funds and
// position. Fees are charged on executed notional in the quote currency.
func (e *Exchange) fillLocked(vo *venueOrder, price decimal.Decimal, feeRate decimal.Decimal) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("no reference price for %s", vo.snapshot.Symbol)
	}
	rule := vo.rule
	qty := vo.snapshot.RequestedAmount.Decimal()
	notional := qty.Mul(price)
	fee := notional.Mul(feeRate)

	if e.funds != nil {
		switch vo.snapshot.Side {
		case order.SideBuy:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			res, err := e.funds.Reserve(ctx, rule.Quote, money.FromDecimal(notional.Add(fee), rule.Quote), "venue:"+vo.snapshot.VenueOrderID)
			cancel()
			if err != nil {
				return fmt.Errorf("insufficient venue funds")
			}
			if err := e.funds.Commit(res, res.Amount); err != nil {
				return err
			}
			if err := e.funds.Credit(rule.Base, money.FromDecimal(qty, rule.Base), "fill "+vo.snapshot.VenueOrderID); err != nil {
				return err
			}
		case order.SideSell:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			res, err := e.funds.Reserve(ctx, rule.Base, money.FromDecimal(qty, rule.Base), "venue:"+vo.snapshot.VenueOrderID)
			cancel()
			if err != nil {
				return fmt.Errorf("insufficient venue funds")
			}
			if err := e.funds.Commit(res, res.Amount); err != nil {
				return err
			}
			if err := e.funds.Credit(rule.Quote, money.FromDecimal(notional.Sub(fee), rule.Quote), "fill "+vo.snapshot.VenueOrderID); err != nil {
				return err
			}
		}
	}

	vo.snapshot.FilledAmount = money.FromDecimal(qty, rule.Base)
	vo.snapshot.AvgFillPrice = money.FromDecimal(price, rule.Quote)
	vo.snapshot.FeesPaid = money.FromDecimal(fee, rule.Quote)
	vo.snapshot.Status = order.StatusFilled
	now := time.Now()
	vo.snapshot.TerminalAt = &now

	pos, ok := e.positions[vo.snapshot.Symbol]
	if !ok {
		pos = &venuePos{}
		e.positions[vo.snapshot.Symbol] = pos
	}
	signed := qty
	if vo.snapshot.Side == order.SideSell {
		signed = qty.Neg()
	}
	newQty := pos.qty.Add(signed)
	if newQty.Sign() != 0 && (pos.qty.Sign() == 0 || pos.qty.Sign() == signed.Sign()) {
		pos.avg = pos.qty.Abs().Mul(pos.avg).Add(qty.Mul(price)).Div(newQty.Abs())
	}
	pos.qty = newQty

	log.Printf("🏦 mock venue filled %s %s %s @ %s (fee %s)",
		vo.snapshot.Side, vo.snapshot.FilledAmount, vo.snapshot.Symbol,
		vo.snapshot.AvgFillPrice, vo.snapshot.FeesPaid)
	return nil
}

// crosses reports whether a limit at price would trade against the reference.
func crosses(side order.Side, price, ref decimal.Decimal) bool {
	if ref.Sign() <= 0 {
		return false
	}
	if side == order.SideBuy {
		return price.GreaterThanOrEqual(ref)
	}
	return price.LessThanOrEqual(ref)
}

// fillCrossedLocked fills resting limit orders the new price crosses, at
// their limit price with the maker fee.
func (e *Exchange) fillCrossedLocked(symbol string, ref decimal.Decimal) {
	for _, vo := range e.orders {
		if vo.snapshot.Symbol != symbol || vo.snapshot.Status != order.StatusAccepted {
			continue
		}
		if vo.snapshot.Type != order.TypeLimit || vo.snapshot.RequestedPrice == nil {
			continue
		}
		if crosses(vo.snapshot.Side, vo.snapshot.RequestedPrice.Decimal(), ref) {
			if err := e.fillLocked(vo, vo.snapshot.RequestedPrice.Decimal(), vo.rule.makerFee); err != nil {
				log.Printf("🏦 mock venue resting fill failed for %s: %v", vo.snapshot.VenueOrderID, err)
			}
		}
	}
}

// nextVenueID derives a venue order id from the seeded rng so runs with the
// same seed assign identical ids.
func (e *Exchange) nextVenueID() string {
	id, err := uuid.NewRandomFromReader(e.rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Fetch returns the venue's view of an order by venue id, falling back to
// client order id when venueID is empty.
func (e *Exchange) Fetch(ctx context.Context, venueID, clientOrderID string) (exchange.OrderSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cid := clientOrderID
	if venueID != "" {
		if mapped, ok := e.byVenueID[venueID]; ok {
			cid = mapped
		}
	}
	vo, ok := e.orders[cid]
	if !ok {
		return exchange.OrderSnapshot{}, fmt.Errorf("mock: unknown order %q/%q", venueID, clientOrderID)
	}
	return exchange.OrderSnapshot{
		VenueID:       vo.snapshot.VenueOrderID,
		ClientOrderID: vo.snapshot.ClientOrderID,
		Status:        vo.snapshot.Status,
		FilledAmount:  vo.snapshot.FilledAmount,
		AvgFillPrice:  vo.snapshot.AvgFillPrice,
		FeesPaid:      vo.snapshot.FeesPaid,
	}, nil
}

// Cancel cancels a resting order. Terminal orders reject the cancel.
func (e *Exchange) Cancel(ctx context.Context, venueID string) (exchange.CancelResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cid, ok := e.byVenueID[venueID]
	if !ok {
		return exchange.CancelResult{Kind: exchange.CancelRejected, Reason: "unknown venue order id"}, nil
	}
	vo := e.orders[cid]
	if vo.snapshot.Status.IsTerminal() {
		return exchange.CancelResult{Kind: exchange.CancelRejected, Reason: "order already terminal"}, nil
	}
	vo.snapshot.Status = order.StatusCancelled
	now := time.Now()
	vo.snapshot.TerminalAt = &now
	return exchange.CancelResult{Kind: exchange.CancelAccepted}, nil
}

// FetchPositions returns the venue's position view; empty symbol returns all.
func (e *Exchange) FetchPositions(ctx context.Context, symbol string) ([]order.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []order.Position
	for sym, pos := range e.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		rule, _ := e.rules.Lookup(sym)
		out = append(out, order.Position{
			Symbol:        sym,
			Quantity:      money.FromDecimal(pos.qty, rule.Base),
			AvgEntryPrice: money.FromDecimal(pos.avg, rule.Quote),
			RealizedPnL:   money.Zero(rule.Quote),
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

// ForcePosition overwrites the venue's position for a symbol; used by the
// reconciliation tests to simulate drift between the two views.
func (e *Exchange) ForcePosition(symbol string, qty money.Money) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		pos = &venuePos{}
		e.positions[symbol] = pos
	}
	pos.qty = qty.Decimal()
}

var _ exchange.Exchange = (*Exchange)(nil)
