// Package position keeps the account's per-symbol net position view: signed
// quantity, average entry price, and realized P&L, updated on every fill and
// overwritten by the reconciler when the exchange disagrees within tolerance.
package position

import (
	"context"
	"sync"
	"time"

	"trading-core/internal/money"
	"trading-core/internal/order"
)

// Store is the subset of orderstore the tracker persists through; nil means
// in-memory only (tests).
type Store interface {
	UpsertPosition(ctx context.Context, p order.Position) error
	ListPositions(ctx context.Context) ([]order.Position, error)
}

// Tracker keeps an in-memory view of positions while persisting each change
// for durability across restarts.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]order.Position
	store     Store
}

// NewTracker constructs an empty Tracker.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		positions: make(map[string]order.Position),
		store:     store,
	}
}

// Load seeds in-memory state from the store on startup.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	positions, err := t.store.ListPositions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range positions {
		t.positions[p.Symbol] = p
	}
	return nil
}

// Position returns the latest snapshot for a symbol. A symbol that was never
// traded returns a zero-quantity position in the given base currency.
func (t *Tracker) Position(symbol, baseCurrency, quoteCurrency string) order.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.positions[symbol]; ok {
		return p
	}
	return order.Position{
		Symbol:        symbol,
		Quantity:      money.Zero(baseCurrency),
		AvgEntryPrice: money.Zero(quoteCurrency),
		RealizedPnL:   money.Zero(quoteCurrency),
	}
}

// Positions returns a snapshot of all tracked positions.
func (t *Tracker) Positions() []order.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]order.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

// RecordFill adjusts the position for a fill and persists it. Buys add to the
// signed quantity, sells subtract. Reducing an open position realizes P&L
// against the average entry price; flipping through zero re-opens at the fill
// price. A position reduced exactly to zero is retained, not removed.
func (t *Tracker) RecordFill(ctx context.Context, symbol string, side order.Side, qty, price money.Money) (order.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		p = order.Position{
			Symbol:        symbol,
			Quantity:      money.Zero(qty.Currency()),
			AvgEntryPrice: money.Zero(price.Currency()),
			RealizedPnL:   money.Zero(price.Currency()),
		}
	}

	oldQty := p.Quantity.Decimal()
	oldAvg := p.AvgEntryPrice.Decimal()
	fillQty := qty.Decimal()
	fillPrice := price.Decimal()
	realized := p.RealizedPnL.Decimal()

	signed := fillQty
	if side == order.SideSell {
		signed = fillQty.Neg()
	}
	newQty := oldQty.Add(signed)

	sameDirection := oldQty.Sign() == 0 || oldQty.Sign() == signed.Sign()
	switch {
	case sameDirection:
		// Adding to (or opening) a position: weighted average entry.
		if newQty.Sign() != 0 {
			oldNotional := oldQty.Abs().Mul(oldAvg)
			addNotional := fillQty.Mul(fillPrice)
			p.AvgEntryPrice = money.FromDecimal(
				oldNotional.Add(addNotional).Div(newQty.Abs()), price.Currency())
		}
	case newQty.Sign() == oldQty.Sign() || newQty.Sign() == 0:
		// Reducing (possibly to flat): realize P&L on the closed quantity,
		// keep the remaining position's entry price.
		closed := fillQty
		pnlPerUnit := fillPrice.Sub(oldAvg)
		if oldQty.Sign() < 0 {
			pnlPerUnit = oldAvg.Sub(fillPrice)
		}
		realized = realized.Add(pnlPerUnit.Mul(closed))
		if newQty.Sign() == 0 {
			p.AvgEntryPrice = money.Zero(price.Currency())
		}
	default:
		// Flipped through zero: realize P&L on the full old quantity and
		// open the remainder at the fill price.
		closed := oldQty.Abs()
		pnlPerUnit := fillPrice.Sub(oldAvg)
		if oldQty.Sign() < 0 {
			pnlPerUnit = oldAvg.Sub(fillPrice)
		}
		realized = realized.Add(pnlPerUnit.Mul(closed))
		p.AvgEntryPrice = price
	}

	p.Quantity = money.FromDecimal(newQty, qty.Currency())
	p.RealizedPnL = money.FromDecimal(realized, price.Currency())
	p.UpdatedAt = time.Now()

	if t.store != nil {
		if err := t.store.UpsertPosition(ctx, p); err != nil {
			return p, err
		}
	}
	t.positions[symbol] = p
	return p, nil
}

// SetPosition overwrites a symbol's quantity, used by the reconciler to sync
// the internal view to the exchange's. The average entry price is kept when
// one exists so unrealized P&L stays meaningful.
func (t *Tracker) SetPosition(ctx context.Context, symbol string, qty money.Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		p = order.Position{
			Symbol:        symbol,
			Quantity:      qty,
			AvgEntryPrice: money.Zero("USDT"),
			RealizedPnL:   money.Zero("USDT"),
		}
	}
	p.Quantity = qty
	p.TickVersion++
	p.UpdatedAt = time.Now()

	if t.store != nil {
		if err := t.store.UpsertPosition(ctx, p); err != nil {
			return err
		}
	}
	t.positions[symbol] = p
	return nil
}

// UnrealizedPnL derives the open P&L for a symbol at the given mark price.
func (t *Tracker) UnrealizedPnL(symbol string, markPrice money.Money) money.Money {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return money.Zero(markPrice.Currency())
	}
	diff := markPrice.Decimal().Sub(p.AvgEntryPrice.Decimal())
	return money.FromDecimal(diff.Mul(p.Quantity.Decimal()), markPrice.Currency())
}

// Remove deletes a symbol's position entirely; zero-quantity positions are
// otherwise retained.
func (t *Tracker) Remove(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, symbol)
}
