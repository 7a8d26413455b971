package orderstore

import (
	"context"
	"fmt"

	"trading-core/internal/money"
	"trading-core/internal/order"
)

// UpsertPosition persists the latest per-symbol position snapshot. A zero
// quantity is stored, not deleted; positions are removed only explicitly.
func (s *Store) UpsertPosition(ctx context.Context, p order.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, qty_ccy, avg_entry_price, avg_entry_price_ccy,
			realized_pnl, realized_pnl_ccy, tick_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			qty_ccy = excluded.qty_ccy,
			avg_entry_price = excluded.avg_entry_price,
			avg_entry_price_ccy = excluded.avg_entry_price_ccy,
			realized_pnl = excluded.realized_pnl,
			realized_pnl_ccy = excluded.realized_pnl_ccy,
			tick_version = excluded.tick_version,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Quantity.String(), p.Quantity.Currency(),
		p.AvgEntryPrice.String(), p.AvgEntryPrice.Currency(),
		p.RealizedPnL.String(), p.RealizedPnL.Currency(),
		p.TickVersion, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("orderstore: upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// ListPositions returns every persisted position snapshot.
func (s *Store) ListPositions(ctx context.Context) ([]order.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, qty, qty_ccy, avg_entry_price, avg_entry_price_ccy,
			realized_pnl, realized_pnl_ccy, tick_version, updated_at
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("orderstore: query positions: %w", err)
	}
	defer rows.Close()

	var out []order.Position
	for rows.Next() {
		var (
			p           order.Position
			qty, qtyCcy string
			avg, avgCcy string
			pnl, pnlCcy string
		)
		if err := rows.Scan(&p.Symbol, &qty, &qtyCcy, &avg, &avgCcy, &pnl, &pnlCcy, &p.TickVersion, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("orderstore: scan position: %w", err)
		}
		if p.Quantity, err = money.Parse(qty, qtyCcy); err != nil {
			return nil, fmt.Errorf("%w: position qty: %v", ErrCorrupt, err)
		}
		if p.AvgEntryPrice, err = money.Parse(avg, avgCcy); err != nil {
			return nil, fmt.Errorf("%w: position avg price: %v", ErrCorrupt, err)
		}
		if p.RealizedPnL, err = money.Parse(pnl, pnlCcy); err != nil {
			return nil, fmt.Errorf("%w: position pnl: %v", ErrCorrupt, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
