package orderstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"trading-core/internal/money"
	"trading-core/internal/order"
)

// putMu serializes concurrent updaters per client order id. A single map-wide
// mutex is enough: the connection pool is pinned to one connection anyway, so
// finer granularity buys nothing.
var putMu sync.Mutex

// Put upserts the snapshot row for o and appends one audit transition in the
// same transaction. Idempotent with respect to client order id: re-putting
// the same status is recorded as a fresh transition, earlier entries are
// never modified.
func (s *Store) Put(ctx context.Context, o order.Order, detail string) error {
	putMu.Lock()
	defer putMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orderstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var reqPrice, reqPriceCcy sql.NullString
	if o.RequestedPrice != nil {
		reqPrice = sql.NullString{String: o.RequestedPrice.String(), Valid: true}
		reqPriceCcy = sql.NullString{String: o.RequestedPrice.Currency(), Valid: true}
	}
	var terminalAt sql.NullTime
	if o.TerminalAt != nil {
		terminalAt = sql.NullTime{Time: *o.TerminalAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			client_order_id, venue_order_id, agent_id, symbol, side, type,
			requested_amount, requested_amount_ccy, requested_price, requested_price_ccy,
			filled_amount, avg_fill_price, avg_fill_price_ccy,
			fees_paid, fees_paid_ccy, status, reservation_id, submitted_at, terminal_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			filled_amount = excluded.filled_amount,
			avg_fill_price = excluded.avg_fill_price,
			avg_fill_price_ccy = excluded.avg_fill_price_ccy,
			fees_paid = excluded.fees_paid,
			fees_paid_ccy = excluded.fees_paid_ccy,
			status = excluded.status,
			reservation_id = excluded.reservation_id,
			terminal_at = excluded.terminal_at
	`,
		o.ClientOrderID, o.VenueOrderID, o.AgentID, o.Symbol, string(o.Side), string(o.Type),
		o.RequestedAmount.String(), o.RequestedAmount.Currency(), reqPrice, reqPriceCcy,
		o.FilledAmount.String(), o.AvgFillPrice.String(), o.AvgFillPrice.Currency(),
		o.FeesPaid.String(), o.FeesPaid.Currency(), string(o.Status), o.ReservationID,
		o.SubmittedAt, terminalAt,
	)
	if err != nil {
		return fmt.Errorf("orderstore: upsert order %s: %w", o.ClientOrderID, err)
	}

	var nextSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM order_transitions WHERE client_order_id = ?`,
		o.ClientOrderID,
	).Scan(&nextSeq); err != nil {
		return fmt.Errorf("orderstore: next transition seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_transitions (client_order_id, seq, status, detail, at)
		VALUES (?, ?, ?, ?, ?)
	`, o.ClientOrderID, nextSeq, string(o.Status), detail, time.Now())
	if err != nil {
		return fmt.Errorf("orderstore: append transition: %w", err)
	}

	return tx.Commit()
}

const orderColumns = `
	client_order_id, venue_order_id, agent_id, symbol, side, type,
	requested_amount, requested_amount_ccy, requested_price, requested_price_ccy,
	filled_amount, avg_fill_price, avg_fill_price_ccy,
	fees_paid, fees_paid_ccy, status, reservation_id, submitted_at, terminal_at`

func scanOrder(row interface{ Scan(...any) error }) (order.Order, error) {
	var (
		o                     order.Order
		side, typ, status     string
		reqAmt, reqAmtCcy     string
		reqPrice, reqPriceCcy sql.NullString
		filled                string
		avgPrice, avgPriceCcy string
		fees, feesCcy         string
		terminalAt            sql.NullTime
	)
	err := row.Scan(
		&o.ClientOrderID, &o.VenueOrderID, &o.AgentID, &o.Symbol, &side, &typ,
		&reqAmt, &reqAmtCcy, &reqPrice, &reqPriceCcy,
		&filled, &avgPrice, &avgPriceCcy,
		&fees, &feesCcy, &status, &o.ReservationID, &o.SubmittedAt, &terminalAt,
	)
	if err == sql.ErrNoRows {
		return order.Order{}, ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("orderstore: scan order: %w", err)
	}

	o.Side = order.Side(side)
	o.Type = order.Type(typ)
	o.Status = order.Status(status)
	if terminalAt.Valid {
		t := terminalAt.Time
		o.TerminalAt = &t
	}

	if o.RequestedAmount, err = money.Parse(reqAmt, reqAmtCcy); err != nil {
		return order.Order{}, fmt.Errorf("%w: requested_amount: %v", ErrCorrupt, err)
	}
	if reqPrice.Valid {
		p, perr := money.Parse(reqPrice.String, reqPriceCcy.String)
		if perr != nil {
			return order.Order{}, fmt.Errorf("%w: requested_price: %v", ErrCorrupt, perr)
		}
		o.RequestedPrice = &p
	}
	if o.FilledAmount, err = money.Parse(filled, reqAmtCcy); err != nil {
		return order.Order{}, fmt.Errorf("%w: filled_amount: %v", ErrCorrupt, err)
	}
	if o.AvgFillPrice, err = money.Parse(avgPrice, avgPriceCcy); err != nil {
		return order.Order{}, fmt.Errorf("%w: avg_fill_price: %v", ErrCorrupt, err)
	}
	if o.FeesPaid, err = money.Parse(fees, feesCcy); err != nil {
		return order.Order{}, fmt.Errorf("%w: fees_paid: %v", ErrCorrupt, err)
	}
	return o, nil
}

// GetByClientID returns the latest snapshot for a client order id.
func (s *Store) GetByClientID(ctx context.Context, clientID string) (order.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+orderColumns+` FROM orders WHERE client_order_id = ?`, clientID)
	return scanOrder(row)
}

// GetByVenueID returns the latest snapshot for a venue order id.
func (s *Store) GetByVenueID(ctx context.Context, venueID string) (order.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+orderColumns+` FROM orders WHERE venue_order_id = ?`, venueID)
	return scanOrder(row)
}

func (s *Store) queryOrders(ctx context.Context, where string, args ...any) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+orderColumns+` FROM orders `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("orderstore: query orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// terminalStatuses mirrors order.Status.IsTerminal for SQL filtering.
var terminalStatuses = []string{
	string(order.StatusFilled), string(order.StatusCancelled),
	string(order.StatusRejected), string(order.StatusExpired),
	string(order.StatusPendingVerification),
}

// ListInFlight returns every order whose status is not terminal, ordered by
// submission time; this is what startup recovery walks.
func (s *Store) ListInFlight(ctx context.Context) ([]order.Order, error) {
	return s.queryOrders(ctx, `
		WHERE status NOT IN (?, ?, ?, ?, ?)
		ORDER BY submitted_at ASC`,
		terminalStatuses[0], terminalStatuses[1], terminalStatuses[2],
		terminalStatuses[3], terminalStatuses[4])
}

// ListPendingVerification returns orders parked after a submission timeout;
// startup recovery resolves these against the exchange alongside in-flight ones.
func (s *Store) ListPendingVerification(ctx context.Context) ([]order.Order, error) {
	return s.queryOrders(ctx,
		`WHERE status = ? ORDER BY submitted_at ASC`,
		string(order.StatusPendingVerification))
}

// ListBySymbol returns every non-terminal order for a symbol; the reconciler
// cancels these on a tolerance breach.
func (s *Store) ListBySymbol(ctx context.Context, symbol string) ([]order.Order, error) {
	return s.queryOrders(ctx, `
		WHERE symbol = ? AND status NOT IN (?, ?, ?, ?, ?)
		ORDER BY submitted_at ASC`,
		symbol,
		terminalStatuses[0], terminalStatuses[1], terminalStatuses[2],
		terminalStatuses[3], terminalStatuses[4])
}

// Transitions returns the full append-only audit trail for a client order id,
// oldest first.
func (s *Store) Transitions(ctx context.Context, clientID string) ([]order.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, seq, status, detail, at
		FROM order_transitions WHERE client_order_id = ? ORDER BY seq ASC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("orderstore: query transitions: %w", err)
	}
	defer rows.Close()

	var out []order.Transition
	for rows.Next() {
		var t order.Transition
		var status string
		if err := rows.Scan(&t.ClientOrderID, &t.Sequence, &status, &t.Detail, &t.At); err != nil {
			return nil, fmt.Errorf("orderstore: scan transition: %w", err)
		}
		t.Status = order.Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendTransition records an audit entry without touching the snapshot row,
// for events (like a reconciliation note) that are not status changes.
func (s *Store) AppendTransition(ctx context.Context, clientID string, status order.Status, detail string) error {
	putMu.Lock()
	defer putMu.Unlock()

	var nextSeq int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM order_transitions WHERE client_order_id = ?`,
		clientID,
	).Scan(&nextSeq); err != nil {
		return fmt.Errorf("orderstore: next transition seq: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_transitions (client_order_id, seq, status, detail, at)
		VALUES (?, ?, ?, ?, ?)
	`, clientID, nextSeq, string(status), detail, time.Now())
	if err != nil {
		return fmt.Errorf("orderstore: append transition: %w", err)
	}
	return nil
}

// CountBy returns how many orders currently carry the given status; surfaced
// by the operator console and the pre-trading audit.
func (s *Store) CountBy(ctx context.Context, status order.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("orderstore: count by status: %w", err)
	}
	return n, nil
}

// Ping verifies the database file is reachable and writable; used by the
// pre-trading audit.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("orderstore: ping: %w", err)
	}
	return nil
}
