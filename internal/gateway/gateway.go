// Package gateway is the single safety-enforcing entry point for all orders.
// Every submission passes the same transactional chokepoint: circuit-breaker
// check, per-symbol lock, venue validation, idempotency lookup, atomic
// balance reservation, submission, bounded status polling, and a durable audit
// record at each boundary. The gateway never deletes state; it only appends
// transitions.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/lock"
	"trading-core/internal/money"
	"trading-core/internal/order"
	"trading-core/internal/orderstore"
	"trading-core/internal/position"
)

// Reject reasons Submit reports when it refuses an order without reaching the venue.
const (
	ReasonNotReady          = "not_ready"
	ReasonCircuitBreaker    = "circuit_breaker"
	ReasonSymbolBusy        = "symbol_busy"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonBadSymbol         = "bad_symbol"
)

// PriceSource supplies the current reference price used to size reservations
// for market orders and to value the portfolio.
type PriceSource interface {
	ReferencePrice(symbol string) (money.Money, bool)
}

// Valuer returns the account's current portfolio value for the circuit
// breaker's loss check.
type Valuer func() decimal.Decimal

// RiskLimits is the optional static pre-trade limit check that runs after
// venue validation and before any funds are reserved.
type RiskLimits interface {
	CheckOrder(symbol string, notional decimal.Decimal) error
	RecordTrade()
}

// Config carries the gateway's operational timeouts.
type Config struct {
	SymbolLockTimeout time.Duration
	SubmitTimeout     time.Duration
	FetchPollInterval time.Duration
	FetchPollDeadline time.Duration
	// FeeBufferRate pads the reservation above raw notional to cover fees,
	// e.g. 0.001 reserves notional * 1.001.
	FeeBufferRate decimal.Decimal
}

// Request is one order submission from a strategy agent. Nonce makes the
// client order id deterministic: retrying with the same nonce reaches the
// same order, a different nonce is a new order.
type Request struct {
	AgentID string
	Symbol  string
	Side    order.Side
	Type    order.Type
	Amount  money.Money
	Price   *money.Money
	Nonce   string
}

// Result is the typed outcome of Submit. Rejected outcomes carry a reason
// and, where one was persisted, the rejected order record.
type Result struct {
	Order    order.Order
	Rejected bool
	Reason   string
}

// Gateway composes the safety components. Constructed once at startup; no
// component holds a reference back to it, the event bus is the only reverse
// channel.
type Gateway struct {
	cfg       Config
	breaker   *breaker.Breaker
	locker    *lock.Locker
	balances  *balance.Manager
	store     *orderstore.Store
	venue     exchange.Exchange
	bus       *events.Bus
	positions *position.Tracker
	prices    PriceSource
	value     Valuer
	limits    RiskLimits

	ready atomic.Bool
}

// New wires the gateway. Call SetReady after startup recovery has run; until
// then every Submit is refused.
func New(cfg Config, brk *breaker.Breaker, locker *lock.Locker, balances *balance.Manager,
	store *orderstore.Store, venue exchange.Exchange, bus *events.Bus,
	positions *position.Tracker, prices PriceSource, value Valuer) *Gateway {
	if cfg.SymbolLockTimeout <= 0 {
		cfg.SymbolLockTimeout = 5 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.FetchPollInterval <= 0 {
		cfg.FetchPollInterval = 100 * time.Millisecond
	}
	if cfg.FetchPollDeadline <= 0 {
		cfg.FetchPollDeadline = 30 * time.Second
	}
	return &Gateway{
		cfg: cfg, breaker: brk, locker: locker, balances: balances,
		store: store, venue: venue, bus: bus, positions: positions,
		prices: prices, value: value,
	}
}

// SetLimits installs the optional pre-trade limit checker.
func (g *Gateway) SetLimits(l RiskLimits) { g.limits = l }

// SetReady marks the gateway open for business; startup recovery calls this
// once every recovery step has succeeded.
func (g *Gateway) SetReady() { g.ready.Store(true) }

// Ready reports whether the gateway accepts submissions.
func (g *Gateway) Ready() bool { return g.ready.Load() }

// ClientOrderID derives the deterministic client order id for a request.
// Identical inputs (including the nonce) always hash to the same id, which
// is what makes agent-side retries idempotent.
func ClientOrderID(r Request) string {
	price := ""
	if r.Price != nil {
		price = r.Price.String()
	}
	canonical := strings.Join([]string{
		r.AgentID, r.Symbol, string(r.Side), r.Amount.String(), price, string(r.Type), r.Nonce,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// splitSymbol derives the base and quote currencies from a "BASE/QUOTE" pair.
func splitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("gateway: malformed symbol %q", symbol)
	}
	return parts[0], parts[1], nil
}

func (g *Gateway) publish(topic events.Topic, payload any) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(topic, payload); err != nil {
		log.Printf("🚪 gateway publish %s failed: %v", topic, err)
	}
}

// Submit runs one order through the full pipeline. The returned error is
// reserved for infrastructure failures (persistence, WAL); every expected
// outcome, including rejections, arrives as a Result.
func (g *Gateway) Submit(ctx context.Context, req Request) (Result, error) {
	if !g.ready.Load() {
		return Result{Rejected: true, Reason: ReasonNotReady}, nil
	}

	clientID := ClientOrderID(req)

	base, quote, err := splitSymbol(req.Symbol)
	if err != nil {
		return Result{Rejected: true, Reason: ReasonBadSymbol}, nil
	}

	// Circuit breaker first: a denied order must leave no trace beyond the
	// rejection event.
	decision := g.breaker.Check(g.value())
	if !decision.Allowed {
		g.publish(events.TopicOrderRejected, events.OrderRejectedPayload{
			ClientOrderID: clientID, AgentID: req.AgentID, Symbol: req.Symbol,
			Reason: string(decision.Reason),
		})
		return Result{Rejected: true, Reason: ReasonCircuitBreaker}, nil
	}

	// Per-symbol serialization for the whole remainder of the pipeline.
	lockCtx, cancel := context.WithTimeout(ctx, g.cfg.SymbolLockTimeout)
	guard, err := g.locker.Acquire(lockCtx, req.Symbol, req.AgentID)
	cancel()
	if err != nil {
		return Result{Rejected: true, Reason: ReasonSymbolBusy}, nil
	}
	defer guard.Release()

	vres, err := g.venue.Validate(ctx, exchange.ValidateRequest{
		Symbol: req.Symbol, Side: req.Side, Amount: req.Amount,
		Price: req.Price, Type: req.Type,
	})
	if err != nil {
		return Result{}, fmt.Errorf("gateway: validate: %w", err)
	}
	if !vres.Ok {
		g.publish(events.TopicOrderRejected, events.OrderRejectedPayload{
			ClientOrderID: clientID, AgentID: req.AgentID, Symbol: req.Symbol,
			Reason: string(vres.Reason),
		})
		return Result{Rejected: true, Reason: string(vres.Reason)}, nil
	}

	if g.limits != nil {
		notional, nerr := g.rawNotional(req)
		if nerr == nil {
			if lerr := g.limits.CheckOrder(req.Symbol, notional); lerr != nil {
				g.publish(events.TopicOrderRejected, events.OrderRejectedPayload{
					ClientOrderID: clientID, AgentID: req.AgentID, Symbol: req.Symbol,
					Reason: lerr.Error(),
				})
				return Result{Rejected: true, Reason: lerr.Error()}, nil
			}
		}
	}

	// Idempotency: an existing record short-circuits the pipeline.
	existing, err := g.store.GetByClientID(ctx, clientID)
	switch {
	case err == nil && existing.Status.IsTerminal():
		return Result{Order: existing}, nil
	case err == nil:
		// Adopt the in-flight order and resume polling it.
		final, perr := g.pollToTerminal(ctx, existing)
		if perr != nil {
			return Result{}, perr
		}
		return Result{Order: final}, nil
	case err != orderstore.ErrNotFound:
		return Result{}, fmt.Errorf("gateway: idempotency lookup: %w", err)
	}

	// Reserve notional plus the fee buffer in the funding currency: quote
	// for buys, base for sells.
	reserveCcy := quote
	reserveAmt, err := g.reservationAmount(req, base, quote)
	if err != nil {
		return Result{Rejected: true, Reason: err.Error()}, nil
	}
	if req.Side == order.SideSell {
		reserveCcy = base
		reserveAmt = req.Amount
	}
	res, err := g.balances.Reserve(ctx, reserveCcy, reserveAmt, req.AgentID)
	if err != nil {
		g.publish(events.TopicOrderRejected, events.OrderRejectedPayload{
			ClientOrderID: clientID, AgentID: req.AgentID, Symbol: req.Symbol,
			Reason: ReasonInsufficientFunds,
		})
		return Result{Rejected: true, Reason: ReasonInsufficientFunds}, nil
	}

	rec := order.Order{
		ClientOrderID:   clientID,
		AgentID:         req.AgentID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		RequestedAmount: req.Amount,
		RequestedPrice:  req.Price,
		FilledAmount:    money.Zero(base),
		AvgFillPrice:    money.Zero(quote),
		FeesPaid:        money.Zero(quote),
		Status:          order.StatusReserved,
		SubmittedAt:     time.Now(),
		ReservationID:   res.ID,
	}
	if err := g.store.Put(ctx, rec, "reserved "+reserveAmt.String()+" "+reserveCcy); err != nil {
		_ = g.balances.Release(res)
		return Result{}, fmt.Errorf("gateway: persist reserved: %w", err)
	}
	g.breaker.Register(clientID)
	g.publish(events.TopicOrderSubmitted, events.OrderSubmittedPayload{
		ClientOrderID: clientID, AgentID: req.AgentID, Symbol: req.Symbol,
		Side: string(req.Side), Amount: req.Amount.String(),
	})

	subCtx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	sres, err := g.venue.Submit(subCtx, exchange.SubmitRequest{
		ClientOrderID: clientID, Symbol: req.Symbol, Side: req.Side,
		Amount: req.Amount, Price: req.Price, Type: req.Type,
	})
	cancel()
	if err != nil || sres.Kind == exchange.SubmitTimeout {
		// The venue may have accepted the order; the reservation stays and
		// startup recovery resolves the truth later.
		rec.Status = order.StatusPendingVerification
		now := time.Now()
		rec.TerminalAt = &now
		if perr := g.store.Put(ctx, rec, "submit timed out; reservation retained"); perr != nil {
			return Result{}, fmt.Errorf("gateway: persist pending verification: %w", perr)
		}
		g.breaker.Complete(clientID, false)
		g.publish(events.TopicRiskAlert, events.RiskAlertPayload{
			Kind: "submit_timeout", ClientOrderID: clientID, Symbol: req.Symbol,
		})
		return Result{Order: rec}, nil
	}
	if sres.Kind == exchange.SubmitRejected {
		_ = g.balances.Release(res)
		rec.Status = order.StatusRejected
		now := time.Now()
		rec.TerminalAt = &now
		if perr := g.store.Put(ctx, rec, "venue rejected: "+string(sres.Reason)); perr != nil {
			return Result{}, fmt.Errorf("gateway: persist rejected: %w", perr)
		}
		g.breaker.Complete(clientID, false)
		g.publish(events.TopicOrderRejected, events.OrderRejectedPayload{
			ClientOrderID: clientID, AgentID: req.AgentID, Symbol: req.Symbol,
			Reason: string(sres.Reason),
		})
		return Result{Order: rec, Rejected: true, Reason: string(sres.Reason)}, nil
	}

	rec.VenueOrderID = sres.VenueID
	rec.Status = order.StatusSubmitted
	if err := g.store.Put(ctx, rec, "venue accepted "+sres.VenueID); err != nil {
		return Result{}, fmt.Errorf("gateway: persist submitted: %w", err)
	}

	final, err := g.pollToTerminal(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	return Result{Order: final}, nil
}

// rawNotional prices a request at its limit price or the current reference.
func (g *Gateway) rawNotional(req Request) (decimal.Decimal, error) {
	var price decimal.Decimal
	if req.Price != nil {
		price = req.Price.Decimal()
	} else {
		ref, ok := g.prices.ReferencePrice(req.Symbol)
		if !ok {
			return decimal.Zero, fmt.Errorf("no reference price for %s", req.Symbol)
		}
		price = ref.Decimal()
	}
	return req.Amount.Decimal().Mul(price), nil
}

// reservationAmount sizes a buy's reservation: notional at the limit price
// (or current reference price for market orders) plus the fee buffer.
func (g *Gateway) reservationAmount(req Request, base, quote string) (money.Money, error) {
	notional, err := g.rawNotional(req)
	if err != nil {
		return money.Money{}, err
	}
	buffered := notional.Mul(decimal.NewFromInt(1).Add(g.cfg.FeeBufferRate))
	return money.FromDecimal(buffered, quote), nil
}

// pollToTerminal polls the venue with bounded pacing until the order is
// terminal or the deadline lapses, then settles balances and positions.
func (g *Gateway) pollToTerminal(ctx context.Context, rec order.Order) (order.Order, error) {
	limiter := rate.NewLimiter(rate.Every(g.cfg.FetchPollInterval), 1)
	pollCtx, cancel := context.WithTimeout(ctx, g.cfg.FetchPollDeadline)
	defer cancel()

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			// Deadline: treat as timeout, not failure. Reservation stays.
			rec.Status = order.StatusPendingVerification
			now := time.Now()
			rec.TerminalAt = &now
			if perr := g.store.Put(ctx, rec, "fetch deadline lapsed; reservation retained"); perr != nil {
				return rec, fmt.Errorf("gateway: persist pending verification: %w", perr)
			}
			g.breaker.Complete(rec.ClientOrderID, false)
			g.publish(events.TopicRiskAlert, events.RiskAlertPayload{
				Kind: "fetch_timeout", ClientOrderID: rec.ClientOrderID, Symbol: rec.Symbol,
			})
			return rec, nil
		}

		snap, err := g.venue.Fetch(pollCtx, rec.VenueOrderID, rec.ClientOrderID)
		if err != nil {
			continue
		}
		if snap.Status.IsTerminal() {
			return g.Settle(ctx, rec, snap)
		}
		if snap.Status != rec.Status {
			rec.Status = snap.Status
			if perr := g.store.Put(ctx, rec, "venue status "+string(snap.Status)); perr != nil {
				return rec, fmt.Errorf("gateway: persist status: %w", perr)
			}
		}
	}
}

// Settle applies a terminal venue snapshot: position update, reservation
// commit or release, terminal audit record, breaker completion, and the
// terminal event. Startup recovery calls this for orders resolved after a
// crash, so it must tolerate an already-consumed reservation.
func (g *Gateway) Settle(ctx context.Context, rec order.Order, snap exchange.OrderSnapshot) (order.Order, error) {
	base, quote, err := splitSymbol(rec.Symbol)
	if err != nil {
		return rec, err
	}

	rec.Status = snap.Status
	rec.FilledAmount = snap.FilledAmount
	rec.AvgFillPrice = snap.AvgFillPrice
	rec.FeesPaid = snap.FeesPaid
	if snap.VenueID != "" {
		rec.VenueOrderID = snap.VenueID
	}
	now := time.Now()
	rec.TerminalAt = &now

	filled := snap.Status == order.StatusFilled && snap.FilledAmount.Sign() > 0
	if filled {
		if _, err := g.positions.RecordFill(ctx, rec.Symbol, rec.Side, snap.FilledAmount, snap.AvgFillPrice); err != nil {
			return rec, fmt.Errorf("gateway: record fill: %w", err)
		}
	}

	if rec.ReservationID != "" {
		res := balance.Reservation{ID: rec.ReservationID}
		if filled {
			switch rec.Side {
			case order.SideBuy:
				spent := snap.FilledAmount.Decimal().Mul(snap.AvgFillPrice.Decimal()).Add(snap.FeesPaid.Decimal())
				if cerr := g.balances.Commit(res, money.FromDecimal(spent, quote)); cerr != nil && cerr != balance.ErrUnknownReservation {
					return rec, fmt.Errorf("gateway: commit reservation: %w", cerr)
				}
				if cerr := g.balances.Credit(base, snap.FilledAmount, "fill "+rec.ClientOrderID); cerr != nil {
					return rec, fmt.Errorf("gateway: credit fill: %w", cerr)
				}
			case order.SideSell:
				if cerr := g.balances.Commit(res, snap.FilledAmount); cerr != nil && cerr != balance.ErrUnknownReservation {
					return rec, fmt.Errorf("gateway: commit reservation: %w", cerr)
				}
				proceeds := snap.FilledAmount.Decimal().Mul(snap.AvgFillPrice.Decimal()).Sub(snap.FeesPaid.Decimal())
				if cerr := g.balances.Credit(quote, money.FromDecimal(proceeds, quote), "fill "+rec.ClientOrderID); cerr != nil {
					return rec, fmt.Errorf("gateway: credit proceeds: %w", cerr)
				}
			}
		} else {
			if rerr := g.balances.Release(balance.Reservation{ID: rec.ReservationID}); rerr != nil && rerr != balance.ErrUnknownReservation {
				return rec, fmt.Errorf("gateway: release reservation: %w", rerr)
			}
		}
	}

	if err := g.store.Put(ctx, rec, "terminal "+string(snap.Status)); err != nil {
		return rec, fmt.Errorf("gateway: persist terminal: %w", err)
	}
	g.breaker.Complete(rec.ClientOrderID, filled)
	if filled && g.limits != nil {
		g.limits.RecordTrade()
	}
	g.publish(events.TopicOrderTerminal, events.OrderTerminalPayload{
		ClientOrderID: rec.ClientOrderID, Symbol: rec.Symbol,
		Status: string(snap.Status), FilledAmount: snap.FilledAmount.String(),
		AvgFillPrice: snap.AvgFillPrice.String(), FeesPaid: snap.FeesPaid.String(),
	})
	return rec, nil
}
