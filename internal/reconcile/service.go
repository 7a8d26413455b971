// Package reconcile periodically compares the engine's internal position
// view with the exchange's. Small drift is auto-corrected by adopting the
// exchange's number; drift beyond tolerance is a critical event that cancels
// the symbol's open orders and counts as a reconciliation failure against the
// circuit breaker, which opens after ReconcileFailLimit consecutive failures.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trading-core/internal/breaker"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/money"
	"trading-core/internal/orderstore"
	"trading-core/internal/position"
)

// Config configures the reconciler.
type Config struct {
	Interval  time.Duration
	Tolerance decimal.Decimal // relative, e.g. 0.01 = 1%
	Symbols   []string
}

// Service runs the periodic reconciliation loop.
type Service struct {
	cfg     Config
	venue   exchange.Exchange
	tracker *position.Tracker
	store   *orderstore.Store
	brk     *breaker.Breaker
	bus     *events.Bus

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewService constructs a reconciler over the given tracked symbols.
func NewService(cfg Config, venue exchange.Exchange, tracker *position.Tracker,
	store *orderstore.Store, brk *breaker.Breaker, bus *events.Bus) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = decimal.RequireFromString("0.01")
	}
	return &Service{
		cfg: cfg, venue: venue, tracker: tracker, store: store, brk: brk, bus: bus,
		// Position fetches are paced independently of the interval so a
		// long symbol list cannot hammer the venue in one burst.
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

// Start begins the periodic loop; it returns immediately.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Cycle(ctx); err != nil {
					log.Printf("🔁 reconciliation cycle failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("🔁 reconciliation started (interval %v, tolerance %s)", s.cfg.Interval, s.cfg.Tolerance)
}

// Cycle reconciles every tracked symbol once. It returns nil only when all
// symbols pass; a tolerance breach cancels the symbol's open orders, records
// a reconciliation failure with the breaker, and surfaces as an error.
func (s *Service) Cycle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []string
	for _, symbol := range s.cfg.Symbols {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.reconcileSymbol(ctx, symbol); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", symbol, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("reconcile: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (s *Service) reconcileSymbol(ctx context.Context, symbol string) error {
	base, quote := splitPair(symbol)
	internal := s.tracker.Position(symbol, base, quote)

	exchangePositions, err := s.venue.FetchPositions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	exchangeQty := decimal.Zero
	for _, p := range exchangePositions {
		if p.Symbol == symbol {
			exchangeQty = p.Quantity.Decimal()
		}
	}

	internalQty := internal.Quantity.Decimal()
	diff := internalQty.Sub(exchangeQty).Abs()
	denom := decimal.NewFromInt(1)
	if exchangeQty.Abs().GreaterThan(denom) {
		denom = exchangeQty.Abs()
	}

	if diff.Div(denom).LessThanOrEqual(s.cfg.Tolerance) {
		adjusted := !diff.IsZero()
		if adjusted {
			if err := s.tracker.SetPosition(ctx, symbol, money.FromDecimal(exchangeQty, internal.Quantity.Currency())); err != nil {
				return fmt.Errorf("sync position: %w", err)
			}
			log.Printf("🔁 synced %s position %s -> %s", symbol, internalQty, exchangeQty)
		}
		s.brk.ReconcileSucceeded()
		s.publish(events.TopicReconcileOK, events.ReconcileOKPayload{
			Symbol: symbol, SyncedQty: exchangeQty.String(), WasAdjusted: adjusted,
		})
		return nil
	}

	// Beyond tolerance: critical mismatch.
	s.publish(events.TopicRiskPositionMismatch, events.PositionMismatchPayload{
		Symbol:      symbol,
		InternalQty: internalQty.String(),
		ExchangeQty: exchangeQty.String(),
		Tolerance:   s.cfg.Tolerance.String(),
	})
	s.cancelOpenOrders(ctx, symbol)
	s.brk.TripReconcileFailure(fmt.Sprintf("position mismatch on %s: internal %s vs exchange %s",
		symbol, internalQty, exchangeQty))
	return fmt.Errorf("position mismatch: internal %s vs exchange %s", internalQty, exchangeQty)
}

// cancelOpenOrders attempts to cancel every non-terminal order for symbol;
// failures are logged, not fatal, since the breaker trip already stops new flow.
func (s *Service) cancelOpenOrders(ctx context.Context, symbol string) {
	open, err := s.store.ListBySymbol(ctx, symbol)
	if err != nil {
		log.Printf("🔁 list open orders for %s failed: %v", symbol, err)
		return
	}
	for _, o := range open {
		if o.VenueOrderID == "" {
			continue
		}
		res, err := s.venue.Cancel(ctx, o.VenueOrderID)
		if err != nil {
			log.Printf("🔁 cancel %s failed: %v", o.VenueOrderID, err)
			continue
		}
		if res.Kind == exchange.CancelRejected {
			log.Printf("🔁 cancel %s rejected: %s", o.VenueOrderID, res.Reason)
		}
	}
}

func (s *Service) publish(topic events.Topic, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(topic, payload); err != nil {
		log.Printf("🔁 publish %s failed: %v", topic, err)
	}
}

func splitPair(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol, "USDT"
	}
	return parts[0], parts[1]
}
