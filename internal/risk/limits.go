// Package risk enforces the static pre-trade limits that sit in front of the
// venue: a cap on single-order notional and a daily trade budget. The circuit
// breaker owns loss-driven halting; these limits catch fat fingers before an
// order ever reserves funds.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOrderTooLarge is returned when an order's notional exceeds the cap.
var ErrOrderTooLarge = fmt.Errorf("risk: order notional exceeds limit")

// ErrDailyTradeLimit is returned once the day's trade budget is spent.
var ErrDailyTradeLimit = fmt.Errorf("risk: daily trade limit reached")

// Config declares the limit values. Zero values disable the corresponding check.
type Config struct {
	MaxOrderNotional decimal.Decimal
	MaxDailyTrades   int
}

// Limits is the thread-safe limit checker.
type Limits struct {
	cfg Config

	mu          sync.Mutex
	day         string
	dailyTrades int
}

// NewLimits constructs a Limits from config.
func NewLimits(cfg Config) *Limits {
	return &Limits{cfg: cfg}
}

func (l *Limits) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day != l.day {
		l.day = day
		l.dailyTrades = 0
	}
}

// CheckOrder validates an order's notional against the configured limits.
func (l *Limits) CheckOrder(symbol string, notional decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked(time.Now())

	if !l.cfg.MaxOrderNotional.IsZero() && notional.GreaterThan(l.cfg.MaxOrderNotional) {
		return fmt.Errorf("%w: %s > %s on %s", ErrOrderTooLarge, notional, l.cfg.MaxOrderNotional, symbol)
	}
	if l.cfg.MaxDailyTrades > 0 && l.dailyTrades >= l.cfg.MaxDailyTrades {
		return ErrDailyTradeLimit
	}
	return nil
}

// RecordTrade counts one executed trade against the daily budget.
func (l *Limits) RecordTrade() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked(time.Now())
	l.dailyTrades++
}

// DailyTrades returns today's executed trade count.
func (l *Limits) DailyTrades() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked(time.Now())
	return l.dailyTrades
}
