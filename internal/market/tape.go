// Package market generates the deterministic synthetic price tape that
// drives the simulated venue. A seeded random walk stands in for live market
// data; with the same seed and interval count the tape is identical run to
// run.
package market

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/events"
	"trading-core/internal/money"
)

// Sink receives each new reference price; the simulated venue implements it.
type Sink interface {
	SetReferencePrice(symbol string, price money.Money)
}

// Tape is the synthetic price generator.
type Tape struct {
	Bus      *events.Bus
	Sink     Sink
	Symbols  []string
	Start    map[string]money.Money // per-symbol starting price
	Step     decimal.Decimal        // max absolute move per tick
	Interval time.Duration
	Seed     int64
}

// Run begins ticking; it returns immediately and stops when ctx is done.
func (t *Tape) Run(ctx context.Context) {
	if t.Sink == nil && t.Bus == nil {
		log.Println("📈 price tape: no sink or bus configured; not starting")
		return
	}
	if t.Interval == 0 {
		t.Interval = time.Second
	}
	if t.Step.IsZero() {
		t.Step = decimal.RequireFromString("0.5")
	}

	prices := make(map[string]decimal.Decimal, len(t.Symbols))
	currencies := make(map[string]string, len(t.Symbols))
	for _, sym := range t.Symbols {
		start, ok := t.Start[sym]
		if !ok {
			start = money.MustParse("100", "USDT")
		}
		prices[sym] = start.Decimal()
		currencies[sym] = start.Currency()
		// Publish the opening price immediately so the venue can validate
		// and fill before the first tick interval elapses.
		t.emit(sym, money.FromDecimal(prices[sym], currencies[sym]))
	}

	rng := rand.New(rand.NewSource(t.Seed))
	go func() {
		ticker := time.NewTicker(t.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sym := range t.Symbols {
					// Random walk in [-step, +step], derived from integer
					// noise so the tape never passes through a float.
					noise := decimal.NewFromInt(int64(rng.Intn(2001) - 1000)).
						Div(decimal.NewFromInt(1000))
					prices[sym] = prices[sym].Add(t.Step.Mul(noise))
					if prices[sym].Sign() <= 0 {
						prices[sym] = t.Step
					}
					t.emit(sym, money.FromDecimal(prices[sym], currencies[sym]))
				}
			}
		}
	}()
}

func (t *Tape) emit(symbol string, price money.Money) {
	if t.Sink != nil {
		t.Sink.SetReferencePrice(symbol, price)
	}
	if t.Bus != nil {
		_ = t.Bus.Publish(events.TopicPriceTick, events.PriceTickPayload{
			Symbol: symbol, Price: price.String(),
		})
	}
}
