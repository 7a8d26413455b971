// Command server boots the trading core: config, WAL, event bus, balance
// ledger, circuit breaker, order store, simulated venue, gateway, reconciler,
// startup recovery, and the operator console. Exit codes: 0 clean shutdown,
// 1 recoverable failure, 2 configuration error, 3 corruption or WAL failure.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-core/internal/adminapi"
	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/exchange/mock"
	"trading-core/internal/exchange/pool"
	"trading-core/internal/gateway"
	"trading-core/internal/lock"
	"trading-core/internal/market"
	"trading-core/internal/money"
	"trading-core/internal/monitor"
	"trading-core/internal/orderstore"
	"trading-core/internal/position"
	"trading-core/internal/reconcile"
	"trading-core/internal/recovery"
	"trading-core/internal/risk"
	"trading-core/internal/wal"
	"trading-core/pkg/config"
)

// fatalWAL wraps the WAL writer so a failed durable write halts the process
// with exit 3 instead of letting a critical event go unrecorded.
type fatalWAL struct {
	w *wal.Writer
}

func (f fatalWAL) Append(seq uint64, topic string, payload []byte) error {
	if err := f.w.Append(seq, topic, payload); err != nil {
		log.Printf("💾 FATAL: WAL write failed: %v", err)
		os.Exit(3)
	}
	return nil
}

func nodeID(override string) string {
	if override != "" {
		return override
	}
	id, err := machineid.ProtectedID("trading-core")
	if err != nil {
		id = uuid.NewString()
		log.Printf("⚠️ machine id unavailable (%v); using random node id %s", err, id)
	}
	return id
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("❌ configuration error: %v", err)
		os.Exit(2)
	}
	if !cfg.PaperTrading {
		log.Printf("❌ PAPER_TRADING=false but no live venue adapter is wired into this build")
		os.Exit(2)
	}

	node := nodeID(cfg.NodeIDOverride)
	log.Printf("🚀 trading core starting (node %s, paper trading)", node)

	rules, err := mock.LoadRules(cfg.SymbolsConfigPath)
	if err != nil {
		log.Printf("❌ symbol rules: %v", err)
		os.Exit(2)
	}

	if err := os.MkdirAll(cfg.WALDir, 0o755); err != nil {
		log.Printf("❌ create wal dir: %v", err)
		os.Exit(2)
	}
	walPath := filepath.Join(cfg.WALDir, "events.wal")
	walWriter, err := wal.NewWriter(walPath, cfg.WALMaxBytes)
	if err != nil {
		log.Printf("❌ open wal: %v", err)
		os.Exit(3)
	}
	defer walWriter.Close()

	for _, t := range cfg.CriticalTopics {
		events.AddCritical(events.Topic(t))
	}
	bus := events.NewBus(events.Config{
		Source:       "trading-core",
		NodeID:       node,
		WAL:          fatalWAL{w: walWriter},
		Encode:       func(v any) ([]byte, error) { return json.Marshal(v) },
		MaxQueueSize: cfg.EventBusMaxQueueSize,
	})

	balances := balance.NewManager(bus)
	balances.SeedInitialBalance(cfg.StartingCurrency,
		money.FromDecimal(cfg.StartingCapital, cfg.StartingCurrency))

	brk := breaker.New(breaker.Config{
		LossThreshold:      cfg.LossThresholdPercent,
		ReconcileFailLimit: cfg.ReconcileFailLimit,
		DrainDeadline:      cfg.DrainDeadline,
		CooldownAfterOpen:  cfg.BreakerCooldown,
		StatePath:          cfg.CircuitBreakerStatePath,
		NodeID:             node,
		Bus:                bus,
	})

	store, err := orderstore.Open(cfg.PersistencePath)
	if err != nil {
		log.Printf("❌ open order store: %v", err)
		os.Exit(3)
	}
	defer store.Close()

	// The venue holds its own ledger, seeded alongside the account's so the
	// first reconciliation cycle starts from agreement.
	venueFunds := balance.NewManager(nil)
	venueFunds.SeedInitialBalance(cfg.StartingCurrency,
		money.FromDecimal(cfg.StartingCapital, cfg.StartingCurrency))

	venuePool := pool.NewManager(func(venue string) (exchange.Exchange, error) {
		if venue != "mock" {
			return nil, fmt.Errorf("no adapter for venue %q", venue)
		}
		return mock.New(mock.Config{
			Rules:       rules,
			Seed:        cfg.MockSeed,
			SlippageBps: cfg.SlippageBps,
		}, venueFunds), nil
	}, pool.DefaultConfig())
	defer venuePool.Stop()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), time.Minute)
	venueClient, err := venuePool.GetOrCreate(bootCtx, "mock")
	bootCancel()
	if err != nil {
		log.Printf("❌ venue: %v", err)
		os.Exit(2)
	}
	venue := venueClient.(*mock.Exchange)

	tracker := position.NewTracker(store)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = tracker.Load(loadCtx)
	loadCancel()
	if err != nil {
		log.Printf("❌ load positions: %v", err)
		os.Exit(3)
	}

	// Portfolio value for the breaker: quote total plus positions marked at
	// the venue reference price.
	value := func() decimal.Decimal {
		total := decimal.Zero
		if b, ok := balances.Snapshot()[cfg.StartingCurrency]; ok {
			total = b.Total.Decimal()
		}
		for _, p := range tracker.Positions() {
			if ref, ok := venue.ReferencePrice(p.Symbol); ok {
				total = total.Add(p.Quantity.Decimal().Mul(ref.Decimal()))
			}
		}
		return total
	}

	locker := lock.NewLocker()
	gw := gateway.New(gateway.Config{
		SymbolLockTimeout: cfg.SymbolLockTimeout,
		SubmitTimeout:     cfg.SubmitTimeout,
		FetchPollInterval: cfg.FetchPollInterval,
		FetchPollDeadline: cfg.FetchPollDeadline,
		FeeBufferRate:     cfg.FeeBufferRate,
	}, brk, locker, balances, store, venue, bus, tracker, venue, value)
	gw.SetLimits(risk.NewLimits(risk.Config{
		MaxOrderNotional: cfg.MaxOrderNotional,
		MaxDailyTrades:   cfg.MaxDailyTrades,
	}))

	reconciler := reconcile.NewService(reconcile.Config{
		Interval:  cfg.ReconcileInterval,
		Tolerance: cfg.ReconcileTolerance,
		Symbols:   cfg.Symbols,
	}, venue, tracker, store, brk, bus)

	// Seed the tape's opening prices from the rules file so validation and
	// recovery have a reference before the first tick.
	starts := make(map[string]money.Money, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		if price, quote, ok := rules.OpeningPrice(sym); ok {
			starts[sym] = money.MustParse(price, quote)
		}
	}
	tape := &market.Tape{
		Bus:      bus,
		Sink:     venue,
		Symbols:  cfg.Symbols,
		Start:    starts,
		Interval: cfg.TapeInterval,
		Seed:     cfg.MockSeed,
	}

	metrics := monitor.NewEngineMetrics()
	unobserve := metrics.Observe(bus)
	defer unobserve()

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = recovery.Run(recoverCtx, recovery.Deps{
		Breaker:    brk,
		Store:      store,
		Venue:      venue,
		Gateway:    gw,
		Balances:   balances,
		Reconciler: reconciler,
		Bus:        bus,
	})
	recoverCancel()
	if err != nil {
		log.Printf("❌ startup recovery failed; trading refused: %v", err)
		os.Exit(1)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	tape.Run(runCtx)
	reconciler.Start(runCtx)

	console := adminapi.NewServer(brk, balances, locker, store, metrics,
		walPath, cfg.AdminJWTSecret, adminapi.SystemMeta{
			NodeID:       node,
			PaperTrading: cfg.PaperTrading,
			Symbols:      cfg.Symbols,
			Version:      "2.0",
		})
	go func() {
		if err := console.Start(cfg.AdminHTTPAddr); err != nil {
			log.Printf("⚠️ operator console stopped: %v", err)
		}
	}()

	log.Printf("✅ trading core ready on %s (breaker %s)", cfg.AdminHTTPAddr, brk.CurrentState())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("🛑 shutting down")
	runCancel()
	bus.Shutdown(5 * time.Second)
}
