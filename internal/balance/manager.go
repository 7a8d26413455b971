// Package balance is the sole writer of per-currency account balances,
// exposing reserve/commit/release/credit with the invariant
// total == available + reserved held at every step.
package balance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/events"
	"trading-core/internal/money"
)

// ErrInsufficientFunds is returned by Reserve when available < amount.
var ErrInsufficientFunds = fmt.Errorf("balance: insufficient funds")

// ErrUnknownReservation is returned by Commit/Release for an id the manager
// does not recognize (already consumed, or never issued by this manager).
var ErrUnknownReservation = fmt.Errorf("balance: unknown reservation")

// ErrOverCommit is returned when actual_used exceeds the reserved amount.
var ErrOverCommit = fmt.Errorf("balance: actual_used exceeds reserved amount")

// Reservation is the handle returned by Reserve and consumed exactly once by
// Commit or Release.
type Reservation struct {
	ID        string
	Currency  string
	Amount    money.Money
	OwnerTag  string
	CreatedAt time.Time
}

// Balance is an immutable snapshot of one currency's ledger triple.
type Balance struct {
	Currency  string
	Total     money.Money
	Available money.Money
	Reserved  money.Money
}

// ledger guards one currency's triple with a channel-based lock (buffered,
// capacity 1) instead of a sync.Mutex so a caller whose context expires while
// waiting simply stops waiting — nothing is left behind to win the lock later
// with no one alive to release it.
type ledger struct {
	sem       chan struct{}
	total     money.Money
	available money.Money
	reserved  money.Money
}

func (l *ledger) lock() { l.sem <- struct{}{} }

func (l *ledger) lockCtx(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ledger) unlock() { <-l.sem }

// Manager is the thread-safe, per-currency balance ledger.
type Manager struct {
	bus *events.Bus

	topMu    sync.RWMutex
	ledgers  map[string]*ledger
	resMu    sync.Mutex
	reserves map[string]Reservation
}

// NewManager constructs an empty Manager. Starting balances are seeded with SeedInitialBalance.
func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:      bus,
		ledgers:  make(map[string]*ledger),
		reserves: make(map[string]Reservation),
	}
}

func (m *Manager) ledgerFor(currency string) *ledger {
	m.topMu.RLock()
	l, ok := m.ledgers[currency]
	m.topMu.RUnlock()
	if ok {
		return l
	}

	m.topMu.Lock()
	defer m.topMu.Unlock()
	if l, ok := m.ledgers[currency]; ok {
		return l
	}
	l = &ledger{
		sem:       make(chan struct{}, 1),
		total:     money.Zero(currency),
		available: money.Zero(currency),
		reserved:  money.Zero(currency),
	}
	m.ledgers[currency] = l
	return l
}

// Reserve earmarks amount of currency for ownerTag, decrementing available and
// incrementing reserved atomically. ctx's deadline bounds how long the caller
// waits for a contended per-currency lock to clear.
func (m *Manager) Reserve(ctx context.Context, currency string, amount money.Money, ownerTag string) (Reservation, error) {
	if amount.Sign() < 0 {
		return Reservation{}, money.ErrNegative
	}
	l := m.ledgerFor(currency)

	if err := l.lockCtx(ctx); err != nil {
		return Reservation{}, err
	}
	defer l.unlock()

	ok, err := l.available.GreaterThanOrEqual(amount)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return Reservation{}, ErrInsufficientFunds
	}

	newAvailable, err := l.available.Sub(amount)
	if err != nil {
		return Reservation{}, err
	}
	newReserved, err := l.reserved.Add(amount)
	if err != nil {
		return Reservation{}, err
	}
	l.available = newAvailable
	l.reserved = newReserved

	res := Reservation{
		ID:        uuid.NewString(),
		Currency:  currency,
		Amount:    amount,
		OwnerTag:  ownerTag,
		CreatedAt: time.Now(),
	}
	m.resMu.Lock()
	m.reserves[res.ID] = res
	m.resMu.Unlock()

	m.publishChanged(currency, l)
	log.Printf("💰 reserved %s %s for %s (reservation %s)", amount, currency, ownerTag, res.ID)
	return res, nil
}

// Commit consumes a reservation: total -= actualUsed, reserved -= amount,
// available += (amount - actualUsed). actualUsed must not exceed the
// reserved amount.
func (m *Manager) Commit(res Reservation, actualUsed money.Money) error {
	m.resMu.Lock()
	stored, ok := m.reserves[res.ID]
	if ok {
		delete(m.reserves, res.ID)
	}
	m.resMu.Unlock()
	if !ok {
		return ErrUnknownReservation
	}

	ge, err := stored.Amount.GreaterThanOrEqual(actualUsed)
	if err != nil {
		return err
	}
	if !ge {
		return ErrOverCommit
	}

	l := m.ledgerFor(stored.Currency)
	l.lock()
	defer l.unlock()

	refund, err := stored.Amount.Sub(actualUsed)
	if err != nil {
		return err
	}
	newTotal, err := l.total.Sub(actualUsed)
	if err != nil {
		return err
	}
	newReserved, err := l.reserved.Sub(stored.Amount)
	if err != nil {
		return err
	}
	newAvailable, err := l.available.Add(refund)
	if err != nil {
		return err
	}
	l.total = newTotal
	l.reserved = newReserved
	l.available = newAvailable

	m.publishChanged(stored.Currency, l)
	log.Printf("💸 committed reservation %s: used %s of %s %s", res.ID, actualUsed, stored.Amount, stored.Currency)
	return nil
}

// Release fully refunds a reservation to available.
func (m *Manager) Release(res Reservation) error {
	m.resMu.Lock()
	stored, ok := m.reserves[res.ID]
	if ok {
		delete(m.reserves, res.ID)
	}
	m.resMu.Unlock()
	if !ok {
		return ErrUnknownReservation
	}

	l := m.ledgerFor(stored.Currency)
	l.lock()
	defer l.unlock()

	newReserved, err := l.reserved.Sub(stored.Amount)
	if err != nil {
		return err
	}
	newAvailable, err := l.available.Add(stored.Amount)
	if err != nil {
		return err
	}
	l.reserved = newReserved
	l.available = newAvailable

	m.publishChanged(stored.Currency, l)
	log.Printf("🔓 released reservation %s: refunded %s %s", res.ID, stored.Amount, stored.Currency)
	return nil
}

// Credit increases total and available, e.g. on the receive side of a fill.
func (m *Manager) Credit(currency string, amount money.Money, reason string) error {
	if amount.Sign() < 0 {
		return money.ErrNegative
	}
	l := m.ledgerFor(currency)
	l.lock()
	defer l.unlock()

	newTotal, err := l.total.Add(amount)
	if err != nil {
		return err
	}
	newAvailable, err := l.available.Add(amount)
	if err != nil {
		return err
	}
	l.total = newTotal
	l.available = newAvailable

	m.publishChanged(currency, l)
	log.Printf("💵 credited %s %s (%s)", amount, currency, reason)
	return nil
}

// SeedInitialBalance sets a currency's starting total/available with zero
// reserved; intended for bootstrap only (paper-trading capital, mock venue
// seeding), never for mid-flight adjustment.
func (m *Manager) SeedInitialBalance(currency string, amount money.Money) {
	l := m.ledgerFor(currency)
	l.lock()
	defer l.unlock()
	l.total = amount
	l.available = amount
	l.reserved = money.Zero(currency)
	m.publishChanged(currency, l)
}

func (m *Manager) publishChanged(currency string, l *ledger) {
	if m.bus == nil {
		return
	}
	snap := Balance{Currency: currency, Total: l.total, Available: l.available, Reserved: l.reserved}
	_ = m.bus.Publish(events.TopicBalanceChanged, snap)
}

// Snapshot returns an immutable view of every currency's balance triple.
func (m *Manager) Snapshot() map[string]Balance {
	m.topMu.RLock()
	currencies := make([]string, 0, len(m.ledgers))
	for c := range m.ledgers {
		currencies = append(currencies, c)
	}
	m.topMu.RUnlock()

	out := make(map[string]Balance, len(currencies))
	for _, c := range currencies {
		l := m.ledgerFor(c)
		l.lock()
		out[c] = Balance{Currency: c, Total: l.total, Available: l.available, Reserved: l.reserved}
		l.unlock()
	}
	return out
}

// ReservationsByOwner returns a copy of every live reservation tagged with
// ownerTag. Startup recovery's orphan sweep uses AllReservations instead.
func (m *Manager) ReservationsByOwner(ownerTag string) []Reservation {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	var out []Reservation
	for _, r := range m.reserves {
		if r.OwnerTag == ownerTag {
			out = append(out, r)
		}
	}
	return out
}

// AllReservations returns a copy of every live reservation, regardless of owner.
func (m *Manager) AllReservations() []Reservation {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	out := make([]Reservation, 0, len(m.reserves))
	for _, r := range m.reserves {
		out = append(out, r)
	}
	return out
}

// ReleaseByID releases a reservation found only by its id, used by startup
// recovery when the Reservation struct itself was not retained in memory.
func (m *Manager) ReleaseByID(id string) error {
	m.resMu.Lock()
	stored, ok := m.reserves[id]
	m.resMu.Unlock()
	if !ok {
		return ErrUnknownReservation
	}
	return m.Release(stored)
}
