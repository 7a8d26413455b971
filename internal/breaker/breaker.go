// Package breaker implements the loss-triggered circuit breaker with a drain
// protocol that lets already-submitted orders finish before new submissions
// are refused.
package breaker

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"trading-core/internal/events"
)

// State is one of the circuit-breaker states.
type State string

const (
	StateClosed   State = "CLOSED"
	StateDraining State = "DRAINING"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrResetNotLegal is returned by Reset outside of the OPEN state.
var ErrResetNotLegal = fmt.Errorf("breaker: reset only legal from OPEN")

// DenyReason names why Check refused a submission.
type DenyReason string

const (
	DenyOpen             DenyReason = "circuit_breaker_open"
	DenyDraining         DenyReason = "circuit_breaker_draining"
	DenyProbeOutstanding DenyReason = "circuit_breaker_probe_outstanding"
)

// Decision is the outcome of Check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// persistedRecord is the on-disk representation, JSON-encoded via goccy/go-json.
type persistedRecord struct {
	State                        State     `json:"state"`
	PeakValue                    string    `json:"peak_value"`
	CurrentValue                 string    `json:"current_value"`
	InFlightOrderIDs             []string  `json:"in_flight_order_ids"`
	OpenedAt                     time.Time `json:"opened_at"`
	ConsecutiveReconcileFailures int       `json:"consecutive_reconcile_failures"`
	NodeID                       string    `json:"node_id"`
	ProbeOutstanding             bool      `json:"probe_outstanding"`
}

// Config configures a Breaker.
type Config struct {
	LossThreshold      decimal.Decimal // fraction in (0,1); triggers DRAINING
	ReconcileFailLimit int             // consecutive reconciliation failures before OPEN
	DrainDeadline      time.Duration
	CooldownAfterOpen  time.Duration
	StatePath          string
	NodeID             string
	Bus                *events.Bus
}

// Breaker is the sole writer of circuit-breaker state.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	peakValue        decimal.Decimal
	currentValue     decimal.Decimal
	inFlight         map[string]bool
	openedAt         time.Time
	failures         int
	probeOutstanding bool
}

// New constructs a Breaker in CLOSED state with zero peak/current value.
// Callers that need to resume persisted state call LoadPersisted after
// construction, before any trading starts.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:          cfg,
		state:        StateClosed,
		peakValue:    decimal.Zero,
		currentValue: decimal.Zero,
		inFlight:     make(map[string]bool),
	}
}

// LoadPersisted loads a prior run's state from cfg.StatePath. A persisted
// OPEN or DRAINING record resumes as OPEN and stays there until an operator
// calls Reset; a halt never un-halts itself across a restart.
func (b *Breaker) LoadPersisted() error {
	if b.cfg.StatePath == "" {
		return nil
	}
	raw, err := os.ReadFile(b.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("breaker: read state: %w", err)
	}
	var rec persistedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("breaker: decode state: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.peakValue, _ = decimal.NewFromString(rec.PeakValue)
	b.currentValue, _ = decimal.NewFromString(rec.CurrentValue)
	b.failures = rec.ConsecutiveReconcileFailures
	b.inFlight = make(map[string]bool, len(rec.InFlightOrderIDs))
	for _, id := range rec.InFlightOrderIDs {
		b.inFlight[id] = true
	}
	switch rec.State {
	case StateOpen, StateDraining:
		b.state = StateOpen
		b.openedAt = rec.OpenedAt
	case StateHalfOpen:
		b.state = StateHalfOpen
		b.probeOutstanding = rec.ProbeOutstanding
	default:
		b.state = StateClosed
	}
	log.Printf("⚡ breaker state loaded from disk: %s", b.state)
	return nil
}

func (b *Breaker) persistLocked() {
	if b.cfg.StatePath == "" {
		return
	}
	ids := make([]string, 0, len(b.inFlight))
	for id := range b.inFlight {
		ids = append(ids, id)
	}
	rec := persistedRecord{
		State:                        b.state,
		PeakValue:                    b.peakValue.String(),
		CurrentValue:                 b.currentValue.String(),
		InFlightOrderIDs:             ids,
		OpenedAt:                     b.openedAt,
		ConsecutiveReconcileFailures: b.failures,
		NodeID:                       b.cfg.NodeID,
		ProbeOutstanding:             b.probeOutstanding,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		log.Printf("⚡ breaker: marshal state failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.cfg.StatePath), 0o755); err != nil {
		log.Printf("⚡ breaker: mkdir state dir failed: %v", err)
		return
	}
	tmp := b.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Printf("⚡ breaker: write state failed: %v", err)
		return
	}
	if err := os.Rename(tmp, b.cfg.StatePath); err != nil {
		log.Printf("⚡ breaker: rename state failed: %v", err)
	}
}

func (b *Breaker) publish(topic events.Topic, payload any) {
	if b.cfg.Bus == nil {
		return
	}
	_ = b.cfg.Bus.Publish(topic, payload)
}

// Check updates peak_value = max(peak, currentValue), transitions CLOSED ->
// DRAINING on a loss breach, and returns Allow/Deny per the current state.
func (b *Breaker) Check(currentValue decimal.Decimal) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.currentValue = currentValue
	if currentValue.GreaterThan(b.peakValue) {
		b.peakValue = currentValue
	}

	if b.state == StateClosed && !b.peakValue.IsZero() {
		floor := b.peakValue.Mul(decimal.NewFromInt(1).Sub(b.cfg.LossThreshold))
		if currentValue.LessThan(floor) {
			b.transitionLocked(StateDraining)
			b.persistLocked()
		}
	}

	switch b.state {
	case StateOpen:
		return Decision{Allowed: false, Reason: DenyOpen}
	case StateDraining:
		return Decision{Allowed: false, Reason: DenyDraining}
	case StateHalfOpen:
		if b.probeOutstanding {
			return Decision{Allowed: false, Reason: DenyProbeOutstanding}
		}
		b.probeOutstanding = true
		b.persistLocked()
		return Decision{Allowed: true}
	default:
		return Decision{Allowed: true}
	}
}

// Register records orderID as in-flight; the gateway calls this immediately
// after a reservation is made.
func (b *Breaker) Register(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight[orderID] = true
	b.persistLocked()
}

// Complete marks order_id terminal. If this was the last in-flight order
// while DRAINING, the breaker transitions to OPEN. In HALF_OPEN, a completing
// probe order closes the breaker on success or reopens it on failure.
func (b *Breaker) Complete(orderID string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, orderID)

	switch b.state {
	case StateDraining:
		if len(b.inFlight) == 0 {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if success {
			b.transitionLocked(StateClosed)
		} else {
			b.transitionLocked(StateOpen)
		}
		b.probeOutstanding = false
	}
	b.persistLocked()
}

// TripReconcileFailure records a reconciliation failure; at
// cfg.ReconcileFailLimit consecutive failures the breaker jumps straight to
// OPEN.
func (b *Breaker) TripReconcileFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.cfg.ReconcileFailLimit && b.state != StateOpen {
		b.transitionLocked(StateOpen)
	}
	b.persistLocked()
	b.publish(events.TopicRiskPositionMismatch, reason)
}

// ReconcileSucceeded resets the consecutive-failure counter.
func (b *Breaker) ReconcileSucceeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.persistLocked()
}

// Trip forces an immediate OPEN transition independent of the failure
// counter; startup recovery calls it when its reconciliation cycle fails.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.transitionLocked(StateOpen)
	}
	b.persistLocked()
	b.publish(events.TopicRiskAlert, reason)
}

// WaitForDrain blocks until in-flight orders reach zero or deadline elapses.
func (b *Breaker) WaitForDrain(deadline time.Duration) bool {
	timeout := time.After(deadline)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		empty := len(b.inFlight) == 0
		b.mu.Unlock()
		if empty {
			return true
		}
		select {
		case <-ticker.C:
		case <-timeout:
			b.mu.Lock()
			b.transitionLocked(StateOpen)
			b.persistLocked()
			b.mu.Unlock()
			return false
		}
	}
}

// Reset transitions OPEN -> HALF_OPEN. Only legal from OPEN, and refused
// until cfg.CooldownAfterOpen has elapsed since the breaker opened; the
// caller (cmd/gatewayctl's breaker-reset) verifies reconciliation passes
// before calling this.
func (b *Breaker) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return ErrResetNotLegal
	}
	if b.cfg.CooldownAfterOpen > 0 && time.Since(b.openedAt) < b.cfg.CooldownAfterOpen {
		return fmt.Errorf("breaker: cooldown not elapsed")
	}
	b.transitionLocked(StateHalfOpen)
	b.probeOutstanding = false
	b.persistLocked()
	return nil
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	log.Printf("⚡ circuit breaker %s -> %s", from, to)
	b.publish(events.TopicRiskCircuitBreaker, fmt.Sprintf("%s -> %s", from, to))
}

// CurrentState returns the current state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// InFlightCount returns the number of orders currently registered.
func (b *Breaker) InFlightCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}
