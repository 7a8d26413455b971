// Package pool caches venue Exchange clients with failure counting and a
// cool-down circuit per venue. The core ships one simulated venue, but the
// wiring point is here so additional venue adapters slot in without touching
// the gateway.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading-core/internal/exchange"
)

var (
	// ErrVenueNotFound is returned for a venue the factory cannot build.
	ErrVenueNotFound = errors.New("pool: venue not found")
	// ErrVenueUnhealthy is returned while a venue is inside its cool-down.
	ErrVenueUnhealthy = errors.New("pool: venue is unhealthy")
)

// Factory builds an Exchange client for a venue name.
type Factory func(venue string) (exchange.Exchange, error)

// Config holds pool tuning.
type Config struct {
	FailureThreshold int           // failures before a venue is marked unhealthy
	CircuitTimeout   time.Duration // cool-down before an unhealthy venue is retried
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type entry struct {
	client      exchange.Exchange
	venue       string
	createdAt   time.Time
	lastUsed    time.Time
	failures    int
	unhealthyAt time.Time
}

// Manager is the venue client cache.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory Factory
	cfg     Config
}

// NewManager creates a Manager around a factory.
func NewManager(factory Factory, cfg Config) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		factory: factory,
		cfg:     cfg,
	}
}

// GetOrCreate returns a healthy client for venue, building one on first use.
func (m *Manager) GetOrCreate(ctx context.Context, venue string) (exchange.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[venue]
	if ok {
		if m.unhealthyLocked(e) {
			return nil, fmt.Errorf("%w: %s (retry after %s)", ErrVenueUnhealthy, venue,
				e.unhealthyAt.Add(m.cfg.CircuitTimeout).Format(time.RFC3339))
		}
		e.lastUsed = time.Now()
		return e.client, nil
	}

	client, err := m.factory(venue)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrVenueNotFound, venue, err)
	}
	now := time.Now()
	m.entries[venue] = &entry{client: client, venue: venue, createdAt: now, lastUsed: now}
	return client, nil
}

func (m *Manager) unhealthyLocked(e *entry) bool {
	if e.failures < m.cfg.FailureThreshold {
		return false
	}
	if time.Since(e.unhealthyAt) >= m.cfg.CircuitTimeout {
		// Cool-down elapsed: allow one retry.
		e.failures = m.cfg.FailureThreshold - 1
		return false
	}
	return true
}

// ReportFailure counts one failed call against venue; at the threshold the
// venue enters its cool-down.
func (m *Manager) ReportFailure(venue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[venue]
	if !ok {
		return
	}
	e.failures++
	if e.failures == m.cfg.FailureThreshold {
		e.unhealthyAt = time.Now()
	}
}

// ReportSuccess resets venue's failure count.
func (m *Manager) ReportSuccess(venue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[venue]; ok {
		e.failures = 0
	}
}

// Healthy reports whether venue is usable right now.
func (m *Manager) Healthy(venue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[venue]
	if !ok {
		return false
	}
	return !m.unhealthyLocked(e)
}

// Venues lists every cached venue name.
func (m *Manager) Venues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for v := range m.entries {
		out = append(out, v)
	}
	return out
}

// Stop closes every cached client that exposes a Close method.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, e := range m.entries {
		if closer, ok := e.client.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.entries, v)
	}
}
