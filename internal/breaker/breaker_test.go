package breaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*Breaker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "breaker.json")
	b := New(Config{
		LossThreshold:      decimal.NewFromFloat(0.10),
		ReconcileFailLimit: 3,
		DrainDeadline:      time.Second,
		StatePath:          path,
	})
	return b, path
}

func TestClosedToDrainingOnLossBreach(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.Check(decimal.NewFromInt(10000))
	b.Register("order-1")

	d := b.Check(decimal.NewFromInt(8900))
	require.False(t, d.Allowed)
	require.Equal(t, DenyDraining, d.Reason)
	require.Equal(t, StateDraining, b.CurrentState())
}

func TestDrainingToOpenWhenLastOrderCompletes(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Check(decimal.NewFromInt(10000))
	b.Register("order-1")
	b.Check(decimal.NewFromInt(8900))
	require.Equal(t, StateDraining, b.CurrentState())

	b.Complete("order-1", true)
	require.Equal(t, StateOpen, b.CurrentState())
}

func TestOpenRejectsAllSubmissions(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Trip("manual test trip")

	d := b.Check(decimal.NewFromInt(100))
	require.False(t, d.Allowed)
	require.Equal(t, DenyOpen, d.Reason)
}

func TestResetOnlyLegalFromOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	require.ErrorIs(t, b.Reset(), ErrResetNotLegal)
}

func TestHalfOpenProbeSuccessClosesBreaker(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Trip("test")
	require.NoError(t, b.Reset())
	require.Equal(t, StateHalfOpen, b.CurrentState())

	d := b.Check(decimal.NewFromInt(100))
	require.True(t, d.Allowed)

	second := b.Check(decimal.NewFromInt(100))
	require.False(t, second.Allowed)
	require.Equal(t, DenyProbeOutstanding, second.Reason)

	b.Register("probe-order")
	b.Complete("probe-order", true)
	require.Equal(t, StateClosed, b.CurrentState())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Trip("test")
	require.NoError(t, b.Reset())

	b.Check(decimal.NewFromInt(100))
	b.Register("probe-order")
	b.Complete("probe-order", false)
	require.Equal(t, StateOpen, b.CurrentState())
}

func TestPersistAndReloadKeepsOpen(t *testing.T) {
	b, path := newTestBreaker(t)
	b.Trip("disk persistence check")

	reloaded := New(Config{StatePath: path, LossThreshold: decimal.NewFromFloat(0.1), ReconcileFailLimit: 3})
	require.NoError(t, reloaded.LoadPersisted())
	require.Equal(t, StateOpen, reloaded.CurrentState())
}

func TestReconcileFailuresForceOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.TripReconcileFailure("mismatch 1")
	b.TripReconcileFailure("mismatch 2")
	require.Equal(t, StateClosed, b.CurrentState())
	b.TripReconcileFailure("mismatch 3")
	require.Equal(t, StateOpen, b.CurrentState())
}

func TestWaitForDrainTimesOutAndOpens(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Register("stuck-order")
	require.False(t, b.WaitForDrain(30*time.Millisecond))
	require.Equal(t, StateOpen, b.CurrentState())
}
