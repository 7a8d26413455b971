// Package exchange defines the abstract wire contract the gateway depends
// on. Concrete per-venue adapters live outside this core;
// internal/exchange/mock is the deterministic reference implementation used
// for simulation and tests.
package exchange

import (
	"context"
	"time"

	"trading-core/internal/money"
	"trading-core/internal/order"
)

// RejectReason enumerates the predictive validation failures validate can return.
type RejectReason string

const (
	RejectAmountBelowMin      RejectReason = "amount-below-min"
	RejectPriceOutOfBand      RejectReason = "price-out-of-band"
	RejectSymbolUnknown       RejectReason = "symbol-unknown"
	RejectLeverageUnsupported RejectReason = "leverage-unsupported"
	RejectTickSizeViolation   RejectReason = "tick-size-violation"
)

// ValidateRequest is the purely predictive pre-flight check; it has no side effects.
type ValidateRequest struct {
	Symbol string
	Side   order.Side
	Amount money.Money
	Price  *money.Money
	Type   order.Type
}

// ValidateResult is Ok or Reject(reason).
type ValidateResult struct {
	Ok     bool
	Reason RejectReason
}

// SubmitRequest carries everything submit needs to place an order.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          order.Side
	Amount        money.Money
	Price         *money.Money
	Type          order.Type
}

// SubmitOutcomeKind distinguishes Accepted / Rejected / Timeout.
type SubmitOutcomeKind int

const (
	SubmitAccepted SubmitOutcomeKind = iota
	SubmitRejected
	SubmitTimeout
)

// SubmitResult is the typed outcome of Submit.
type SubmitResult struct {
	Kind    SubmitOutcomeKind
	VenueID string
	Reason  RejectReason
}

// OrderSnapshot is the exchange's view of an order's current state.
type OrderSnapshot struct {
	VenueID       string
	ClientOrderID string
	Status        order.Status
	FilledAmount  money.Money
	AvgFillPrice  money.Money
	FeesPaid      money.Money
}

// CancelOutcomeKind distinguishes CancelAccepted / CancelRejected.
type CancelOutcomeKind int

const (
	CancelAccepted CancelOutcomeKind = iota
	CancelRejected
)

// CancelResult is the typed outcome of Cancel.
type CancelResult struct {
	Kind   CancelOutcomeKind
	Reason string
}

// Exchange is the contract the Gateway depends upon. Every operation returns
// a typed outcome rather than relying on sentinel errors for expected
// rejections, so Reject/Timeout are representable without being conflated
// with genuine transport failure.
type Exchange interface {
	// Validate is purely predictive: no side effects.
	Validate(ctx context.Context, req ValidateRequest) (ValidateResult, error)

	// Submit is idempotent on ClientOrderID: a second call with the same id
	// returns the earlier outcome rather than creating a second order.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)

	// Fetch looks an order up by venue id, falling back to client order id
	// when venueID is empty (the case immediately after a Timeout).
	Fetch(ctx context.Context, venueID, clientOrderID string) (OrderSnapshot, error)

	Cancel(ctx context.Context, venueID string) (CancelResult, error)

	FetchPositions(ctx context.Context, symbol string) ([]order.Position, error)
}

// PollDeadline pairs a fetch poll interval with an overall deadline. The
// Gateway's step-9 fetch loop does not use this type; it takes both values
// from gateway.Config (FetchPollInterval, FetchPollDeadline).
type PollDeadline struct {
	Interval time.Duration
	Deadline time.Duration
}
