// Package order defines the domain entities shared by the gateway, the order
// store, the exchange contract, and the position reconciler: Order, Side,
// Type, Status, Transition, and Position.
package order

import (
	"time"

	"trading-core/internal/money"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type is the order type.
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
)

// Status is a point in the order lifecycle. Terminal states are marked in
// the comment beside each constant.
type Status string

const (
	StatusNew                 Status = "NEW"
	StatusValidating          Status = "VALIDATING"
	StatusReserved            Status = "RESERVED"
	StatusSubmitted           Status = "SUBMITTED"
	StatusAccepted            Status = "ACCEPTED"
	StatusPartiallyFilled     Status = "PARTIALLY_FILLED"
	StatusFilled              Status = "FILLED"               // terminal
	StatusCancelled           Status = "CANCELLED"            // terminal
	StatusRejected            Status = "REJECTED"             // terminal
	StatusExpired             Status = "EXPIRED"              // terminal
	StatusPendingVerification Status = "PENDING_VERIFICATION" // terminal
)

// IsTerminal reports whether s is one of the five terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusPendingVerification:
		return true
	default:
		return false
	}
}

// Order is append-only: state transitions are recorded as audit entries
// (Transition) in internal/orderstore, never overwritten in place; Order
// itself is always the latest snapshot.
type Order struct {
	ClientOrderID    string
	VenueOrderID     string
	AgentID          string
	Symbol           string
	Side             Side
	Type             Type
	RequestedAmount  money.Money
	RequestedPrice   *money.Money // nil for market orders
	FilledAmount     money.Money
	AvgFillPrice     money.Money
	FeesPaid         money.Money
	Status           Status
	SubmittedAt      time.Time
	TerminalAt       *time.Time
	ReservationID    string
}

// Transition is one append-only audit entry recorded against a client order id.
type Transition struct {
	ClientOrderID string
	Sequence      int
	Status        Status
	Detail        string
	At            time.Time
}

// Position is the per-symbol account record. A position with zero quantity
// is retained until explicit removal.
type Position struct {
	Symbol        string
	Quantity      money.Money // signed: negative is short
	AvgEntryPrice money.Money
	RealizedPnL   money.Money
	TickVersion   uint64
	UpdatedAt     time.Time
}
