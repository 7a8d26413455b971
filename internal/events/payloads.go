package events

// Typed payloads carried on the bus. Keeping them as plain structs (rather
// than maps) lets subscribers and the WAL replay tooling decode them without
// guessing at field names.

// OrderSubmittedPayload is published on order:submitted once a reservation is
// held and the order is registered with the circuit breaker.
type OrderSubmittedPayload struct {
	ClientOrderID string `json:"client_order_id"`
	AgentID       string `json:"agent_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Amount        string `json:"amount"`
}

// OrderTerminalPayload is published on order:terminal after settlement.
type OrderTerminalPayload struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	FilledAmount  string `json:"filled_amount"`
	AvgFillPrice  string `json:"avg_fill_price"`
	FeesPaid      string `json:"fees_paid"`
}

// OrderRejectedPayload is published on order:rejected for orders refused
// before or by the venue.
type OrderRejectedPayload struct {
	ClientOrderID string `json:"client_order_id"`
	AgentID       string `json:"agent_id"`
	Symbol        string `json:"symbol"`
	Reason        string `json:"reason"`
}

// RiskAlertPayload is published on the critical risk:alert topic.
type RiskAlertPayload struct {
	Kind          string `json:"kind"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// PositionMismatchPayload is published on the critical risk:position_mismatch
// topic when reconciliation finds drift beyond tolerance.
type PositionMismatchPayload struct {
	Symbol      string `json:"symbol"`
	InternalQty string `json:"internal_qty"`
	ExchangeQty string `json:"exchange_qty"`
	Tolerance   string `json:"tolerance"`
}

// ReconcileOKPayload is published on reconcile:ok after a passing cycle.
type ReconcileOKPayload struct {
	Symbol      string `json:"symbol"`
	SyncedQty   string `json:"synced_qty"`
	WasAdjusted bool   `json:"was_adjusted"`
}

// PriceTickPayload is published on market:price_tick by the price tape.
type PriceTickPayload struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}
