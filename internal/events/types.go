package events

import "time"

// Topic enumerates the event topics the bus carries. A handful are critical
// (see IsCritical) and get write-ahead-logged before publication acknowledges.
type Topic string

const (
	TopicBalanceChanged       Topic = "balance:changed"
	TopicOrderSubmitted       Topic = "order:submitted"
	TopicOrderTerminal        Topic = "order:terminal"
	TopicOrderRejected        Topic = "order:rejected"
	TopicReconcileOK          Topic = "reconcile:ok"
	TopicPriceTick            Topic = "market:price_tick"
	TopicRiskCircuitBreaker   Topic = "risk:circuit_breaker"
	TopicRiskPositionMismatch Topic = "risk:position_mismatch"
	TopicRiskAlert            Topic = "risk:alert"
	TopicSystemCritical       Topic = "system:critical"
	TopicSystemError          Topic = "system:error"
)

// criticalTopics is never dropped and always durable in the WAL before
// Publish acknowledges.
var criticalTopics = map[Topic]bool{
	TopicRiskCircuitBreaker:   true,
	TopicRiskPositionMismatch: true,
	TopicRiskAlert:            true,
	TopicSystemCritical:       true,
	TopicSystemError:          true,
}

// IsCritical reports whether a topic belongs to the never-dropped, WAL-backed set.
func IsCritical(t Topic) bool { return criticalTopics[t] }

// AddCritical extends the critical set with operator-configured topics.
// Call during startup, before any Publish; the set is not synchronized.
func AddCritical(topics ...Topic) {
	for _, t := range topics {
		criticalTopics[t] = true
	}
}

// Event is the envelope carried on the bus and, for critical topics, in the WAL.
type Event struct {
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	Source    string    `json:"source"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Critical  bool      `json:"critical"`
	NodeID    string    `json:"node_id"`
}
