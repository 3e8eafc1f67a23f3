package coordinator

import "time"

// EventType enumerates the session lifecycle events exposed to external
// monitoring.
type EventType string

const (
	EventTrancheFunded    EventType = "tranche_funded"
	EventSecretRevealed   EventType = "secret_revealed"
	EventTrancheCompleted EventType = "tranche_completed"
	EventTrancheRefunded  EventType = "tranche_refunded"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
)

type Event struct {
	Type         EventType
	OrderID      uint64
	TrancheIndex int
	Timestamp    time.Time
}

// emit publishes an event without ever blocking the coordination loop. A slow
// or absent consumer drops events, the durable store remains the source of
// truth.
func (c *coordinator) emit(eventType EventType, orderID uint64, trancheIndex int) {
	event := Event{
		Type:         eventType,
		OrderID:      orderID,
		TrancheIndex: trancheIndex,
		Timestamp:    time.Now(),
	}
	select {
	case c.events <- event:
	default:
	}
}
