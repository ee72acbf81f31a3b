package models

import (
	"encoding/json"
	"time"
)

// StreamEvent is one inbound frame routed to a subscription.
type StreamEvent struct {
	Stream     string          `json:"stream"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}
