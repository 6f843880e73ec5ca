package models

import (
	"encoding/json"
	"time"
)

// DeadLetterPending is the status of a record awaiting manual review.
const DeadLetterPending = "pending_review"

// DeadLetter records a reconciliation run that exhausted its retries.
type DeadLetter struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id"`
	Operation string          `json:"operation"`
	Error     string          `json:"error"`
	Context   json.RawMessage `json:"context,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
