package webhooks

import (
	"time"
)

// Event types dispatched by the system.
const (
	EventRecordSealed      = "record.sealed"
	EventEvidenceDestroyed = "evidence.destroyed"
)

// Subscription is a configured webhook endpoint.
type Subscription struct {
	URL    string   `mapstructure:"url"    json:"url"`
	Secret string   `mapstructure:"secret" json:"-"` // never serialised
	Events []string `mapstructure:"events" json:"events"`
}

// Wants reports whether the subscription includes eventType. An empty event
// list subscribes to everything.
func (s Subscription) Wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Event is the JSON body POSTed to subscribers.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	URL          string    `json:"url"`
	EventType    string    `json:"event_type"`
	StatusCode   int       `json:"status_code"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DeliveredAt  time.Time `json:"delivered_at"`
}
