package db

import "time"

// OutcomeRecord represents a row in the directive_outcomes table.
type OutcomeRecord struct {
	ID              int64     `json:"id"`
	MessageID       string    `json:"message_id"`
	Namespace       string    `json:"namespace"`
	Name            string    `json:"name"`
	DialogRequestID *string   `json:"dialog_request_id,omitempty"`
	Status          string    `json:"status"`
	Reason          *string   `json:"reason,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// SendRecord represents a row in the event_sends table.
type SendRecord struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     *string   `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}
