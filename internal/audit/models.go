package audit

import "time"

// Event is an immutable, append-only record of an operator action on a task.
//
// Invariants:
// - Events are never updated or deleted.
// - task_id is required.
// - ip capture is best-effort; audit failures never block the action itself.
type Event struct {
	ID     string    `json:"id" db:"id"`
	Type   EventType `json:"type" db:"type"`
	TaskID string    `json:"task_id" db:"task_id"`

	// IPAddress is the resolved client IP of the caller, when known.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`
	RequestID string `json:"request_id,omitempty" db:"request_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON with the request details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeTaskCreated EventType = "task_created"
	EventTypeTaskStopped EventType = "task_stopped"
)
