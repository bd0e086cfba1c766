package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only; there are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records operator actions. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TaskID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogTaskCreated records a task submission. details is marshaled into Metadata.
func (s *Service) LogTaskCreated(ctx context.Context, taskID, requestID string, details any) error {
	return s.Append(ctx, Event{
		Type:      EventTypeTaskCreated,
		TaskID:    taskID,
		RequestID: requestID,
		Message:   "task created",
		Metadata:  metadata(details),
	})
}

func (s *Service) LogTaskStopped(ctx context.Context, taskID, requestID string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeTaskStopped,
		TaskID:    taskID,
		RequestID: requestID,
		Message:   "task stopped",
	})
}

func metadata(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
