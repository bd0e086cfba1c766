package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps audit events in process. Tests only.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns every event in append order.
func (r *MemoryRepo) Events() []Event {
	return r.ForTask("")
}

// ForTask returns the events recorded against taskID; "" matches all.
func (r *MemoryRepo) ForTask(taskID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}
