package tasks

import (
	"context"

	"task-dialer/internal/rules"
)

// Store is the persistence contract for tasks and attempts.
//
// Every mutation touches exactly one row and is conditional on the row's
// current state, so concurrent workers and webhook handlers never interleave
// into an inconsistent state. A guarded update that finds the row but fails
// the guard returns ErrInvalidTransition; a missing row returns ErrNotFound.
type Store interface {
	GetRuleSet(ctx context.Context, id string) (rules.RuleSet, error)

	// CreateTask persists the task and its first attempt atomically.
	CreateTask(ctx context.Context, t Task, first CallAttempt) error
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, id string, u TaskUpdate) (Task, error)

	// CreateAttempt inserts a follow-up attempt only while the owning task is
	// PENDING or RUNNING, and only if (task, number, attemptNumber) is new.
	CreateAttempt(ctx context.Context, a CallAttempt) error
	GetAttempt(ctx context.Context, id string) (CallAttempt, error)
	GetAttemptByProviderCallID(ctx context.Context, callID string) (CallAttempt, error)
	// ListAttempts returns attempts in creation order.
	ListAttempts(ctx context.Context, taskID string) ([]CallAttempt, error)
	// CountAttempts counts attempts for one number, or all numbers when number is empty.
	CountAttempts(ctx context.Context, taskID, number string) (int, error)
	UpdateAttempt(ctx context.Context, id string, u AttemptUpdate) (CallAttempt, error)
}
