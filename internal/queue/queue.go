package queue

import (
	"context"
	"errors"
	"time"
)

// Job is a delayed unit of dispatch work. ID is the dedup key; by convention
// it equals the attempt id, so enqueueing the same attempt twice is a no-op.
type Job struct {
	ID         string    `json:"id"`
	AttemptID  string    `json:"attemptId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

var (
	ErrJobNotFound = errors.New("queue: job not found")
	ErrInvalidJob  = errors.New("queue: invalid job")
)

// Queue is a delayed job queue with at-least-once delivery.
//
// Claimed jobs are leased; a job not acked or rescheduled before its lease
// expires is delivered again.
type Queue interface {
	// Enqueue adds job to fire after delay. Enqueueing an id that is already
	// queued or leased returns nil and changes nothing.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Cancel removes a queued or leased job. Returns ErrJobNotFound when absent.
	Cancel(ctx context.Context, id string) error
	// Reschedule moves an existing job back to the delayed set to fire at at.
	Reschedule(ctx context.Context, id string, at time.Time) error
	// ClaimDue leases up to limit jobs due at or before now.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error)
	// Ack removes a finished job.
	Ack(ctx context.Context, id string) error
}

func validate(job Job) error {
	if job.ID == "" || job.AttemptID == "" {
		return ErrInvalidJob
	}
	return nil
}
