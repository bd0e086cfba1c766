package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue useful for tests and local runs.
// It is not intended for production use.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     map[string]Job
	delayed  map[string]time.Time
	inflight map[string]time.Time

	// Now defaults to time.Now; tests pin it to compute due times.
	Now func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:     map[string]Job{},
		delayed:  map[string]time.Time{},
		inflight: map[string]time.Time{},
		Now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if err := validate(job); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; ok {
		return nil
	}
	now := q.Now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	q.jobs[job.ID] = job
	q.delayed[job.ID] = now.Add(delay)
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id]; !ok {
		return ErrJobNotFound
	}
	q.remove(id)
	return nil
}

func (q *MemoryQueue) Reschedule(ctx context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(q.inflight, id)
	q.delayed[id] = at
	return nil
}

func (q *MemoryQueue) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, exp := range q.inflight {
		if !exp.After(now) {
			delete(q.inflight, id)
			q.delayed[id] = now
		}
	}

	type due struct {
		id string
		at time.Time
	}
	var ready []due
	for id, at := range q.delayed {
		if !at.After(now) {
			ready = append(ready, due{id: id, at: at})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].at.Equal(ready[j].at) {
			return ready[i].id < ready[j].id
		}
		return ready[i].at.Before(ready[j].at)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]Job, 0, len(ready))
	for _, d := range ready {
		delete(q.delayed, d.id)
		q.inflight[d.id] = now.Add(lease)
		out = append(out, q.jobs[d.id])
	}
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(id)
	return nil
}

func (q *MemoryQueue) remove(id string) {
	delete(q.jobs, id)
	delete(q.delayed, id)
	delete(q.inflight, id)
}

// DueAt reports when a queued job fires. ok is false for unknown or leased jobs.
func (q *MemoryQueue) DueAt(id string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.delayed[id]
	return at, ok
}

// Has reports whether id is queued or leased.
func (q *MemoryQueue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[id]
	return ok
}

// Len returns the number of queued plus leased jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
