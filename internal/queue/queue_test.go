package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(now time.Time) *MemoryQueue {
	q := NewMemoryQueue()
	q.Now = func() time.Time { return now }
	return q
}

func TestMemoryQueue_EnqueueIsIdempotentPerID(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(now)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "a1", AttemptID: "a1"}, time.Minute))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "a1", AttemptID: "a1"}, 0))

	assert.Equal(t, 1, q.Len())
	at, ok := q.DueAt("a1")
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), at)
}

func TestMemoryQueue_RejectsInvalidJob(t *testing.T) {
	q := NewMemoryQueue()
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{ID: "x"}, 0), ErrInvalidJob)
}

func TestMemoryQueue_ClaimOnlyDueJobsInOrder(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(now)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "late", AttemptID: "late"}, time.Hour))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "b", AttemptID: "b"}, 2*time.Second))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", AttemptID: "a"}, time.Second))

	jobs, err := q.ClaimDue(ctx, now.Add(5*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)

	// leased jobs are not handed out twice
	jobs, err = q.ClaimDue(ctx, now.Add(6*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMemoryQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(now)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", AttemptID: "a"}, 0))
	jobs, err := q.ClaimDue(ctx, now, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = q.ClaimDue(ctx, now.Add(11*time.Second), 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].ID)
}

func TestMemoryQueue_AckAndCancel(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(now)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", AttemptID: "a"}, 0))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "b", AttemptID: "b"}, time.Minute))

	_, err := q.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, "a"))
	assert.False(t, q.Has("a"))

	require.NoError(t, q.Cancel(ctx, "b"))
	assert.ErrorIs(t, q.Cancel(ctx, "b"), ErrJobNotFound)

	// acked ids may be enqueued again
	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", AttemptID: "a"}, 0))
	assert.True(t, q.Has("a"))
}

func TestMemoryQueue_RescheduleMovesLeasedJobBack(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(now)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "a", AttemptID: "a"}, 0))
	_, err := q.ClaimDue(ctx, now, 1, time.Minute)
	require.NoError(t, err)

	start := now.Add(2 * time.Hour)
	require.NoError(t, q.Reschedule(ctx, "a", start))

	at, ok := q.DueAt("a")
	require.True(t, ok)
	assert.Equal(t, start, at)

	jobs, err := q.ClaimDue(ctx, now.Add(time.Hour), 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	assert.ErrorIs(t, q.Reschedule(ctx, "missing", start), ErrJobNotFound)
}

func TestRedisQueue_KeysAreNamespaced(t *testing.T) {
	q := &RedisQueue{name: "tasks:dialer"}
	assert.Equal(t, []string{"tasks:dialer:delayed", "tasks:dialer:inflight", "tasks:dialer:jobs"}, q.keys())

	_, err := NewRedisQueue(nil, "x")
	assert.Error(t, err)
}
