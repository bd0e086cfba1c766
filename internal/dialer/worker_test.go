package dialer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"task-dialer/internal/calls"
	"task-dialer/internal/notify"
	"task-dialer/internal/queue"
	"task-dialer/internal/rules"
	"task-dialer/internal/tasks"
	"task-dialer/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu      sync.Mutex
	placed  []telephony.PlaceCallRequest
	bridges []telephony.BridgeRequest
	hangups []string

	failWith error
	onPlace  func(req telephony.PlaceCallRequest)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	if p.onPlace != nil {
		p.onPlace(req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return telephony.PlaceCallResult{}, p.failWith
	}
	p.placed = append(p.placed, req)
	return telephony.PlaceCallResult{CallID: fmt.Sprintf("CA%d", len(p.placed))}, nil
}

func (p *fakeProvider) Bridge(ctx context.Context, req telephony.BridgeRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bridges = append(p.bridges, req)
	return nil
}

func (p *fakeProvider) Hangup(ctx context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, callID)
	return nil
}

func (p *fakeProvider) placedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed)
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Outcome
}

func (n *recordingNotifier) Notify(ctx context.Context, o notify.Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, o)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	clock    *clock
	store    *tasks.MemoryStore
	queue    *queue.MemoryQueue
	provider *fakeProvider
	notifier *recordingNotifier
	svc      *tasks.Service
	events   *calls.Handler
	worker   *Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	store := tasks.NewMemoryStore()
	store.PutRuleSet(rules.RuleSet{ID: "rs1", Name: "default"})
	q := queue.NewMemoryQueue()
	q.Now = clk.Now
	p := &fakeProvider{}
	n := &recordingNotifier{}

	svc := tasks.NewService(store, q, p, n, nil)
	svc.Now = clk.Now
	svc.SetRand(rand.New(rand.NewSource(7)))

	urls := telephony.CallbackURLs{PublicBaseURL: "https://dialer.example.com"}
	w := NewWorker(svc, p, q, urls, Config{BatchSize: 5}, nil)
	w.Now = clk.Now

	return &env{
		clock:    clk,
		store:    store,
		queue:    q,
		provider: p,
		notifier: n,
		svc:      svc,
		events:   calls.NewHandler(svc, urls, 30, nil),
		worker:   w,
	}
}

func (e *env) create(t *testing.T, in tasks.CreateInput) tasks.Task {
	t.Helper()
	if in.CallbackTarget == "" {
		in.CallbackTarget = "+15559999"
	}
	in.RuleSetID = "rs1"
	task, err := e.svc.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return task
}

func (e *env) poll(t *testing.T) int {
	t.Helper()
	n, err := e.worker.Poll(context.Background())
	require.NoError(t, err)
	return n
}

func (e *env) attempts(t *testing.T, taskID string) []tasks.CallAttempt {
	t.Helper()
	d, err := e.svc.GetTaskWithAttempts(context.Background(), taskID)
	require.NoError(t, err)
	return d.Attempts
}

func (e *env) last(t *testing.T, taskID string) tasks.CallAttempt {
	t.Helper()
	all := e.attempts(t, taskID)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func (e *env) taskStatus(t *testing.T, taskID string) tasks.TaskStatus {
	t.Helper()
	tk, err := e.svc.Task(context.Background(), taskID)
	require.NoError(t, err)
	return tk.Status
}

func (e *env) event(t *testing.T, callID, status, classification string) {
	t.Helper()
	require.NoError(t, e.events.HandleStatus(context.Background(), telephony.StatusEvent{
		CallID:         callID,
		Status:         status,
		Classification: classification,
	}))
}

func TestWorker_PlacesDueCall(t *testing.T) {
	e := newEnv(t)
	task := e.create(t, tasks.CreateInput{Numbers: []string{"+15551111"}})

	require.Equal(t, 1, e.poll(t))

	a := e.last(t, task.ID)
	assert.Equal(t, tasks.AttemptDialing, a.Status)
	assert.Equal(t, "CA1", a.ProviderCallID)
	require.NotNil(t, a.StartedAt)
	assert.Equal(t, tasks.TaskRunning, e.taskStatus(t, task.ID))

	require.Len(t, e.provider.placed, 1)
	req := e.provider.placed[0]
	assert.Equal(t, "+15551111", req.To)
	assert.Equal(t, "https://dialer.example.com/webhooks/twilio/voice?attemptId="+a.ID, req.StatusCallbackURL)
	assert.Equal(t, "https://dialer.example.com/webhooks/twilio/answer?attemptId="+a.ID, req.AnswerURL)
	assert.False(t, e.queue.Has(a.ID), "job acked")
}

func TestWorker_ExhaustsAllNumbersThenFails(t *testing.T) {
	e := newEnv(t)
	task := e.create(t, tasks.CreateInput{
		Numbers:              []string{"+15551111", "+15552222"},
		PerNumberMaxAttempts: intPtr(2),
		GlobalMaxAttempts:    intPtr(4),
	})

	for i := 0; i < 4; i++ {
		e.clock.Advance(10 * time.Minute)
		require.Equal(t, 1, e.poll(t), "round %d", i)
		e.event(t, e.last(t, task.ID).ProviderCallID, "busy", "")
	}

	all := e.attempts(t, task.ID)
	require.Len(t, all, 4)
	got := make([]string, 0, len(all))
	for _, a := range all {
		got = append(got, fmt.Sprintf("%s#%d", a.Number, a.AttemptNumber))
		assert.Equal(t, tasks.AttemptBusy, a.Status)
	}
	assert.Equal(t, []string{"+15551111#1", "+15551111#2", "+15552222#1", "+15552222#2"}, got)
	assert.Equal(t, tasks.TaskFailed, e.taskStatus(t, task.ID))

	require.Len(t, e.notifier.got, 1)
	assert.False(t, e.notifier.got[0].Matched)
	assert.Equal(t, "+15552222", e.notifier.got[0].Number)

	e.clock.Advance(time.Hour)
	assert.Equal(t, 0, e.poll(t))
}

func TestWorker_MatchOnFallbackNumberNotifiesOnce(t *testing.T) {
	e := newEnv(t)
	task := e.create(t, tasks.CreateInput{
		Numbers:              []string{"+15551111", "+15552222"},
		PerNumberMaxAttempts: intPtr(1),
	})

	require.Equal(t, 1, e.poll(t))
	e.event(t, "CA1", "no-answer", "")

	require.Equal(t, 1, e.poll(t))
	b := e.last(t, task.ID)
	assert.Equal(t, "+15552222", b.Number)
	assert.Equal(t, 1, b.AttemptNumber)

	e.event(t, b.ProviderCallID, "ringing", "")
	e.event(t, b.ProviderCallID, "in-progress", "human")
	e.event(t, b.ProviderCallID, "in-progress", "human")
	assert.Equal(t, tasks.TaskMatched, e.taskStatus(t, task.ID))

	require.Len(t, e.notifier.got, 1)
	assert.Equal(t, notify.Outcome{TaskID: task.ID, Number: "+15552222", Matched: true}, e.notifier.got[0])
	require.Len(t, e.provider.bridges, 1)
	assert.Equal(t, "task-"+task.ID, e.provider.bridges[0].ConferenceName)

	e.event(t, b.ProviderCallID, "completed", "")
	assert.Equal(t, tasks.TaskCompleted, e.taskStatus(t, task.ID))
	assert.Len(t, e.attempts(t, task.ID), 2)
	assert.Len(t, e.notifier.got, 1)
}

func TestWorker_StopWhileRingingIgnoresStaleWork(t *testing.T) {
	e := newEnv(t)
	task := e.create(t, tasks.CreateInput{Numbers: []string{"+15551111", "+15552222"}})

	require.Equal(t, 1, e.poll(t))
	a := e.last(t, task.ID)
	e.event(t, a.ProviderCallID, "ringing", "")

	_, err := e.svc.StopTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ProviderCallID}, e.provider.hangups)

	a = e.last(t, task.ID)
	assert.Equal(t, tasks.AttemptCanceled, a.Status)
	assert.Equal(t, tasks.ReasonTaskStopped, a.Reason)

	res, err := e.worker.HandleJob(context.Background(), queue.Job{ID: a.ID, AttemptID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, ResultDropped, res)

	e.event(t, a.ProviderCallID, "busy", "")
	e.event(t, a.ProviderCallID, "completed", "")

	assert.Len(t, e.attempts(t, task.ID), 1)
	assert.Equal(t, 1, e.provider.placedCount())
	assert.Equal(t, tasks.TaskStopped, e.taskStatus(t, task.ID))
	assert.Empty(t, e.notifier.got)

	// Stop is idempotent.
	_, err = e.svc.StopTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, e.provider.hangups, 1)
}

func TestWorker_RedeliveredJobIsNoop(t *testing.T) {
	e := newEnv(t)
	task := e.create(t, tasks.CreateInput{Numbers: []string{"+15551111"}})
	require.Equal(t, 1, e.poll(t))
	a := e.last(t, task.ID)

	res, err := e.worker.HandleJob(context.Background(), queue.Job{ID: a.ID, AttemptID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, ResultDropped, res)
	assert.Equal(t, 1, e.provider.placedCount())
	assert.Len(t, e.attempts(t, task.ID), 1)
}

func TestWorker_UnknownAttemptIsDropped(t *testing.T) {
	e := newEnv(t)
	res, err := e.worker.HandleJob(context.Background(), queue.Job{ID: "x", AttemptID: "x"})
	require.NoError(t, err)
	assert.Equal(t, ResultDropped, res)
}

func TestWorker_FutureWindowDefersFirstAttempt(t *testing.T) {
	e := newEnv(t)
	start := e.clock.Now().Add(time.Hour)
	task := e.create(t, tasks.CreateInput{
		Numbers:    []string{"+15551111"},
		TimeWindow: &tasks.TimeWindow{Start: &start},
	})
	a := e.last(t, task.ID)

	due, ok := e.queue.DueAt(a.ID)
	require.True(t, ok)
	assert.True(t, due.Equal(start))
	assert.Equal(t, 0, e.poll(t))

	// A job that fires early is pushed back to the window start.
	res, err := e.worker.HandleJob(context.Background(), queue.Job{ID: a.ID, AttemptID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, ResultDeferred, res)
	due, ok = e.queue.DueAt(a.ID)
	require.True(t, ok)
	assert.True(t, due.Equal(start))
	assert.Equal(t, 0, e.provider.placedCount())

	e.clock.Advance(time.Hour)
	require.Equal(t, 1, e.poll(t))
	assert.Equal(t, 1, e.provider.placedCount())
	assert.Len(t, e.attempts(t, task.ID), 1)
}

func TestWorker_ExpiredWindowFallsBack(t *testing.T) {
	e := newEnv(t)
	end := e.clock.Now().Add(time.Minute)
	task := e.create(t, tasks.CreateInput{
		Numbers:    []string{"+15551111", "+15552222"},
		TimeWindow: &tasks.TimeWindow{End: &end},
	})

	e.clock.Advance(2 * time.Minute)
	require.Equal(t, 1, e.poll(t))

	all := e.attempts(t, task.ID)
	require.Len(t, all, 2)
	assert.Equal(t, tasks.AttemptCanceled, all[0].Status)
	assert.Equal(t, tasks.ReasonTimeWindowExpired, all[0].Reason)
	assert.Equal(t, "+15552222", all[1].Number)

	require.Equal(t, 1, e.poll(t))
	all = e.attempts(t, task.ID)
	require.Len(t, all, 2)
	assert.Equal(t, tasks.ReasonTimeWindowExpired, all[1].Reason)
	assert.Equal(t, tasks.TaskFailed, e.taskStatus(t, task.ID))
	assert.Equal(t, 0, e.provider.placedCount())
}

func TestWorker_DispatchErrorRetries(t *testing.T) {
	e := newEnv(t)
	e.provider.failWith = &telephony.ProviderError{HTTPStatus: 500, Code: 20500, Message: "internal"}
	task := e.create(t, tasks.CreateInput{Numbers: []string{"+15551111"}})

	require.Equal(t, 1, e.poll(t))

	all := e.attempts(t, task.ID)
	require.Len(t, all, 2)
	assert.Equal(t, tasks.AttemptFailed, all[0].Status)
	assert.True(t, strings.HasPrefix(all[0].Reason, tasks.ReasonDispatchError+":"), all[0].Reason)
	assert.Contains(t, all[0].Reason, "internal")
	assert.Equal(t, 2, all[1].AttemptNumber)
	assert.Equal(t, tasks.AttemptPending, all[1].Status)
	assert.False(t, e.queue.Has(all[0].ID), "failed job acked")
	assert.True(t, e.queue.Has(all[1].ID))
}

func TestWorker_CancelDuringPlacementHangsUp(t *testing.T) {
	e := newEnv(t)
	task := e.create(t, tasks.CreateInput{Numbers: []string{"+15551111"}})
	e.provider.onPlace = func(telephony.PlaceCallRequest) {
		_, err := e.svc.StopTask(context.Background(), task.ID)
		assert.NoError(t, err)
	}

	require.Equal(t, 1, e.poll(t))
	assert.Equal(t, []string{"CA1"}, e.provider.hangups)
	a := e.last(t, task.ID)
	assert.Equal(t, tasks.AttemptCanceled, a.Status)
	assert.Empty(t, a.ProviderCallID)
}

// flakyOutcomes fails the next OnOutcome once.
type flakyOutcomes struct {
	*tasks.Service
	fail bool
}

func (f *flakyOutcomes) OnOutcome(ctx context.Context, attemptID string, o tasks.Outcome) (tasks.Decision, error) {
	if f.fail {
		f.fail = false
		return "", errors.New("connection reset")
	}
	return f.Service.OnOutcome(ctx, attemptID, o)
}

func TestWorker_RedeliveryAfterFailedOutcomeRetries(t *testing.T) {
	e := newEnv(t)
	svc := &flakyOutcomes{Service: e.svc, fail: true}
	e.worker = NewWorker(svc, e.provider, e.queue, telephony.CallbackURLs{PublicBaseURL: "https://dialer.example.com"}, Config{BatchSize: 5}, nil)
	e.worker.Now = e.clock.Now

	task := e.create(t, tasks.CreateInput{Numbers: []string{"+15551111"}})
	e.provider.failWith = telephony.ErrProvider

	require.Equal(t, 1, e.poll(t))
	a := e.last(t, task.ID)
	assert.Equal(t, tasks.AttemptDialing, a.Status)
	assert.Empty(t, a.ProviderCallID)
	assert.True(t, e.queue.Has(a.ID), "job left unacked")

	// Nothing is due until the lease runs out.
	assert.Equal(t, 0, e.poll(t))
	e.clock.Advance(31 * time.Second)
	require.Equal(t, 1, e.poll(t))

	all := e.attempts(t, task.ID)
	require.Len(t, all, 2)
	assert.Equal(t, tasks.AttemptFailed, all[0].Status)
	assert.True(t, strings.HasPrefix(all[0].Reason, tasks.ReasonDispatchError+":"), all[0].Reason)
	assert.Contains(t, all[0].Reason, "call placement not confirmed")
	assert.False(t, e.queue.Has(all[0].ID))
	assert.Equal(t, tasks.AttemptPending, all[1].Status)
	assert.Equal(t, 2, all[1].AttemptNumber)
	assert.True(t, e.queue.Has(all[1].ID))
	assert.Equal(t, tasks.TaskRunning, e.taskStatus(t, task.ID))

	e.provider.failWith = nil
	e.clock.Advance(10 * time.Minute)
	require.Equal(t, 1, e.poll(t))
	b := e.last(t, task.ID)
	assert.Equal(t, tasks.AttemptDialing, b.Status)
	assert.Equal(t, "CA1", b.ProviderCallID)
	assert.Equal(t, 1, e.provider.placedCount())
}

func TestWorker_ExpiredWindowOutcomeIsRetried(t *testing.T) {
	e := newEnv(t)
	svc := &flakyOutcomes{Service: e.svc, fail: true}
	e.worker = NewWorker(svc, e.provider, e.queue, telephony.CallbackURLs{PublicBaseURL: "https://dialer.example.com"}, Config{BatchSize: 5}, nil)
	e.worker.Now = e.clock.Now

	end := e.clock.Now().Add(time.Minute)
	task := e.create(t, tasks.CreateInput{
		Numbers:    []string{"+15551111"},
		TimeWindow: &tasks.TimeWindow{End: &end},
	})
	e.clock.Advance(time.Minute)

	require.Equal(t, 1, e.poll(t))
	a := e.last(t, task.ID)
	assert.Equal(t, tasks.AttemptPending, a.Status)

	e.clock.Advance(31 * time.Second)
	require.Equal(t, 1, e.poll(t))
	a = e.last(t, task.ID)
	assert.Equal(t, tasks.AttemptCanceled, a.Status)
	assert.Equal(t, tasks.ReasonTimeWindowExpired, a.Reason)
	assert.Equal(t, tasks.TaskFailed, e.taskStatus(t, task.ID))
	assert.Zero(t, e.provider.placedCount())
	require.Len(t, e.notifier.got, 1)
}

func TestHandleJob_ResumesFinalizedAttempt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := e.create(t, tasks.CreateInput{Numbers: []string{"+15551111", "+15552222"}, PerNumberMaxAttempts: intPtr(1)})
	require.Equal(t, 1, e.poll(t))
	a := e.last(t, task.ID)

	// Finalized without a decision, as when the process dies in between.
	reason := tasks.ReasonNoAnswer
	_, err := e.store.UpdateAttempt(ctx, a.ID, tasks.AttemptUpdate{Status: tasks.AttemptNoAnswer, Reason: &reason})
	require.NoError(t, err)

	job := queue.Job{ID: a.ID, AttemptID: a.ID}
	res, err := e.worker.HandleJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ResultResumed, res)

	all := e.attempts(t, task.ID)
	require.Len(t, all, 2)
	assert.Equal(t, "+15552222", all[1].Number)
	assert.True(t, e.queue.Has(all[1].ID))

	res, err = e.worker.HandleJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ResultDropped, res)
	assert.Len(t, e.attempts(t, task.ID), 2)
}

func TestDispatchError(t *testing.T) {
	err := error(&DispatchError{AttemptID: "a1", Err: telephony.ErrProvider})
	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorIs(t, err, telephony.ErrProvider)
	assert.False(t, errors.Is(errors.New("x"), ErrDispatch))
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.worker.Now = time.Now
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRun_LogsStartOnce(t *testing.T) {
	e := newEnv(t)
	var buf bytes.Buffer
	w := NewWorker(e.svc, e.provider, e.queue, telephony.CallbackURLs{}, Config{}, slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Run(ctx), context.Canceled)
	assert.Equal(t, 1, strings.Count(buf.String(), `"msg":"dispatch worker started"`))
}

func intPtr(v int) *int { return &v }
