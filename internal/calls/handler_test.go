package calls

import (
	"context"
	"sync"
	"testing"
	"time"

	"task-dialer/internal/notify"
	"task-dialer/internal/queue"
	"task-dialer/internal/rules"
	"task-dialer/internal/tasks"
	"task-dialer/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	mu      sync.Mutex
	bridges []telephony.BridgeRequest
	hangups []string
}

func (f *fakeControl) Bridge(ctx context.Context, req telephony.BridgeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges = append(f.bridges, req)
	return nil
}

func (f *fakeControl) Hangup(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
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

type harness struct {
	store    *tasks.MemoryStore
	queue    *queue.MemoryQueue
	control  *fakeControl
	notifier *recordingNotifier
	svc      *tasks.Service
	h        *Handler
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := tasks.NewMemoryStore()
	store.PutRuleSet(rules.RuleSet{ID: "rs1", Name: "humans only"})
	q := queue.NewMemoryQueue()
	q.Now = func() time.Time { return t0 }
	ctl := &fakeControl{}
	n := &recordingNotifier{}

	svc := tasks.NewService(store, q, ctl, n, nil)
	svc.Now = func() time.Time { return t0 }

	urls := telephony.CallbackURLs{PublicBaseURL: "https://dialer.example.com"}
	return &harness{store: store, queue: q, control: ctl, notifier: n, svc: svc, h: NewHandler(svc, urls, 30, nil)}
}

// placed creates a task and runs its first attempt through the dispatch steps.
func (hs *harness) placed(t *testing.T, numbers []string, callID string) (tasks.Task, tasks.CallAttempt) {
	t.Helper()
	ctx := context.Background()
	task, err := hs.svc.CreateTask(ctx, tasks.CreateInput{
		Numbers:        numbers,
		CallbackTarget: "+15559999",
		RuleSetID:      "rs1",
	})
	require.NoError(t, err)

	detail, err := hs.svc.GetTaskWithAttempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, detail.Attempts, 1)

	a, ok, err := hs.svc.ClaimForDialing(ctx, detail.Attempts[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = hs.svc.RecordPlacedCall(ctx, a.ID, callID)
	require.NoError(t, err)
	require.True(t, ok)
	return task, a
}

func (hs *harness) event(t *testing.T, ev telephony.StatusEvent) {
	t.Helper()
	require.NoError(t, hs.h.HandleStatus(context.Background(), ev))
}

func (hs *harness) attempts(t *testing.T, taskID string) []tasks.CallAttempt {
	t.Helper()
	d, err := hs.svc.GetTaskWithAttempts(context.Background(), taskID)
	require.NoError(t, err)
	return d.Attempts
}

func TestHandleStatus_ProgressEvents(t *testing.T) {
	hs := newHarness(t)
	task, a := hs.placed(t, []string{"+15551111"}, "CA1")

	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "ringing"})
	got, err := hs.svc.Attempt(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.AttemptRinging, got.Status)

	// A late "initiated" never moves status backwards.
	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "initiated"})
	got, _ = hs.svc.Attempt(context.Background(), a.ID)
	assert.Equal(t, tasks.AttemptRinging, got.Status)

	tk, err := hs.svc.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskRunning, tk.Status)
}

func TestHandleStatus_AnsweredByHumanMatchesOnce(t *testing.T) {
	hs := newHarness(t)
	task, a := hs.placed(t, []string{"+15551111", "+15552222"}, "CA1")

	ev := telephony.StatusEvent{CallID: "CA1", Status: "in-progress", Classification: "human"}
	hs.event(t, ev)
	hs.event(t, ev)

	got, _ := hs.svc.Attempt(context.Background(), a.ID)
	assert.Equal(t, tasks.AttemptMatched, got.Status)
	assert.True(t, got.Matched)
	assert.Equal(t, tasks.ReasonRuleMatch, got.Reason)
	assert.Equal(t, "human", got.MatchMetadata)

	tk, _ := hs.svc.Task(context.Background(), task.ID)
	assert.Equal(t, tasks.TaskMatched, tk.Status)

	require.Len(t, hs.control.bridges, 1)
	assert.Equal(t, telephony.BridgeRequest{CallID: "CA1", ConferenceName: "task-" + task.ID, CallbackTarget: "+15559999"}, hs.control.bridges[0])
	require.Len(t, hs.notifier.got, 1)
	assert.Equal(t, notify.Outcome{TaskID: task.ID, Number: "+15551111", Matched: true}, hs.notifier.got[0])

	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "completed"})
	got, _ = hs.svc.Attempt(context.Background(), a.ID)
	assert.Equal(t, tasks.AttemptCompleted, got.Status)
	tk, _ = hs.svc.Task(context.Background(), task.ID)
	assert.Equal(t, tasks.TaskCompleted, tk.Status)
	assert.Len(t, hs.attempts(t, task.ID), 1)
}

func TestHandleStatus_MachineAnswerFallsBackOnCompletion(t *testing.T) {
	hs := newHarness(t)
	task, a := hs.placed(t, []string{"+15551111", "+15552222"}, "CA1")

	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "answered", Classification: "machine_start"})
	got, _ := hs.svc.Attempt(context.Background(), a.ID)
	assert.Equal(t, tasks.AttemptAnswered, got.Status)
	assert.False(t, got.Matched)

	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "completed"})
	all := hs.attempts(t, task.ID)
	require.Len(t, all, 2)
	assert.Equal(t, tasks.AttemptCompleted, all[0].Status)
	assert.Equal(t, tasks.ReasonCompletedNoMatch, all[0].Reason)
	assert.Equal(t, "+15552222", all[1].Number)
	assert.Equal(t, 1, all[1].AttemptNumber)
	assert.True(t, hs.queue.Has(all[1].ID))
	assert.Empty(t, hs.notifier.got)
}

func TestHandleStatus_BusyRetriesSameNumber(t *testing.T) {
	hs := newHarness(t)
	task, _ := hs.placed(t, []string{"+15551111"}, "CA1")

	code := 486
	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "busy", ProviderResponseCode: &code})

	all := hs.attempts(t, task.ID)
	require.Len(t, all, 2)
	assert.Equal(t, tasks.AttemptBusy, all[0].Status)
	assert.Equal(t, tasks.ReasonBusy, all[0].Reason)
	require.NotNil(t, all[0].ProviderResponseCode)
	assert.Equal(t, 486, *all[0].ProviderResponseCode)

	assert.Equal(t, "+15551111", all[1].Number)
	assert.Equal(t, 2, all[1].AttemptNumber)
	due, ok := hs.queue.DueAt(all[1].ID)
	require.True(t, ok)
	assert.True(t, due.After(t0))

	// Redelivery of the same terminal event changes nothing.
	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "busy"})
	assert.Len(t, hs.attempts(t, task.ID), 2)
}

func TestHandleStatus_CanceledIsNotRetried(t *testing.T) {
	hs := newHarness(t)
	task, _ := hs.placed(t, []string{"+15551111"}, "CA1")

	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "canceled"})

	all := hs.attempts(t, task.ID)
	require.Len(t, all, 1)
	assert.Equal(t, tasks.AttemptCanceled, all[0].Status)
	tk, _ := hs.svc.Task(context.Background(), task.ID)
	assert.Equal(t, tasks.TaskFailed, tk.Status)
	require.Len(t, hs.notifier.got, 1)
	assert.False(t, hs.notifier.got[0].Matched)
}

func TestHandleStatus_ResolvesByAttemptIDBeforeCallIDIsStored(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	task, err := hs.svc.CreateTask(ctx, tasks.CreateInput{Numbers: []string{"+15551111"}, CallbackTarget: "+15559999", RuleSetID: "rs1"})
	require.NoError(t, err)
	a := hs.attempts(t, task.ID)[0]
	_, ok, err := hs.svc.ClaimForDialing(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	hs.event(t, telephony.StatusEvent{CallID: "CA-early", AttemptID: a.ID, Status: "ringing"})
	got, _ := hs.svc.Attempt(ctx, a.ID)
	assert.Equal(t, tasks.AttemptRinging, got.Status)
}

func TestHandleStatus_UnknownCall(t *testing.T) {
	hs := newHarness(t)
	err := hs.h.HandleStatus(context.Background(), telephony.StatusEvent{CallID: "CA404", AttemptID: "nope", Status: "ringing"})
	assert.ErrorIs(t, err, telephony.ErrUnknownCall)
}

func TestHandleStatus_StoppedTaskIgnoresEverything(t *testing.T) {
	for _, status := range []string{"queued", "initiated", "ringing", "in-progress", "answered", "busy", "no-answer", "failed", "canceled", "completed"} {
		t.Run(status, func(t *testing.T) {
			hs := newHarness(t)
			task, a := hs.placed(t, []string{"+15551111", "+15552222"}, "CA1")
			_, err := hs.svc.StopTask(context.Background(), task.ID)
			require.NoError(t, err)

			before := hs.attempts(t, task.ID)
			hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: status, Classification: "human"})

			assert.Equal(t, before, hs.attempts(t, task.ID))
			got, _ := hs.svc.Attempt(context.Background(), a.ID)
			assert.Equal(t, tasks.AttemptCanceled, got.Status)
			assert.Empty(t, hs.notifier.got)
			assert.Empty(t, hs.control.bridges)
		})
	}
}

func TestHandleStatus_UnhandledStatusIsIgnored(t *testing.T) {
	hs := newHarness(t)
	_, a := hs.placed(t, []string{"+15551111"}, "CA1")

	hs.event(t, telephony.StatusEvent{CallID: "CA1", Status: "machine-end-beep"})
	got, _ := hs.svc.Attempt(context.Background(), a.ID)
	assert.Equal(t, tasks.AttemptDialing, got.Status)
}

func TestAnswer(t *testing.T) {
	hs := newHarness(t)
	_, a := hs.placed(t, []string{"+15551111"}, "CA1")

	xml, err := hs.h.Answer(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Contains(t, xml, `<Stream url="wss://dialer.example.com/media/`+a.ID+`">`)
	assert.Contains(t, xml, `<Pause length="30">`)

	_, err = hs.h.Answer(context.Background(), "missing")
	assert.ErrorIs(t, err, telephony.ErrUnknownCall)
}
