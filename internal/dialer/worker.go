package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"task-dialer/internal/metrics"
	"task-dialer/internal/queue"
	"task-dialer/internal/tasks"
	"task-dialer/internal/telephony"
)

// ErrDispatch marks a failure to place a call, as opposed to a call outcome.
var ErrDispatch = errors.New("dialer: dispatch failed")

// DispatchError wraps the provider failure for one attempt.
type DispatchError struct {
	AttemptID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dialer: dispatch attempt %s: %v", e.AttemptID, e.Err)
}

func (e *DispatchError) Unwrap() error        { return e.Err }
func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// Result is what HandleJob did with a job.
type Result string

const (
	ResultPlaced   Result = metrics.DispatchPlaced
	ResultDropped  Result = metrics.DispatchDropped
	ResultDeferred Result = metrics.DispatchDeferred
	ResultExpired  Result = metrics.DispatchExpired
	ResultFailed   Result = metrics.DispatchFailed
	ResultResumed  Result = metrics.DispatchResumed
)

// errCallNotConfirmed marks an attempt claimed by an earlier delivery that
// never recorded a provider call.
var errCallNotConfirmed = errors.New("call placement not confirmed")

// AttemptService is the slice of the task service the worker drives.
type AttemptService interface {
	Attempt(ctx context.Context, id string) (tasks.CallAttempt, error)
	Task(ctx context.Context, id string) (tasks.Task, error)
	ClaimForDialing(ctx context.Context, attemptID string) (tasks.CallAttempt, bool, error)
	RecordPlacedCall(ctx context.Context, attemptID, callID string) (bool, error)
	OnOutcome(ctx context.Context, attemptID string, o tasks.Outcome) (tasks.Decision, error)
	ResumeOutcome(ctx context.Context, attemptID string) (tasks.Decision, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	return c
}

// Worker consumes due dispatch jobs and places calls.
type Worker struct {
	svc      AttemptService
	provider telephony.Provider
	queue    queue.Queue
	urls     telephony.CallbackURLs
	cfg      Config
	log      *slog.Logger

	Now func() time.Time
}

func NewWorker(svc AttemptService, provider telephony.Provider, q queue.Queue, urls telephony.CallbackURLs, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		svc:      svc,
		provider: provider,
		queue:    q,
		urls:     urls,
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "dialer"),
		Now:      time.Now,
	}
}

func (w *Worker) now() time.Time { return w.Now().UTC() }

// HandleJob dispatches one job. Every state check is re-read from the store,
// so a redelivered job for an attempt that has moved on is dropped.
// A returned error wrapping ErrDispatch means the call could not be placed
// and OnJobFailed should run.
func (w *Worker) HandleJob(ctx context.Context, job queue.Job) (Result, error) {
	log := w.log.With("attempt_id", job.AttemptID)

	a, err := w.svc.Attempt(ctx, job.AttemptID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			log.Info("job for unknown attempt dropped")
			return ResultDropped, nil
		}
		return "", err
	}
	t, err := w.svc.Task(ctx, a.TaskID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			log.Info("job for unknown task dropped", "task_id", a.TaskID)
			return ResultDropped, nil
		}
		return "", err
	}
	log = log.With("task_id", t.ID)

	if t.Status.IsTerminal() {
		log.Debug("stale job dropped", "task_status", t.Status)
		return ResultDropped, nil
	}
	switch {
	case a.Status == tasks.AttemptPending:
	case a.Status == tasks.AttemptDialing && a.ProviderCallID == "":
		// The lease expired before the previous delivery placed or recorded
		// the call; treat it as a failed placement.
		log.Warn("claimed attempt has no call; routing as dispatch failure")
		return ResultFailed, &DispatchError{AttemptID: a.ID, Err: errCallNotConfirmed}
	case a.Status.IsTerminal() && !a.Matched:
		d, err := w.svc.ResumeOutcome(ctx, a.ID)
		if err != nil {
			return "", err
		}
		if d == tasks.DecisionIgnored {
			return ResultDropped, nil
		}
		log.Info("attempt outcome resumed", "decision", string(d))
		return ResultResumed, nil
	default:
		log.Debug("attempt already dispatched", "status", a.Status)
		return ResultDropped, nil
	}

	now := w.now()
	if t.TimeWindow.NotYetOpen(now) {
		start := *t.TimeWindow.Start
		if err := w.queue.Reschedule(ctx, job.ID, start); err != nil {
			return "", fmt.Errorf("defer to window start: %w", err)
		}
		log.Info("attempt deferred to window start", "start", start)
		return ResultDeferred, nil
	}
	if t.TimeWindow.Closed(now) {
		d, err := w.svc.OnOutcome(ctx, a.ID, tasks.Outcome{
			Reason:         tasks.ReasonTimeWindowExpired,
			Retriable:      false,
			TerminalStatus: tasks.AttemptCanceled,
		})
		if err != nil {
			return "", err
		}
		log.Info("time window expired", "decision", string(d))
		return ResultExpired, nil
	}

	a, ok, err := w.svc.ClaimForDialing(ctx, a.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		log.Debug("attempt claimed elsewhere or task stopped")
		return ResultDropped, nil
	}

	res, err := w.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:                a.Number,
		StatusCallbackURL: w.urls.StatusURL(a.ID),
		AnswerURL:         w.urls.AnswerURL(a.ID),
	})
	if err != nil {
		return ResultFailed, &DispatchError{AttemptID: a.ID, Err: err}
	}
	log = log.With("call_sid", res.CallID)

	stored, err := w.svc.RecordPlacedCall(ctx, a.ID, res.CallID)
	if err != nil {
		// Status callbacks still resolve the attempt through the callback URL.
		log.Error("store provider call id failed", "err", err)
		return ResultPlaced, nil
	}
	if !stored {
		log.Info("attempt canceled while placing call; hanging up")
		if err := w.provider.Hangup(ctx, res.CallID); err != nil {
			log.Warn("hangup failed", "err", err)
		}
		return ResultDropped, nil
	}

	log.Info("call placed", "number", a.Number, "attempt_number", a.AttemptNumber)
	return ResultPlaced, nil
}

// OnJobFailed routes a dispatch failure into the retry decision instead of
// relying on queue redelivery.
func (w *Worker) OnJobFailed(ctx context.Context, job queue.Job, cause error) error {
	detail := cause.Error()
	var de *DispatchError
	if errors.As(cause, &de) {
		detail = de.Err.Error()
	}
	d, err := w.svc.OnOutcome(ctx, job.AttemptID, tasks.Outcome{
		Reason:         tasks.ReasonDispatchError + ":" + detail,
		Retriable:      true,
		TerminalStatus: tasks.AttemptFailed,
	})
	if err != nil {
		return fmt.Errorf("route dispatch failure for attempt %s: %w", job.AttemptID, err)
	}
	w.log.Warn("dispatch failed", "attempt_id", job.AttemptID, "err", detail, "decision", string(d))
	return nil
}

// Poll claims and processes one batch of due jobs. It returns how many jobs
// were claimed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	jobs, err := w.queue.ClaimDue(ctx, w.now(), w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

// process never acks a job whose handling failed part way; the lease
// expires and the job is delivered again.
func (w *Worker) process(ctx context.Context, job queue.Job) {
	log := w.log.With("attempt_id", job.AttemptID)

	res, err := w.HandleJob(ctx, job)
	if err != nil {
		if !errors.Is(err, ErrDispatch) {
			log.Error("handle job failed", "err", err)
			return
		}
		if ferr := w.OnJobFailed(ctx, job, err); ferr != nil {
			log.Error("dispatch failure hook failed", "err", ferr)
			return
		}
		res = ResultFailed
	}
	metrics.AttemptDispatched(string(res))

	if res == ResultDeferred {
		return
	}
	if err := w.queue.Ack(ctx, job.ID); err != nil {
		log.Warn("ack failed", "err", err)
	}
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("dispatch worker started",
		"poll_interval", w.cfg.PollInterval.String(),
		"batch_size", w.cfg.BatchSize,
		"lease", w.cfg.Lease.String(),
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			n, err := w.Poll(ctx)
			if err != nil {
				w.log.Error("poll failed", "err", err)
				break
			}
			if n < w.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.log.Info("dispatch worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
