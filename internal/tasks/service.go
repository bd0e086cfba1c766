package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"task-dialer/internal/backoff"
	"task-dialer/internal/metrics"
	"task-dialer/internal/notify"
	"task-dialer/internal/queue"
	"task-dialer/internal/rules"
	"task-dialer/internal/telephony"
	"task-dialer/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// JobQueue is the part of the queue the scheduler needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error
	Cancel(ctx context.Context, id string) error
}

// CallControl is the provider control plane used after a call is placed.
type CallControl interface {
	Bridge(ctx context.Context, req telephony.BridgeRequest) error
	Hangup(ctx context.Context, callID string) error
}

// Service owns task creation, attempt scheduling, the retry/fallback
// decision and cooperative stop.
//
// All coordination goes through Store's guarded single-row updates; the
// service keeps no per-task state in memory.
type Service struct {
	store    Store
	jobs     JobQueue
	calls    CallControl
	notifier notify.Notifier
	log      *slog.Logger
	validate *validator.Validate

	// Now is injectable for deterministic tests.
	Now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewService(store Store, jobs JobQueue, calls CallControl, notifier notify.Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Log: log}
	}
	return &Service{
		store:    store,
		jobs:     jobs,
		calls:    calls,
		notifier: notifier,
		log:      log,
		validate: newValidator(),
		Now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the jitter source. Tests use a seeded source.
func (s *Service) SetRand(r *rand.Rand) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng = r
}

func (s *Service) now() time.Time { return s.Now().UTC() }

func (s *Service) retryDelay(attemptNumber int, p backoff.Policy) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return backoff.ComputeDelay(attemptNumber, p, s.rng)
}

// Outcome describes how an attempt ended without a match.
type Outcome struct {
	Reason               string
	Retriable            bool
	ProviderResponseCode *int
	// TerminalStatus defaults to FAILED when retriable, COMPLETED otherwise.
	TerminalStatus AttemptStatus
}

// Decision is what OnOutcome did.
type Decision string

const (
	DecisionIgnored   Decision = "ignored"   // attempt already finalized
	DecisionHalted    Decision = "halted"    // task no longer live
	DecisionRetry     Decision = "retry"     // same number, next attempt
	DecisionFallback  Decision = "fallback"  // next number, attempt #1
	DecisionExhausted Decision = "exhausted" // task FAILED
)

func (s *Service) CreateTask(ctx context.Context, in CreateInput) (Task, error) {
	in.Numbers = normalizeNumbers(in.Numbers)
	in.CallbackTarget = strings.TrimSpace(in.CallbackTarget)
	if err := in.Validate(s.validate); err != nil {
		return Task{}, err
	}
	policy := backoff.Merge(in.Backoff)
	if err := policy.Validate(); err != nil {
		return Task{}, &ValidationError{Fields: map[string]string{"backoffPolicy": err.Error()}}
	}

	if _, err := s.store.GetRuleSet(ctx, in.RuleSetID); err != nil {
		return Task{}, err
	}

	perNumber, global := in.effectiveLimits()
	now := s.now()
	t := Task{
		ID:                   uuid.NewString(),
		Numbers:              in.Numbers,
		CallbackTarget:       in.CallbackTarget,
		RuleSetID:            in.RuleSetID,
		Status:               TaskPending,
		PerNumberMaxAttempts: perNumber,
		GlobalMaxAttempts:    global,
		TimeWindow:           in.window(),
		Backoff:              policy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	first := newAttempt(t.ID, t.Numbers[0], 1, now)

	if err := s.store.CreateTask(ctx, t, first); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	if err := s.ScheduleNext(ctx, first, t.TimeWindow.StartDelay(now)); err != nil {
		return t, fmt.Errorf("schedule first attempt: %w", err)
	}

	logger.FromOr(ctx, s.log).Info("task created", "task_id", t.ID, "numbers", len(t.Numbers), "rule_set_id", t.RuleSetID)
	return t, nil
}

func newAttempt(taskID, number string, attemptNumber int, now time.Time) CallAttempt {
	id := uuid.NewString()
	return CallAttempt{
		ID:            id,
		TaskID:        taskID,
		Number:        number,
		AttemptNumber: attemptNumber,
		Status:        AttemptPending,
		JobID:         id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ScheduleNext enqueues the attempt (keyed by its id) and records when it
// is due. It is the only path by which an attempt becomes dialable.
func (s *Service) ScheduleNext(ctx context.Context, a CallAttempt, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	if err := s.jobs.Enqueue(ctx, queue.Job{ID: a.ID, AttemptID: a.ID, EnqueuedAt: now}, delay); err != nil {
		return fmt.Errorf("enqueue attempt %s: %w", a.ID, err)
	}
	metrics.ScheduleDelay(delay.Seconds())

	due := now.Add(delay)
	u := AttemptUpdate{
		Status:       AttemptPending,
		JobID:        ptr(a.ID),
		ScheduledFor: &due,
		UpdatedAt:    now,
		FromStatuses: []AttemptStatus{AttemptPending},
	}
	if delay > 0 {
		u.NextRetryAt = &due
	}
	if _, err := s.store.UpdateAttempt(ctx, a.ID, u); err != nil {
		// The worker may already have claimed it, or a stop canceled it.
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	return nil
}

// OnOutcome finalizes an attempt that ended without a match and decides the
// next step. The decision tree is evaluated in a fixed order so exactly one
// branch fires per outcome.
//
// When the attempt was already finalized the decision is re-run from the
// persisted state instead. Follow-up attempts are keyed by (number, attempt
// number), so a decision that already completed resolves to DecisionIgnored
// and one that failed part way is finished.
func (s *Service) OnOutcome(ctx context.Context, attemptID string, o Outcome) (Decision, error) {
	status := o.TerminalStatus
	if status == "" {
		if o.Retriable {
			status = AttemptFailed
		} else {
			status = AttemptCompleted
		}
	}
	now := s.now()

	a, err := s.store.UpdateAttempt(ctx, attemptID, AttemptUpdate{
		Status:               status,
		Reason:               ptr(o.Reason),
		ProviderResponseCode: o.ProviderResponseCode,
		CompletedAt:          &now,
		ClearNextRetryAt:     true,
		UpdatedAt:            now,
		FromStatuses:         inFlightAttemptStatuses,
		RequireUnmatched:     true,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return s.ResumeOutcome(ctx, attemptID)
		}
		return "", fmt.Errorf("finalize attempt %s: %w", attemptID, err)
	}
	metrics.AttemptOutcome(string(status), o.Reason)
	return s.decideOrRequeue(ctx, a, o.Retriable, false)
}

// ResumeOutcome re-runs the decision for an attempt that is already
// finalized. Attempts that are still in flight or matched are left alone.
func (s *Service) ResumeOutcome(ctx context.Context, attemptID string) (Decision, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if a.Matched || !a.Status.IsTerminal() {
		return DecisionIgnored, nil
	}
	return s.decideOrRequeue(ctx, a, retriableStatus(a.Status), true)
}

// retriableStatus mirrors how outcomes are recorded: only busy, no-answer and
// failed calls may be retried on the same number.
func retriableStatus(st AttemptStatus) bool {
	switch st {
	case AttemptBusy, AttemptNoAnswer, AttemptFailed:
		return true
	default:
		return false
	}
}

// decideOrRequeue runs the decision. If it fails after the attempt was
// finalized, a job for the attempt is queued so the worker resumes it.
func (s *Service) decideOrRequeue(ctx context.Context, a CallAttempt, retriable, resumed bool) (Decision, error) {
	d, err := s.decide(ctx, a, retriable, resumed)
	if err == nil {
		return d, nil
	}
	job := queue.Job{ID: a.ID, AttemptID: a.ID, EnqueuedAt: s.now()}
	if qerr := s.jobs.Enqueue(ctx, job, decisionResumeDelay); qerr != nil {
		s.log.Error("queue decision resume failed", "task_id", a.TaskID, "attempt_id", a.ID, "err", qerr)
	}
	return "", err
}

const decisionResumeDelay = 15 * time.Second

func (s *Service) decide(ctx context.Context, a CallAttempt, retriable, resumed bool) (Decision, error) {
	log := s.log.With("task_id", a.TaskID, "attempt_id", a.ID, "reason", a.Reason)
	now := s.now()

	t, err := s.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return "", err
	}
	if !slices.Contains(liveTaskStatuses, t.Status) {
		if resumed {
			return DecisionIgnored, nil
		}
		log.Info("task no longer live; not scheduling", "status", t.Status)
		return DecisionHalted, nil
	}

	// Attempt numbers run 1..n per number, so this attempt's number is the
	// per-number count including itself.
	if retriable && a.AttemptNumber < t.PerNumberMaxAttempts {
		n := a.AttemptNumber + 1
		return s.followUp(ctx, newAttempt(t.ID, a.Number, n, now), s.retryDelay(n, t.Backoff), DecisionRetry, resumed)
	}

	total, err := s.attemptsThrough(ctx, t, a)
	if err != nil {
		return "", err
	}
	if total >= t.GlobalMaxAttempts {
		log.Info("global attempt budget exhausted", "total", total)
		return DecisionExhausted, s.failTask(ctx, t, a.Number)
	}

	nextNumber, ok := t.NextNumber(a.Number)
	if !ok {
		log.Info("no fallback number left")
		return DecisionExhausted, s.failTask(ctx, t, a.Number)
	}
	return s.followUp(ctx, newAttempt(t.ID, nextNumber, 1, now), t.TimeWindow.StartDelay(now), DecisionFallback, resumed)
}

// attemptsThrough counts the task's attempts up to and including a. Numbers
// are dialed in order, so that is every attempt on earlier numbers plus a's
// own attempt number.
func (s *Service) attemptsThrough(ctx context.Context, t Task, a CallAttempt) (int, error) {
	total := a.AttemptNumber
	for _, n := range t.Numbers {
		if n == a.Number {
			break
		}
		c, err := s.store.CountAttempts(ctx, t.ID, n)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// followUp creates and schedules the next attempt. A follow-up that already
// exists but was never scheduled is scheduled now.
func (s *Service) followUp(ctx context.Context, a CallAttempt, delay time.Duration, d Decision, resumed bool) (Decision, error) {
	err := s.store.CreateAttempt(ctx, a)
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return "", fmt.Errorf("create attempt: %w", err)
		}
		// Task left PENDING/RUNNING concurrently, or this follow-up already exists.
		existing, found, ferr := s.findAttempt(ctx, a.TaskID, a.Number, a.AttemptNumber)
		if ferr != nil {
			return "", ferr
		}
		if !found || existing.Status != AttemptPending || existing.ScheduledFor != nil {
			if resumed {
				return DecisionIgnored, nil
			}
			return DecisionHalted, nil
		}
		a = existing
	}
	if err := s.ScheduleNext(ctx, a, delay); err != nil {
		return "", err
	}
	s.log.Info("attempt scheduled",
		"task_id", a.TaskID,
		"attempt_id", a.ID,
		"number", a.Number,
		"attempt_number", a.AttemptNumber,
		"delay_ms", delay.Milliseconds(),
		"decision", string(d),
		"resumed", resumed,
	)
	return d, nil
}

func (s *Service) findAttempt(ctx context.Context, taskID, number string, attemptNumber int) (CallAttempt, bool, error) {
	all, err := s.store.ListAttempts(ctx, taskID)
	if err != nil {
		return CallAttempt{}, false, err
	}
	for _, a := range all {
		if a.Number == number && a.AttemptNumber == attemptNumber {
			return a, true, nil
		}
	}
	return CallAttempt{}, false, nil
}

func (s *Service) failTask(ctx context.Context, t Task, number string) error {
	now := s.now()
	_, err := s.store.UpdateTask(ctx, t.ID, TaskUpdate{
		Status:       TaskFailed,
		CompletedAt:  &now,
		UpdatedAt:    now,
		FromStatuses: liveTaskStatuses,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	metrics.TaskFinished(string(TaskFailed))
	s.notify(ctx, notify.Outcome{TaskID: t.ID, Number: number, Matched: false})
	return nil
}

func (s *Service) notify(ctx context.Context, o notify.Outcome) {
	if err := s.notifier.Notify(ctx, o); err != nil {
		s.log.Warn("notify failed", "task_id", o.TaskID, "matched", o.Matched, "err", err)
	}
}

// StopTask flips the task to STOPPED, then cancels every attempt that is
// still queued, dialing or matched-but-not-bridged. Each cleanup step is
// best-effort; calling it again has no further side effects.
func (s *Service) StopTask(ctx context.Context, taskID string) (Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Status == TaskCompleted || t.Status == TaskFailed {
		return t, nil
	}

	log := logger.FromOr(ctx, s.log).With("task_id", taskID)
	now := s.now()

	if t.Status != TaskStopped {
		updated, err := s.store.UpdateTask(ctx, taskID, TaskUpdate{
			Status:       TaskStopped,
			CompletedAt:  &now,
			UpdatedAt:    now,
			FromStatuses: []TaskStatus{TaskPending, TaskRunning, TaskMatched},
		})
		switch {
		case err == nil:
			t = updated
			metrics.TaskFinished(string(TaskStopped))
			log.Info("task stopped")
		case errors.Is(err, ErrInvalidTransition):
			if t, err = s.store.GetTask(ctx, taskID); err != nil {
				return Task{}, err
			}
			if t.Status != TaskStopped {
				return t, nil
			}
		default:
			return Task{}, err
		}
	}

	attempts, err := s.store.ListAttempts(ctx, taskID)
	if err != nil {
		return t, err
	}
	for _, a := range attempts {
		if !slices.Contains(stoppableAttemptStatuses, a.Status) {
			continue
		}
		s.cancelAttempt(ctx, a, now)
	}
	return t, nil
}

func (s *Service) cancelAttempt(ctx context.Context, a CallAttempt, now time.Time) {
	log := s.log.With("task_id", a.TaskID, "attempt_id", a.ID)

	jobID := a.JobID
	if jobID == "" {
		jobID = a.ID
	}
	if err := s.jobs.Cancel(ctx, jobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		log.Warn("cancel job failed", "err", err)
	}
	if a.ProviderCallID != "" && s.calls != nil {
		if err := s.calls.Hangup(ctx, a.ProviderCallID); err != nil {
			log.Warn("hangup failed", "call_sid", a.ProviderCallID, "err", err)
		}
	}
	_, err := s.store.UpdateAttempt(ctx, a.ID, AttemptUpdate{
		Status:           AttemptCanceled,
		Reason:           ptr(ReasonTaskStopped),
		CompletedAt:      &now,
		ClearNextRetryAt: true,
		UpdatedAt:        now,
		FromStatuses:     stoppableAttemptStatuses,
	})
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		log.Error("cancel attempt failed", "err", err)
	}
}

// AdvanceAttempt records call progress. Status never moves backwards.
func (s *Service) AdvanceAttempt(ctx context.Context, attemptID string, to AttemptStatus) (CallAttempt, error) {
	var from []AttemptStatus
	switch to {
	case AttemptDialing:
		from = []AttemptStatus{AttemptPending, AttemptDialing}
	case AttemptRinging:
		from = []AttemptStatus{AttemptPending, AttemptDialing, AttemptRinging}
	case AttemptAnswered:
		from = inFlightAttemptStatuses
	default:
		return CallAttempt{}, fmt.Errorf("advance to %s: %w", to, ErrInvalidTransition)
	}
	return s.store.UpdateAttempt(ctx, attemptID, AttemptUpdate{
		Status:       to,
		UpdatedAt:    s.now(),
		FromStatuses: from,
	})
}

// MarkMatched records the match, bridges the call to the callback target
// and notifies. Bridge and notify failures are logged only; the match is
// never reverted once the task is MATCHED. Returns false when the attempt
// was already matched or the task is no longer live.
// callID is the provider call the event arrived on; it is used for bridging
// when the worker has not stored the call id yet.
func (s *Service) MarkMatched(ctx context.Context, attemptID, callID, classification string) (bool, error) {
	now := s.now()
	a, err := s.store.UpdateAttempt(ctx, attemptID, AttemptUpdate{
		Status:           AttemptMatched,
		Reason:           ptr(ReasonRuleMatch),
		Matched:          ptr(true),
		MatchMetadata:    ptr(classification),
		CompletedAt:      &now,
		UpdatedAt:        now,
		FromStatuses:     []AttemptStatus{AttemptDialing, AttemptRinging, AttemptAnswered},
		RequireUnmatched: true,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	log := s.log.With("task_id", a.TaskID, "attempt_id", a.ID, "call_sid", callID)

	t, err := s.store.UpdateTask(ctx, a.TaskID, TaskUpdate{
		Status:       TaskMatched,
		CompletedAt:  &now,
		UpdatedAt:    now,
		FromStatuses: liveTaskStatuses,
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return false, err
		}
		// Stopped between the attempt update and here; the stop sweep may
		// have missed this attempt, so cancel it ourselves.
		log.Info("match arrived after task left live state")
		s.cancelAttempt(ctx, a, now)
		return false, nil
	}
	metrics.TaskFinished(string(TaskMatched))
	log.Info("task matched", "classification", classification)

	if callID == "" {
		callID = a.ProviderCallID
	}
	if s.calls != nil && callID != "" {
		err := s.calls.Bridge(ctx, telephony.BridgeRequest{
			CallID:         callID,
			ConferenceName: ConferenceName(t.ID),
			CallbackTarget: t.CallbackTarget,
		})
		if err != nil {
			log.Error("bridge failed", "err", err)
		}
	}
	s.notify(ctx, notify.Outcome{TaskID: t.ID, Number: a.Number, Matched: true})
	return true, nil
}

// ConferenceName is the conference both legs of a matched call join.
func ConferenceName(taskID string) string { return "task-" + taskID }

// CompleteMatched closes out a matched call that has ended normally.
func (s *Service) CompleteMatched(ctx context.Context, attemptID string) error {
	now := s.now()
	a, err := s.store.UpdateAttempt(ctx, attemptID, AttemptUpdate{
		Status:       AttemptCompleted,
		CompletedAt:  &now,
		UpdatedAt:    now,
		FromStatuses: []AttemptStatus{AttemptMatched},
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	_, err = s.store.UpdateTask(ctx, a.TaskID, TaskUpdate{
		Status:       TaskCompleted,
		CompletedAt:  &now,
		UpdatedAt:    now,
		FromStatuses: []TaskStatus{TaskMatched},
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	metrics.TaskFinished(string(TaskCompleted))
	return nil
}

func (s *Service) GetTaskWithAttempts(ctx context.Context, taskID string) (TaskDetail, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	attempts, err := s.store.ListAttempts(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	if attempts == nil {
		attempts = []CallAttempt{}
	}
	var rs rules.RuleSet
	if rs, err = s.store.GetRuleSet(ctx, t.RuleSetID); err != nil && !errors.Is(err, ErrNotFound) {
		return TaskDetail{}, err
	}
	return TaskDetail{Task: t, RuleSet: rs, Attempts: attempts}, nil
}

// RuleSet resolves the rule set a task was created with.
func (s *Service) RuleSet(ctx context.Context, id string) (rules.RuleSet, error) {
	return s.store.GetRuleSet(ctx, id)
}

// Attempt and Task expose store reads to the worker and event handler.
func (s *Service) Attempt(ctx context.Context, id string) (CallAttempt, error) {
	return s.store.GetAttempt(ctx, id)
}

func (s *Service) AttemptByProviderCallID(ctx context.Context, callID string) (CallAttempt, error) {
	return s.store.GetAttemptByProviderCallID(ctx, callID)
}

func (s *Service) Task(ctx context.Context, id string) (Task, error) {
	return s.store.GetTask(ctx, id)
}

// ClaimForDialing moves a PENDING attempt to DIALING and the task to
// RUNNING. ok is false when the attempt was already claimed or finalized,
// which makes redelivered jobs a no-op.
func (s *Service) ClaimForDialing(ctx context.Context, attemptID string) (CallAttempt, bool, error) {
	now := s.now()
	a, err := s.store.UpdateAttempt(ctx, attemptID, AttemptUpdate{
		Status:           AttemptDialing,
		StartedAt:        &now,
		ClearNextRetryAt: true,
		UpdatedAt:        now,
		FromStatuses:     []AttemptStatus{AttemptPending},
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return CallAttempt{}, false, nil
		}
		return CallAttempt{}, false, err
	}

	_, err = s.store.UpdateTask(ctx, a.TaskID, TaskUpdate{
		Status:          TaskRunning,
		LastAttemptedAt: &now,
		UpdatedAt:       now,
		FromStatuses:    liveTaskStatuses,
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return CallAttempt{}, false, err
		}
		// Task left live state after the job was picked up.
		s.cancelAttempt(ctx, a, now)
		return CallAttempt{}, false, nil
	}
	return a, true, nil
}

// RecordPlacedCall stores the provider call id. Early status callbacks may
// already have moved the attempt on, so any placed status is accepted. ok is
// false when the attempt was canceled while the call was being placed; the
// caller should hang the call up.
func (s *Service) RecordPlacedCall(ctx context.Context, attemptID, callID string) (bool, error) {
	_, err := s.store.UpdateAttempt(ctx, attemptID, AttemptUpdate{
		ProviderCallID: ptr(callID),
		UpdatedAt:      s.now(),
		FromStatuses:   placedAttemptStatuses,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
