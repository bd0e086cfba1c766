package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"task-dialer/internal/metrics"
	"task-dialer/internal/rules"
	"task-dialer/internal/tasks"
	"task-dialer/internal/telephony"
	"task-dialer/pkg/logger"
)

// AttemptService is the slice of the task service the event handler drives.
type AttemptService interface {
	Attempt(ctx context.Context, id string) (tasks.CallAttempt, error)
	AttemptByProviderCallID(ctx context.Context, callID string) (tasks.CallAttempt, error)
	Task(ctx context.Context, id string) (tasks.Task, error)
	RuleSet(ctx context.Context, id string) (rules.RuleSet, error)
	AdvanceAttempt(ctx context.Context, attemptID string, to tasks.AttemptStatus) (tasks.CallAttempt, error)
	MarkMatched(ctx context.Context, attemptID, callID, classification string) (bool, error)
	CompleteMatched(ctx context.Context, attemptID string) error
	OnOutcome(ctx context.Context, attemptID string, o tasks.Outcome) (tasks.Decision, error)
}

// Handler reconciles provider call events with attempt state. It holds no
// state of its own; every invocation runs to completion against the store.
type Handler struct {
	svc                AttemptService
	urls               telephony.CallbackURLs
	answerPauseSeconds int
	log                *slog.Logger
}

func NewHandler(svc AttemptService, urls telephony.CallbackURLs, answerPauseSeconds int, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, urls: urls, answerPauseSeconds: answerPauseSeconds, log: log}
}

// HandleStatus applies one status event. Events for stopped tasks and
// unknown statuses are acknowledged without any state change.
func (h *Handler) HandleStatus(ctx context.Context, ev telephony.StatusEvent) error {
	a, err := h.resolve(ctx, ev)
	if err != nil {
		return err
	}
	t, err := h.svc.Task(ctx, a.TaskID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return fmt.Errorf("task %s: %w", a.TaskID, telephony.ErrUnknownCall)
		}
		return err
	}

	log := logger.FromOr(ctx, h.log).With("task_id", t.ID, "attempt_id", a.ID, "call_sid", ev.CallID, "status", ev.Status)
	if t.Status == tasks.TaskStopped {
		log.Debug("event for stopped task ignored")
		return nil
	}

	status, ok := ParseStatus(ev.Status)
	if !ok {
		log.Info("unhandled call status ignored")
		return nil
	}
	metrics.ProviderEvent(string(status))

	switch status {
	case CallStatusQueued, CallStatusInitiated:
		return h.advance(ctx, a.ID, tasks.AttemptDialing)

	case CallStatusRinging:
		return h.advance(ctx, a.ID, tasks.AttemptRinging)

	case CallStatusInProgress, CallStatusAnswered:
		if err := h.advance(ctx, a.ID, tasks.AttemptAnswered); err != nil {
			return err
		}
		if a.Matched {
			return nil
		}
		rs, err := h.svc.RuleSet(ctx, t.RuleSetID)
		if err != nil {
			return fmt.Errorf("resolve rule set %s: %w", t.RuleSetID, err)
		}
		if !rules.Matches(rs, ev.Classification) {
			log.Info("answered without match", "classification", ev.Classification)
			return nil
		}
		_, err = h.svc.MarkMatched(ctx, a.ID, ev.CallID, ev.Classification)
		return err

	case CallStatusBusy, CallStatusNoAnswer, CallStatusFailed:
		if a.Matched {
			return nil
		}
		terminal, reason := outcomeFor(status)
		return h.outcome(ctx, a.ID, tasks.Outcome{
			Reason:               reason,
			Retriable:            true,
			ProviderResponseCode: ev.ProviderResponseCode,
			TerminalStatus:       terminal,
		})

	case CallStatusCanceled:
		if a.Matched {
			return nil
		}
		return h.outcome(ctx, a.ID, tasks.Outcome{
			Reason:               tasks.ReasonCanceled,
			Retriable:            false,
			ProviderResponseCode: ev.ProviderResponseCode,
			TerminalStatus:       tasks.AttemptCanceled,
		})

	case CallStatusCompleted:
		if a.Matched {
			return h.svc.CompleteMatched(ctx, a.ID)
		}
		return h.outcome(ctx, a.ID, tasks.Outcome{
			Reason:               tasks.ReasonCompletedNoMatch,
			Retriable:            false,
			ProviderResponseCode: ev.ProviderResponseCode,
			TerminalStatus:       tasks.AttemptCompleted,
		})
	}
	return nil
}

// resolve finds the attempt by provider call id, falling back to the
// attempt id carried on the callback URL for events that race the worker
// storing the call id.
func (h *Handler) resolve(ctx context.Context, ev telephony.StatusEvent) (tasks.CallAttempt, error) {
	a, err := h.svc.AttemptByProviderCallID(ctx, ev.CallID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, tasks.ErrNotFound) {
		return tasks.CallAttempt{}, err
	}
	if ev.AttemptID != "" {
		a, err = h.svc.Attempt(ctx, ev.AttemptID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, tasks.ErrNotFound) {
			return tasks.CallAttempt{}, err
		}
	}
	return tasks.CallAttempt{}, fmt.Errorf("call %s: %w", ev.CallID, telephony.ErrUnknownCall)
}

func (h *Handler) advance(ctx context.Context, attemptID string, to tasks.AttemptStatus) error {
	_, err := h.svc.AdvanceAttempt(ctx, attemptID, to)
	if errors.Is(err, tasks.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (h *Handler) outcome(ctx context.Context, attemptID string, o tasks.Outcome) error {
	d, err := h.svc.OnOutcome(ctx, attemptID, o)
	if err != nil {
		return err
	}
	h.log.Info("attempt outcome", "attempt_id", attemptID, "reason", o.Reason, "decision", string(d))
	return nil
}

func outcomeFor(s CallStatus) (tasks.AttemptStatus, string) {
	switch s {
	case CallStatusBusy:
		return tasks.AttemptBusy, tasks.ReasonBusy
	case CallStatusNoAnswer:
		return tasks.AttemptNoAnswer, tasks.ReasonNoAnswer
	default:
		return tasks.AttemptFailed, tasks.ReasonFailed
	}
}

// Answer returns the TwiML for an answered call: open a media stream scoped
// to the attempt, hold, then hang up.
func (h *Handler) Answer(ctx context.Context, attemptID string) (string, error) {
	if _, err := h.svc.Attempt(ctx, attemptID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return "", fmt.Errorf("attempt %s: %w", attemptID, telephony.ErrUnknownCall)
		}
		return "", err
	}
	return telephony.RenderAnswerTwiML(h.urls.StreamURL(attemptID), h.answerPauseSeconds)
}
