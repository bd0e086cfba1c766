package tasks

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"task-dialer/internal/backoff"
	"task-dialer/internal/rules"
)

// Task is one campaign to reach CallbackTarget by dialing Numbers in order.
//
// Status only moves toward a terminal value, except PENDING<->RUNNING which
// recurs as attempts are dialed and rescheduled.
type Task struct {
	ID             string     `json:"id"`
	Numbers        []string   `json:"numbers"`
	CallbackTarget string     `json:"callbackTarget"`
	RuleSetID      string     `json:"ruleSetId"`
	Status         TaskStatus `json:"status"`

	PerNumberMaxAttempts int            `json:"perNumberMaxAttempts"`
	GlobalMaxAttempts    int            `json:"globalMaxAttempts"`
	TimeWindow           TimeWindow     `json:"timeWindow"`
	Backoff              backoff.Policy `json:"backoffPolicy"`

	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastAttemptedAt *time.Time `json:"lastAttemptedAt,omitempty"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskMatched   TaskStatus = "MATCHED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskStopped   TaskStatus = "STOPPED"
	TaskFailed    TaskStatus = "FAILED"
)

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskMatched, TaskCompleted, TaskStopped, TaskFailed:
		return true
	default:
		return false
	}
}

// liveTaskStatuses may still create and dial attempts.
var liveTaskStatuses = []TaskStatus{TaskPending, TaskRunning}

// NextNumber returns the number that follows current in dial order.
func (t Task) NextNumber(current string) (string, bool) {
	i := slices.Index(t.Numbers, current)
	if i < 0 || i+1 >= len(t.Numbers) {
		return "", false
	}
	return t.Numbers[i+1], true
}

// TimeWindow bounds when dialing may happen. Either side may be open.
type TimeWindow struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// StartDelay is how long until the window opens, zero if already open or unset.
func (w TimeWindow) StartDelay(now time.Time) time.Duration {
	if w.Start == nil || !now.Before(*w.Start) {
		return 0
	}
	return w.Start.Sub(now)
}

func (w TimeWindow) NotYetOpen(now time.Time) bool {
	return w.Start != nil && now.Before(*w.Start)
}

// Closed reports whether now is at or past End; the window is [Start, End).
func (w TimeWindow) Closed(now time.Time) bool {
	return w.End != nil && !now.Before(*w.End)
}

// CallAttempt is one placed, or about to be placed, call to one number.
// AttemptNumber counts per number, starting at 1.
type CallAttempt struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"taskId"`
	Number        string        `json:"number"`
	AttemptNumber int           `json:"attemptNumber"`
	Status        AttemptStatus `json:"status"`

	ProviderCallID       string `json:"providerCallId,omitempty"`
	Reason               string `json:"reason,omitempty"`
	ProviderResponseCode *int   `json:"providerResponseCode,omitempty"`
	Matched              bool   `json:"matched"`
	MatchMetadata        string `json:"matchMetadata,omitempty"`
	JobID                string `json:"jobId,omitempty"`

	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptDialing   AttemptStatus = "DIALING"
	AttemptRinging   AttemptStatus = "RINGING"
	AttemptAnswered  AttemptStatus = "ANSWERED"
	AttemptMatched   AttemptStatus = "MATCHED"
	AttemptNoAnswer  AttemptStatus = "NO_ANSWER"
	AttemptBusy      AttemptStatus = "BUSY"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptCanceled  AttemptStatus = "CANCELED"
	AttemptCompleted AttemptStatus = "COMPLETED"
)

var (
	// inFlightAttemptStatuses can still receive an outcome.
	inFlightAttemptStatuses = []AttemptStatus{AttemptPending, AttemptDialing, AttemptRinging, AttemptAnswered}
	// stoppableAttemptStatuses are cleaned up when a task is stopped.
	stoppableAttemptStatuses = []AttemptStatus{AttemptPending, AttemptDialing, AttemptRinging, AttemptAnswered, AttemptMatched}
	// placedAttemptStatuses are every status an attempt can hold once the
	// worker has claimed it, except CANCELED.
	placedAttemptStatuses = []AttemptStatus{
		AttemptDialing, AttemptRinging, AttemptAnswered, AttemptMatched,
		AttemptNoAnswer, AttemptBusy, AttemptFailed, AttemptCompleted,
	}
)

func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptNoAnswer, AttemptBusy, AttemptFailed, AttemptCanceled, AttemptCompleted:
		return true
	default:
		return false
	}
}

// Outcome reasons recorded on attempts.
const (
	ReasonBusy              = "BUSY"
	ReasonNoAnswer          = "NO_ANSWER"
	ReasonFailed            = "FAILED"
	ReasonCanceled          = "CANCELED"
	ReasonRuleMatch         = "RULE_MATCH"
	ReasonTaskStopped       = "TASK_STOPPED"
	ReasonTimeWindowExpired = "TIME_WINDOW_EXPIRED"
	ReasonCompleted         = "COMPLETED"
	ReasonCompletedNoMatch  = "COMPLETED_NO_MATCH"
	ReasonDispatchError     = "DISPATCH_ERROR"
)

// TaskDetail is a task with its attempt log in creation order.
type TaskDetail struct {
	Task
	RuleSet  rules.RuleSet `json:"ruleSet"`
	Attempts []CallAttempt `json:"attempts"`
}

// TaskUpdate is a single-row conditional update.
// Zero-valued fields are left untouched.
type TaskUpdate struct {
	Status          TaskStatus
	CompletedAt     *time.Time
	LastAttemptedAt *time.Time
	UpdatedAt       time.Time

	// FromStatuses restricts the update to rows currently in one of these statuses.
	FromStatuses []TaskStatus
}

// AttemptUpdate is a single-row conditional update.
// Nil pointer fields are left untouched.
type AttemptUpdate struct {
	Status               AttemptStatus
	Reason               *string
	ProviderCallID       *string
	ProviderResponseCode *int
	Matched              *bool
	MatchMetadata        *string
	JobID                *string
	ScheduledFor         *time.Time
	NextRetryAt          *time.Time
	ClearNextRetryAt     bool
	StartedAt            *time.Time
	CompletedAt          *time.Time
	UpdatedAt            time.Time

	FromStatuses     []AttemptStatus
	RequireUnmatched bool
}

var (
	ErrNotFound        = errors.New("not found")
	ErrRuleSetNotFound = notFoundError("rule set not found")
	// ErrInvalidTransition means a conditional update matched an existing row
	// whose current state did not satisfy the guard.
	ErrInvalidTransition = errors.New("invalid state transition")
)

type notFoundError string

func (e notFoundError) Error() string        { return string(e) }
func (e notFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError carries field-level messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func ptr[T any](v T) *T { return &v }
