package calls

import "strings"

// CallStatus is the closed set of provider call-progress values the event
// handler reacts to. Anything else is logged and ignored.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

var knownStatuses = map[CallStatus]struct{}{
	CallStatusQueued:     {},
	CallStatusInitiated:  {},
	CallStatusRinging:    {},
	CallStatusInProgress: {},
	CallStatusAnswered:   {},
	CallStatusCompleted:  {},
	CallStatusFailed:     {},
	CallStatusNoAnswer:   {},
	CallStatusBusy:       {},
	CallStatusCanceled:   {},
}

// ParseStatus is case-insensitive. ok is false for values outside the known set.
func ParseStatus(s string) (CallStatus, bool) {
	cs := CallStatus(strings.ToLower(strings.TrimSpace(s)))
	_, ok := knownStatuses[cs]
	return cs, ok
}
