package telephony

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// TwilioStatusForm captures the subset of status callback fields we use.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid         string
	CallStatus      string
	AnsweredBy      string
	SipResponseCode string
	AttemptID       string
}

var ErrInvalidCallback = errors.New("telephony: CallSid and CallStatus are required")

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:         strings.TrimSpace(r.PostFormValue("CallSid")),
		CallStatus:      strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		AnsweredBy:      strings.TrimSpace(r.PostFormValue("AnsweredBy")),
		SipResponseCode: strings.TrimSpace(r.PostFormValue("SipResponseCode")),
		// attemptId is carried on the callback URL query string.
		AttemptID: strings.TrimSpace(r.URL.Query().Get("attemptId")),
	}
	if f.CallSid == "" || f.CallStatus == "" {
		return TwilioStatusForm{}, ErrInvalidCallback
	}
	return f, nil
}

// StatusEvent is the provider-neutral call progress event.
type StatusEvent struct {
	CallID    string `json:"call_id"`
	AttemptID string `json:"attempt_id,omitempty"`
	// Status is lower-cased provider vocabulary, e.g. "in-progress".
	Status               string `json:"status"`
	Classification       string `json:"classification,omitempty"`
	ProviderResponseCode *int   `json:"provider_response_code,omitempty"`
}

func (f TwilioStatusForm) ToStatusEvent() StatusEvent {
	ev := StatusEvent{
		CallID:         f.CallSid,
		AttemptID:      f.AttemptID,
		Status:         f.CallStatus,
		Classification: f.AnsweredBy,
	}
	if n, err := strconv.Atoi(f.SipResponseCode); err == nil {
		ev.ProviderResponseCode = &n
	}
	return ev
}
