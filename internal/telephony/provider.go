package telephony

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the provider-agnostic call control used by the dialer.
//
// Rules:
// - No provider wire formats outside telephony adapters.
// - Callers treat every error as ErrProvider and route it into the retry
//   decision instead of failing the request.
type Provider interface {
	Name() string

	// PlaceCall starts an outbound call and returns the provider call id.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	// Bridge moves an answered call into a conference and dials the
	// callback target into the same conference.
	Bridge(ctx context.Context, req BridgeRequest) error
	// Hangup ends a call. Ending an already-finished call is not an error
	// the caller needs to act on.
	Hangup(ctx context.Context, callID string) error
}

type PlaceCallRequest struct {
	To string `json:"to"`

	// StatusCallbackURL and AnswerURL both embed the attempt id so provider
	// events correlate back to exactly one attempt.
	StatusCallbackURL string `json:"status_callback_url"`
	AnswerURL         string `json:"answer_url"`
}

type PlaceCallResult struct {
	CallID string `json:"call_id"`
}

type BridgeRequest struct {
	CallID         string `json:"call_id"`
	ConferenceName string `json:"conference_name"`
	CallbackTarget string `json:"callback_target"`
}

var ErrProvider = errors.New("telephony: provider error")

// ProviderError is an error response returned by the provider API.
type ProviderError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("telephony: provider error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }
