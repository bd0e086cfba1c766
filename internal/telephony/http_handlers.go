package telephony

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"task-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusEventHandler applies a provider call-status event to attempt state.
type StatusEventHandler interface {
	HandleStatus(ctx context.Context, ev StatusEvent) error
}

// AnswerHandler returns the TwiML for a call that was just answered.
type AnswerHandler interface {
	Answer(ctx context.Context, attemptID string) (string, error)
}

// ErrUnknownCall is returned by handlers when the event cannot be tied to an attempt.
var ErrUnknownCall = errors.New("telephony: unknown call")

// TwilioWebhookHandler converts Twilio webhooks to internal types and
// delegates. No business logic here.
//
// Once a callback parses, the response is 200 regardless of internal
// processing, so the provider never retry-storms on a transient error.
// Only unknown calls are reported back (404).
type TwilioWebhookHandler struct {
	Events StatusEventHandler
	Answer AnswerHandler
}

func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event handler not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid and CallStatus are required"})
		return
	}

	err = h.Events.HandleStatus(c.Request.Context(), form.ToStatusEvent())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, ErrUnknownCall):
		log.Warn("status callback for unknown call", "call_sid", form.CallSid, "attempt_id", form.AttemptID)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
	default:
		log.Error("status callback processing failed", "call_sid", form.CallSid, "status", form.CallStatus, "err", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// HandleAnswer serves both GET and POST; attemptId comes from the query
// string or the form body.
func (h TwilioWebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Answer == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "answer handler not configured"})
		return
	}

	attemptID := strings.TrimSpace(c.Query("attemptId"))
	if attemptID == "" {
		attemptID = strings.TrimSpace(c.PostForm("attemptId"))
	}
	if attemptID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "attemptId required"})
		return
	}

	twiml, err := h.Answer.Answer(c.Request.Context(), attemptID)
	if err != nil {
		if errors.Is(err, ErrUnknownCall) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
			return
		}
		log.Error("twiml render failed", "attempt_id", attemptID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
