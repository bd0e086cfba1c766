package telephony

import (
	"net/url"
	"strings"
)

// CallbackURLs builds the per-attempt webhook and media stream URLs.
type CallbackURLs struct {
	PublicBaseURL      string
	MediaStreamBaseURL string
}

func (c CallbackURLs) StatusURL(attemptID string) string {
	return c.base() + "/webhooks/twilio/voice?attemptId=" + url.QueryEscape(attemptID)
}

func (c CallbackURLs) AnswerURL(attemptID string) string {
	return c.base() + "/webhooks/twilio/answer?attemptId=" + url.QueryEscape(attemptID)
}

// StreamURL prefers the dedicated media base; otherwise the public base is
// switched to the websocket scheme and served under /media.
func (c CallbackURLs) StreamURL(attemptID string) string {
	id := url.PathEscape(attemptID)
	if m := strings.TrimRight(c.MediaStreamBaseURL, "/"); m != "" {
		return m + "/" + id
	}
	ws := c.base()
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/media/" + id
}

func (c CallbackURLs) base() string {
	return strings.TrimRight(c.PublicBaseURL, "/")
}
