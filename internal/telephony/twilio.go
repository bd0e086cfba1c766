package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds REST credentials and call defaults.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	BaseURL     string
	RingTimeout time.Duration
}

// TwilioProvider talks to the Twilio Voice REST API directly.
type TwilioProvider struct {
	cfg  TwilioConfig
	http *http.Client
}

func NewTwilioProvider(cfg TwilioConfig, client *http.Client) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, errors.New("telephony: twilio account sid, auth token and from number are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TwilioProvider{cfg: cfg, http: client}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.To == "" || req.StatusCallbackURL == "" || req.AnswerURL == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: to, status callback and answer url are required", ErrProvider)
	}
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", p.cfg.FromNumber)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", req.StatusCallbackURL)
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	// AnsweredBy on status callbacks comes from answering machine detection.
	form.Set("MachineDetection", "Enable")
	form.Set("Timeout", strconv.Itoa(int(p.cfg.RingTimeout.Seconds())))

	var out struct {
		Sid string `json:"sid"`
	}
	if err := p.post(ctx, p.callsURL(), form, &out); err != nil {
		return PlaceCallResult{}, err
	}
	if out.Sid == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: empty call sid", ErrProvider)
	}
	return PlaceCallResult{CallID: out.Sid}, nil
}

func (p *TwilioProvider) Bridge(ctx context.Context, req BridgeRequest) error {
	twiml, err := RenderConferenceTwiML(req.ConferenceName)
	if err != nil {
		return err
	}

	redirect := url.Values{}
	redirect.Set("Twiml", twiml)
	if err := p.post(ctx, p.callURL(req.CallID), redirect, nil); err != nil {
		return fmt.Errorf("redirect matched call: %w", err)
	}

	dial := url.Values{}
	dial.Set("To", req.CallbackTarget)
	dial.Set("From", p.cfg.FromNumber)
	dial.Set("Twiml", twiml)
	if err := p.post(ctx, p.callsURL(), dial, nil); err != nil {
		return fmt.Errorf("dial callback target: %w", err)
	}
	return nil
}

func (p *TwilioProvider) Hangup(ctx context.Context, callID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return p.post(ctx, p.callURL(callID), form, nil)
}

func (p *TwilioProvider) callsURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.cfg.BaseURL, url.PathEscape(p.cfg.AccountSID))
}

func (p *TwilioProvider) callURL(callID string) string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", p.cfg.BaseURL, url.PathEscape(p.cfg.AccountSID), url.PathEscape(callID))
}

func (p *TwilioProvider) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}
	if res.StatusCode/100 != 2 {
		pe := &ProviderError{HTTPStatus: res.StatusCode, Message: http.StatusText(res.StatusCode)}
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			pe.Code = apiErr.Code
			pe.Message = apiErr.Message
		}
		return pe
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	return nil
}
