package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	fcmScope        = "https://www.googleapis.com/auth/firebase.messaging"
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	defaultFCMBase  = "https://fcm.googleapis.com"
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

var ErrNotConfigured = errors.New("notify: fcm not configured")

// ServiceAccount is the subset of a Google service-account key file we need.
type ServiceAccount struct {
	ProjectID    string `json:"project_id"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

func LoadServiceAccount(path string) (ServiceAccount, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccount{}, err
	}
	return ParseServiceAccount(b)
}

func ParseServiceAccount(b []byte) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(b, &sa); err != nil {
		return ServiceAccount{}, fmt.Errorf("notify: parse service account: %w", err)
	}
	if sa.ProjectID == "" || sa.ClientEmail == "" || sa.PrivateKey == "" {
		return ServiceAccount{}, ErrNotConfigured
	}
	if sa.TokenURI == "" {
		sa.TokenURI = defaultTokenURI
	}
	return sa, nil
}

// FCMSender pushes outcomes as FCM HTTP v1 data messages to a topic.
// Access tokens are obtained with the OAuth2 JWT bearer grant and cached
// until shortly before expiry.
type FCMSender struct {
	Account ServiceAccount
	Topic   string

	HTTP    *http.Client
	BaseURL string
	Now     func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewFCMSender(sa ServiceAccount, topic string) *FCMSender {
	return &FCMSender{
		Account: sa,
		Topic:   topic,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		BaseURL: defaultFCMBase,
		Now:     time.Now,
	}
}

type fcmMessage struct {
	Message struct {
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	} `json:"message"`
}

func (s *FCMSender) Notify(ctx context.Context, o Outcome) error {
	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}

	var msg fcmMessage
	msg.Message.Topic = s.Topic
	msg.Message.Data = map[string]string{
		"taskId": o.TaskID,
		"number": o.Number,
		"match":  strconv.FormatBool(o.Matched),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(s.BaseURL, "/"), url.PathEscape(s.Account.ProjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notify: fcm send: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("notify: fcm send: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (s *FCMSender) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if s.token != "" && now.Before(s.expiresAt.Add(-time.Minute)) {
		return s.token, nil
	}

	assertion, err := s.signAssertion(now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("notify: token exchange: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("notify: token exchange: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("notify: decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("notify: empty access token")
	}
	s.token = tr.AccessToken
	s.expiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	return s.token, nil
}

func (s *FCMSender) signAssertion(now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.Account.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("notify: parse private key: %w", err)
	}
	claims := jwt.MapClaims{
		"iss":   s.Account.ClientEmail,
		"scope": fcmScope,
		"aud":   s.Account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.Account.PrivateKeyID != "" {
		tok.Header["kid"] = s.Account.PrivateKeyID
	}
	return tok.SignedString(key)
}
