package rules

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// ClassificationHuman is the answering-party value that matches when a rule
// set declares no allow-list of its own.
const ClassificationHuman = "human"

// RuleSet is read-only to the dialer. Rows are managed outside this service.
type RuleSet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Config      Config    `json:"config"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Config is the persisted rule configuration.
// AnsweredBy lists provider answering-party classifications that count as a match.
type Config struct {
	AnsweredBy []string `json:"answeredBy,omitempty"`
}

// ParseConfig decodes a stored config document. Empty or null documents
// yield the zero Config (default policy).
func ParseConfig(raw []byte) (Config, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Config{}, nil
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Matches reports whether an answered call with the given classification
// reached the intended party.
func Matches(rs RuleSet, classification string) bool {
	if len(rs.Config.AnsweredBy) > 0 {
		return slices.Contains(rs.Config.AnsweredBy, classification)
	}
	return classification == ClassificationHuman
}
