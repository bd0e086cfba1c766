package tasks

import (
	"context"
	"slices"
	"sort"
	"sync"

	"task-dialer/internal/rules"
)

// MemoryStore is an in-memory Store useful for tests and local runs.
// It is not intended for production use.
type MemoryStore struct {
	mu       sync.Mutex
	ruleSets map[string]rules.RuleSet
	tasks    map[string]Task
	attempts map[string]CallAttempt
	seq      map[string]int // insertion order for ListAttempts
	next     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ruleSets: map[string]rules.RuleSet{},
		tasks:    map[string]Task{},
		attempts: map[string]CallAttempt{},
		seq:      map[string]int{},
	}
}

// PutRuleSet seeds a rule set. Rule sets are managed outside this service.
func (s *MemoryStore) PutRuleSet(rs rules.RuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleSets[rs.ID] = rs
}

func (s *MemoryStore) GetRuleSet(ctx context.Context, id string) (rules.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.ruleSets[id]
	if !ok {
		return rules.RuleSet{}, ErrRuleSetNotFound
	}
	return rs, nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t Task, first CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ruleSets[t.RuleSetID]; !ok {
		return ErrRuleSetNotFound
	}
	t.Numbers = slices.Clone(t.Numbers)
	s.tasks[t.ID] = t
	s.insertAttempt(first)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	t.Numbers = slices.Clone(t.Numbers)
	return t, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, u TaskUpdate) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if len(u.FromStatuses) > 0 && !slices.Contains(u.FromStatuses, t.Status) {
		return Task{}, ErrInvalidTransition
	}
	if u.Status != "" {
		t.Status = u.Status
	}
	if u.CompletedAt != nil {
		t.CompletedAt = ptr(*u.CompletedAt)
	}
	if u.LastAttemptedAt != nil {
		t.LastAttemptedAt = ptr(*u.LastAttemptedAt)
	}
	if !u.UpdatedAt.IsZero() {
		t.UpdatedAt = u.UpdatedAt
	}
	s.tasks[id] = t
	return t, nil
}

func (s *MemoryStore) CreateAttempt(ctx context.Context, a CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[a.TaskID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(liveTaskStatuses, t.Status) {
		return ErrInvalidTransition
	}
	for _, ex := range s.attempts {
		if ex.TaskID == a.TaskID && ex.Number == a.Number && ex.AttemptNumber == a.AttemptNumber {
			return ErrInvalidTransition
		}
	}
	s.insertAttempt(a)
	return nil
}

func (s *MemoryStore) insertAttempt(a CallAttempt) {
	s.next++
	s.seq[a.ID] = s.next
	s.attempts[a.ID] = a
}

func (s *MemoryStore) GetAttempt(ctx context.Context, id string) (CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return CallAttempt{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetAttemptByProviderCallID(ctx context.Context, callID string) (CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if callID == "" {
		return CallAttempt{}, ErrNotFound
	}
	for _, a := range s.attempts {
		if a.ProviderCallID == callID {
			return a, nil
		}
	}
	return CallAttempt{}, ErrNotFound
}

func (s *MemoryStore) ListAttempts(ctx context.Context, taskID string) ([]CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallAttempt
	for _, a := range s.attempts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) CountAttempts(ctx context.Context, taskID, number string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.TaskID == taskID && (number == "" || a.Number == number) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateAttempt(ctx context.Context, id string, u AttemptUpdate) (CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return CallAttempt{}, ErrNotFound
	}
	if len(u.FromStatuses) > 0 && !slices.Contains(u.FromStatuses, a.Status) {
		return CallAttempt{}, ErrInvalidTransition
	}
	if u.RequireUnmatched && a.Matched {
		return CallAttempt{}, ErrInvalidTransition
	}
	if u.ProviderCallID != nil && *u.ProviderCallID != "" {
		for oid, o := range s.attempts {
			if oid != id && o.ProviderCallID == *u.ProviderCallID {
				return CallAttempt{}, ErrInvalidTransition
			}
		}
	}

	if u.Status != "" {
		a.Status = u.Status
	}
	if u.Reason != nil {
		a.Reason = *u.Reason
	}
	if u.ProviderCallID != nil {
		a.ProviderCallID = *u.ProviderCallID
	}
	if u.ProviderResponseCode != nil {
		a.ProviderResponseCode = ptr(*u.ProviderResponseCode)
	}
	if u.Matched != nil {
		a.Matched = *u.Matched
	}
	if u.MatchMetadata != nil {
		a.MatchMetadata = *u.MatchMetadata
	}
	if u.JobID != nil {
		a.JobID = *u.JobID
	}
	if u.ScheduledFor != nil {
		a.ScheduledFor = ptr(*u.ScheduledFor)
	}
	if u.ClearNextRetryAt {
		a.NextRetryAt = nil
	} else if u.NextRetryAt != nil {
		a.NextRetryAt = ptr(*u.NextRetryAt)
	}
	if u.StartedAt != nil {
		a.StartedAt = ptr(*u.StartedAt)
	}
	if u.CompletedAt != nil {
		a.CompletedAt = ptr(*u.CompletedAt)
	}
	if !u.UpdatedAt.IsZero() {
		a.UpdatedAt = u.UpdatedAt
	}
	s.attempts[id] = a
	return a, nil
}
