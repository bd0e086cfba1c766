package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"task-dialer/internal/rules"
	"task-dialer/pkg/utils"

	"github.com/lib/pq"
)

// PostgresStore implements Store on database/sql with the pgx driver.
//
// Expects the tables from migrations/001_init.sql. call_attempts carries
// UNIQUE (task_id, number, attempt_number) and a unique provider_call_id,
// which back the duplicate checks below.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id, numbers, callback_target, rule_set_id, status, per_number_max_attempts, global_max_attempts,
       window_start, window_end, backoff_policy, created_at, updated_at, completed_at, last_attempted_at`

const attemptColumns = `id, task_id, number, attempt_number, status, provider_call_id, reason, provider_response_code,
       matched, match_metadata, job_id, scheduled_for, next_retry_at, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                        Task
		numbers                  pq.StringArray
		status                   string
		windowStart, windowEnd   sql.NullTime
		policy                   []byte
		completedAt, lastAttempt sql.NullTime
	)
	if err := row.Scan(
		&t.ID,
		&numbers,
		&t.CallbackTarget,
		&t.RuleSetID,
		&status,
		&t.PerNumberMaxAttempts,
		&t.GlobalMaxAttempts,
		&windowStart,
		&windowEnd,
		&policy,
		&t.CreatedAt,
		&t.UpdatedAt,
		&completedAt,
		&lastAttempt,
	); err != nil {
		return Task{}, err
	}
	t.Numbers = []string(numbers)
	t.Status = TaskStatus(status)
	t.TimeWindow = TimeWindow{Start: timePtr(windowStart), End: timePtr(windowEnd)}
	t.CompletedAt = timePtr(completedAt)
	t.LastAttemptedAt = timePtr(lastAttempt)
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &t.Backoff); err != nil {
			return Task{}, fmt.Errorf("decode backoff policy: %w", err)
		}
	}
	t.Backoff = t.Backoff.WithDefaults()
	return t, nil
}

func scanAttempt(row rowScanner) (CallAttempt, error) {
	var (
		a                                   CallAttempt
		status                              string
		callID, reason, meta, jobID         sql.NullString
		code                                sql.NullInt32
		scheduled, nextRetry, started, done sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.TaskID,
		&a.Number,
		&a.AttemptNumber,
		&status,
		&callID,
		&reason,
		&code,
		&a.Matched,
		&meta,
		&jobID,
		&scheduled,
		&nextRetry,
		&started,
		&done,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return CallAttempt{}, err
	}
	a.Status = AttemptStatus(status)
	a.ProviderCallID = callID.String
	a.Reason = reason.String
	a.MatchMetadata = meta.String
	a.JobID = jobID.String
	if code.Valid {
		a.ProviderResponseCode = ptr(int(code.Int32))
	}
	a.ScheduledFor = timePtr(scheduled)
	a.NextRetryAt = timePtr(nextRetry)
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(done)
	return a, nil
}

func (s *PostgresStore) GetRuleSet(ctx context.Context, id string) (rules.RuleSet, error) {
	const q = `
SELECT id, name, description, config, created_at, updated_at
FROM rule_sets
WHERE id = $1
`
	var (
		rs   rules.RuleSet
		desc sql.NullString
		raw  []byte
	)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&rs.ID,
		&rs.Name,
		&desc,
		&raw,
		&rs.CreatedAt,
		&rs.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rules.RuleSet{}, ErrRuleSetNotFound
		}
		return rules.RuleSet{}, err
	}
	rs.Description = desc.String
	cfg, err := rules.ParseConfig(raw)
	if err != nil {
		return rules.RuleSet{}, fmt.Errorf("rule set %s: %w", id, err)
	}
	rs.Config = cfg
	return rs, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t Task, first CallAttempt) error {
	policy, err := json.Marshal(t.Backoff)
	if err != nil {
		return err
	}
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const qt = `
INSERT INTO tasks (
  id, numbers, callback_target, rule_set_id, status, per_number_max_attempts, global_max_attempts,
  window_start, window_end, backoff_policy, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
		if _, err := tx.ExecContext(ctx, qt,
			t.ID,
			pq.Array(t.Numbers),
			t.CallbackTarget,
			t.RuleSetID,
			string(t.Status),
			t.PerNumberMaxAttempts,
			t.GlobalMaxAttempts,
			nullTime(t.TimeWindow.Start),
			nullTime(t.TimeWindow.End),
			policy,
			t.CreatedAt,
			t.UpdatedAt,
		); err != nil {
			if utils.PgErrorCode(err) == utils.PgForeignKeyViolation {
				return ErrRuleSetNotFound
			}
			return err
		}
		return insertAttempt(ctx, tx, first)
	})
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a CallAttempt) error {
	const q = `
INSERT INTO call_attempts (
  id, task_id, number, attempt_number, status, job_id, matched, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,false,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.TaskID,
		a.Number,
		a.AttemptNumber,
		string(a.Status),
		nullString(a.JobID),
		a.CreatedAt,
		a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, u TaskUpdate) (Task, error) {
	q, args := buildTaskUpdate(id, u)
	t, err := scanTask(s.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Task{}, err
	}
	return Task{}, s.missOrGuard(ctx, "tasks", id)
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, a CallAttempt) error {
	q := `
INSERT INTO call_attempts (
  id, task_id, number, attempt_number, status, job_id, matched, created_at, updated_at
)
SELECT $1::text, $2::text, $3::text, $4::int, $5::text, $6::text, false, $7::timestamptz, $8::timestamptz
WHERE EXISTS (
  SELECT 1 FROM tasks WHERE id = $2::text AND status IN (` + quoteList(taskStatusStrings(liveTaskStatuses)) + `)
)
`
	res, err := s.db.ExecContext(ctx, q,
		a.ID,
		a.TaskID,
		a.Number,
		a.AttemptNumber,
		string(a.Status),
		nullString(a.JobID),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		if utils.PgErrorCode(err) == utils.PgUniqueViolation {
			return ErrInvalidTransition
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrGuard(ctx, "tasks", a.TaskID)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (CallAttempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE id = $1`
	return s.getAttempt(ctx, q, id)
}

func (s *PostgresStore) GetAttemptByProviderCallID(ctx context.Context, callID string) (CallAttempt, error) {
	if callID == "" {
		return CallAttempt{}, ErrNotFound
	}
	q := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE provider_call_id = $1`
	return s.getAttempt(ctx, q, callID)
}

func (s *PostgresStore) getAttempt(ctx context.Context, q string, arg string) (CallAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallAttempt{}, ErrNotFound
		}
		return CallAttempt{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, taskID string) ([]CallAttempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE task_id = $1 ORDER BY created_at ASC, attempt_number ASC`
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountAttempts(ctx context.Context, taskID, number string) (int, error) {
	const q = `
SELECT count(*)
FROM call_attempts
WHERE task_id = $1 AND ($2 = '' OR number = $2)
`
	var n int
	if err := s.db.QueryRowContext(ctx, q, taskID, number).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) UpdateAttempt(ctx context.Context, id string, u AttemptUpdate) (CallAttempt, error) {
	q, args := buildAttemptUpdate(id, u)
	a, err := scanAttempt(s.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return a, nil
	}
	if utils.PgErrorCode(err) == utils.PgUniqueViolation {
		return CallAttempt{}, ErrInvalidTransition
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return CallAttempt{}, err
	}
	return CallAttempt{}, s.missOrGuard(ctx, "call_attempts", id)
}

// missOrGuard tells apart "row does not exist" from "row exists but the
// conditional update did not apply".
func (s *PostgresStore) missOrGuard(ctx context.Context, table, id string) error {
	q := `SELECT 1 FROM ` + table + ` WHERE id = $1`
	var one int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrInvalidTransition
}

// setBuilder accumulates "col = $n" assignments and their args.
type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) set(col string, v any) {
	b.args = append(b.args, v)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", col, len(b.args)))
}

func (b *setBuilder) raw(expr string) {
	b.sets = append(b.sets, expr)
}

func (b *setBuilder) placeholder(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *setBuilder) in(values []string) string {
	ph := make([]string, 0, len(values))
	for _, v := range values {
		ph = append(ph, b.placeholder(v))
	}
	return strings.Join(ph, ", ")
}

func buildTaskUpdate(id string, u TaskUpdate) (string, []any) {
	var b setBuilder
	if u.Status != "" {
		b.set("status", string(u.Status))
	}
	if u.CompletedAt != nil {
		b.set("completed_at", *u.CompletedAt)
	}
	if u.LastAttemptedAt != nil {
		b.set("last_attempted_at", *u.LastAttemptedAt)
	}
	b.set("updated_at", updatedAt(u.UpdatedAt))

	where := "id = " + b.placeholder(id)
	if len(u.FromStatuses) > 0 {
		where += " AND status IN (" + b.in(taskStatusStrings(u.FromStatuses)) + ")"
	}
	q := "UPDATE tasks SET " + strings.Join(b.sets, ", ") + " WHERE " + where + " RETURNING " + taskColumns
	return q, b.args
}

func buildAttemptUpdate(id string, u AttemptUpdate) (string, []any) {
	var b setBuilder
	if u.Status != "" {
		b.set("status", string(u.Status))
	}
	if u.Reason != nil {
		b.set("reason", *u.Reason)
	}
	if u.ProviderCallID != nil {
		b.set("provider_call_id", nullString(*u.ProviderCallID))
	}
	if u.ProviderResponseCode != nil {
		b.set("provider_response_code", *u.ProviderResponseCode)
	}
	if u.Matched != nil {
		b.set("matched", *u.Matched)
	}
	if u.MatchMetadata != nil {
		b.set("match_metadata", *u.MatchMetadata)
	}
	if u.JobID != nil {
		b.set("job_id", nullString(*u.JobID))
	}
	if u.ScheduledFor != nil {
		b.set("scheduled_for", *u.ScheduledFor)
	}
	if u.ClearNextRetryAt {
		b.raw("next_retry_at = NULL")
	} else if u.NextRetryAt != nil {
		b.set("next_retry_at", *u.NextRetryAt)
	}
	if u.StartedAt != nil {
		b.set("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		b.set("completed_at", *u.CompletedAt)
	}
	b.set("updated_at", updatedAt(u.UpdatedAt))

	where := "id = " + b.placeholder(id)
	if len(u.FromStatuses) > 0 {
		where += " AND status IN (" + b.in(attemptStatusStrings(u.FromStatuses)) + ")"
	}
	if u.RequireUnmatched {
		where += " AND matched = false"
	}
	q := "UPDATE call_attempts SET " + strings.Join(b.sets, ", ") + " WHERE " + where + " RETURNING " + attemptColumns
	return q, b.args
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func taskStatusStrings(in []TaskStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func attemptStatusStrings(in []AttemptStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

// quoteList renders constant status values as a SQL literal list.
// Only used with package constants, never with caller input.
func quoteList(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, "'"+strings.ReplaceAll(v, "'", "''")+"'")
	}
	return strings.Join(out, ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
