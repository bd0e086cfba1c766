package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. The table has no UPDATE or DELETE
// path in application code.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, task_id, ip_address, request_id, message, metadata, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, '')::jsonb, $8)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.TaskID,
		e.IPAddress,
		e.RequestID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
