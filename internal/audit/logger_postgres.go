package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresLogger stores events in the audit_events table. The BIGSERIAL id
// gives append order.
type PostgresLogger struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewPostgresLogger(db *sql.DB) (*PostgresLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresLogger{db: db, nowFunc: time.Now}, nil
}

func (l *PostgresLogger) Record(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFunc().UTC()
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = b
	}

	const q = `
INSERT INTO audit_events (occurred_at, actor, action, details, result)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := l.db.ExecContext(ctx, q, e.Timestamp, e.Actor, e.Action, string(details), e.Result); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (l *PostgresLogger) List(ctx context.Context, limit int) ([]Event, error) {
	q := `SELECT occurred_at, actor, action, details, result FROM audit_events ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var details []byte
		if err := rows.Scan(&e.Timestamp, &e.Actor, &e.Action, &details, &e.Result); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
			if len(e.Details) == 0 {
				e.Details = nil
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}
