package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used by Logger.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger writes records into audit_logs.
type Logger struct {
	db Execer
}

// NewLogger returns a new Logger. It should be given the regular
// application pool, never the elevated one, so that recording does not
// re-enter the elevated write tracer.
func NewLogger(db Execer) *Logger {
	return &Logger{db: db}
}

// Record persists the log entry.
func (l *Logger) Record(ctx context.Context, entry Entry) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	var actorID any
	if entry.Attributed() {
		actorID = entry.ActorID
	}
	var at any
	if !entry.At.IsZero() {
		at = entry.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, actor_email, action, entity, entity_id, ip, request_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		actorID, entry.ActorEmail, entry.Action, entry.Entity, entry.EntityID, entry.IP, entry.RequestID, metaJSON, at)
	return err
}

// Submit implements Sink.
func (l *Logger) Submit(ctx context.Context, entry Entry) error {
	return l.Record(ctx, entry)
}

var _ Sink = (*Logger)(nil)
