package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourdesk/tourdesk/internal/audit"
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

const setAttribution = `SELECT set_config('tourdesk.acting_user_id', $1, true),
       set_config('tourdesk.acting_email', $2, true),
       set_config('tourdesk.request_id', $3, true)`

// WithAttributedTx runs fn in a transaction whose local settings name the
// acting user of ctx, so database triggers see the human behind an elevated
// connection. Without an audit context the settings name the system actor.
func WithAttributedTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, setAttribution, attributionArgs(ctx)...); err != nil {
			return fmt.Errorf("platform/db: set attribution: %w", err)
		}
		return fn(tx)
	})
}

func attributionArgs(ctx context.Context) []any {
	ac, ok := audit.FromContext(ctx)
	if !ok {
		return []any{"", audit.SystemActor, ""}
	}
	return []any{strconv.FormatInt(ac.ActingUserID, 10), ac.ActingEmail, ac.RequestID}
}
