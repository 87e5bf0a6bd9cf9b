package shared

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyHeader carries the client supplied key on mutating requests.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

var (
	// ErrIdempotencyConflict reports a key already claimed by the same actor
	// for the same operation.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrIdempotencyKeyInvalid reports an empty or oversized key.
	ErrIdempotencyKeyInvalid = errors.New("idempotency key invalid")
)

// IdempotencyStore claims client keys in idempotency_keys. Keys are scoped
// to (operation, actor) so two users may reuse the same value.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// Claim reserves key before the operation runs.
func (s *IdempotencyStore) Claim(ctx context.Context, key, operation string, actorID int64) error {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxIdempotencyKeyLen || operation == "" {
		return ErrIdempotencyKeyInvalid
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, operation, actor_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key, operation, actor_id) DO NOTHING`,
		key, operation, actorID, s.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Release frees a claimed key after the operation failed so the client can
// retry with it.
func (s *IdempotencyStore) Release(ctx context.Context, key, operation string, actorID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND operation = $2 AND actor_id = $3`,
		strings.TrimSpace(key), operation, actorID)
	return err
}

// Cleanup deletes keys claimed before the retention window and reports how
// many were removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
