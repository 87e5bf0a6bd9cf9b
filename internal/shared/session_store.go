package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionRecordVersion is the current layout of persisted session records.
const SessionRecordVersion = 2

// FlashMessage represents a one-time notification stored in session.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionRecord is the persisted form of a session. A record without a CSRF
// secret is a valid, checkable state that requires repair before any
// mutating request is accepted.
type SessionRecord struct {
	Version      int               `json:"v"`
	ID           string            `json:"-"`
	UserID       string            `json:"user_id,omitempty"`
	CSRFSecret   string            `json:"csrf_secret,omitempty"`
	Values       map[string]string `json:"values,omitempty"`
	Flashes      []FlashMessage    `json:"flashes,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessAt time.Time         `json:"last_access_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// HasCSRFSecret reports whether a CSRF secret was issued for the session.
func (r *SessionRecord) HasCSRFSecret() bool {
	return r != nil && r.CSRFSecret != ""
}

// Expired reports whether the record outlived its absolute lifetime.
func (r *SessionRecord) Expired(now time.Time) bool {
	return r == nil || (!r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt))
}

// SessionStore persists session records.
type SessionStore interface {
	// Load returns ErrSessionNotFound for unknown or expired ids.
	Load(ctx context.Context, id string) (*SessionRecord, error)
	// Create stores a new record and fails with ErrSessionExists if the id is taken.
	Create(ctx context.Context, rec *SessionRecord) error
	// Save overwrites an existing record and fails with ErrSessionNotFound if
	// it was deleted or regenerated meanwhile.
	Save(ctx context.Context, rec *SessionRecord) error
	// Regenerate replaces oldID with a fresh session carrying a new CSRF secret.
	Regenerate(ctx context.Context, oldID string) (*SessionRecord, error)
	// EnsureCSRFSecret stores candidate unless a secret already exists and
	// returns the secret that won.
	EnsureCSRFSecret(ctx context.Context, id, candidate string) (string, error)
}

// SecretFunc issues a CSRF secret for the given session id.
type SecretFunc func(sessionID string) string

// RedisSessionStore keeps session records in Redis with a TTL matching the
// record's absolute expiry.
type RedisSessionStore struct {
	client      *redis.Client
	ttl         time.Duration
	secrets     SecretFunc
	casAttempts int
	now         func() time.Time
}

// NewRedisSessionStore constructs a RedisSessionStore.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration, secrets SecretFunc) *RedisSessionStore {
	return &RedisSessionStore{
		client:      client,
		ttl:         ttl,
		secrets:     secrets,
		casAttempts: 5,
		now:         time.Now,
	}
}

// NewRecord builds an unsaved record with a fresh id and no CSRF secret.
func (s *RedisSessionStore) NewRecord() *SessionRecord {
	return newRecord(s.now().UTC(), s.ttl)
}

func newRecord(now time.Time, ttl time.Duration) *SessionRecord {
	return &SessionRecord{
		Version:      SessionRecordVersion,
		ID:           uuid.NewString(),
		Values:       make(map[string]string),
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    now.Add(ttl),
	}
}

// Load implements SessionStore.
func (s *RedisSessionStore) Load(ctx context.Context, id string) (*SessionRecord, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	payload, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	rec, err := s.decode(id, payload)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

// Create implements SessionStore.
func (s *RedisSessionStore) Create(ctx context.Context, rec *SessionRecord) error {
	data, ttl, err := s.encode(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, redisKey(rec.ID), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

// Save implements SessionStore. SET XX keeps a regenerated session from
// being resurrected by a late writer still holding the old id.
func (s *RedisSessionStore) Save(ctx context.Context, rec *SessionRecord) error {
	data, ttl, err := s.encode(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, redisKey(rec.ID), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Regenerate implements SessionStore.
func (s *RedisSessionStore) Regenerate(ctx context.Context, oldID string) (*SessionRecord, error) {
	rec := s.NewRecord()
	if s.secrets != nil {
		rec.CSRFSecret = s.secrets(rec.ID)
	}
	if err := s.Create(ctx, rec); err != nil {
		return nil, err
	}
	if oldID != "" {
		if err := s.client.Del(ctx, redisKey(oldID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}
	return rec, nil
}

// EnsureCSRFSecret implements SessionStore with an optimistic WATCH/MULTI
// transaction so racing repairs converge on a single secret.
func (s *RedisSessionStore) EnsureCSRFSecret(ctx context.Context, id, candidate string) (string, error) {
	if candidate == "" {
		return "", errors.New("session: empty csrf secret candidate")
	}
	key := redisKey(id)
	var winner string
	txf := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}
		rec, err := s.decode(id, payload)
		if err != nil {
			return err
		}
		if rec.HasCSRFSecret() {
			winner = rec.CSRFSecret
			return nil
		}
		rec.CSRFSecret = candidate
		data, ttl, err := s.encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			winner = candidate
		}
		return err
	}
	for i := 0; i < s.casAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return winner, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("session: csrf secret contention on %s", id)
}

func (s *RedisSessionStore) encode(rec *SessionRecord) ([]byte, time.Duration, error) {
	if rec == nil || rec.ID == "" {
		return nil, 0, errors.New("session: record id required")
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if rec.ExpiresAt.IsZero() {
		ttl = s.ttl
	}
	if ttl <= 0 {
		return nil, 0, ErrSessionNotFound
	}
	rec.Version = SessionRecordVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, err
	}
	return data, ttl, nil
}

func (s *RedisSessionStore) decode(id string, payload []byte) (*SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	rec.ID = id
	if rec.Version < SessionRecordVersion {
		upgradeRecord(&rec, s.ttl)
	}
	if rec.Values == nil {
		rec.Values = make(map[string]string)
	}
	return &rec, nil
}

// upgradeRecord fills fields missing from records written by older layouts.
// Version 1 records carried no timestamps.
func upgradeRecord(rec *SessionRecord, ttl time.Duration) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastAccessAt.IsZero() {
		rec.LastAccessAt = rec.CreatedAt
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(ttl)
	}
	rec.Version = SessionRecordVersion
}

func redisKey(id string) string {
	return "session:" + id
}

var _ SessionStore = (*RedisSessionStore)(nil)

// RetryingStore retries transient session-store failures a bounded number of
// times and then reports ErrSessionStoreUnavailable.
type RetryingStore struct {
	next     SessionStore
	retries  uint64
	interval time.Duration
	logger   *slog.Logger
}

// NewRetryingStore wraps next with bounded exponential backoff.
func NewRetryingStore(next SessionStore, retries int, logger *slog.Logger) *RetryingStore {
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{next: next, retries: uint64(retries), interval: 50 * time.Millisecond, logger: logger}
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func(attempt int) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.interval
	eb.MaxInterval = 10 * s.interval
	eb.MaxElapsedTime = 0
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn(attempt)
		if err == nil || permanentStoreError(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("session store retry", slog.String("op", op), slog.Int("attempt", attempt), slog.Any("error", err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, s.retries), ctx))
	if err == nil || permanentStoreError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrSessionStoreUnavailable, op, err)
}

func permanentStoreError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExists) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Load implements SessionStore.
func (s *RetryingStore) Load(ctx context.Context, id string) (*SessionRecord, error) {
	var rec *SessionRecord
	err := s.do(ctx, "load", func(int) error {
		var err error
		rec, err = s.next.Load(ctx, id)
		return err
	})
	return rec, err
}

// Create implements SessionStore. A conflict on a retried attempt means an
// earlier attempt already succeeded.
func (s *RetryingStore) Create(ctx context.Context, rec *SessionRecord) error {
	return s.do(ctx, "create", func(attempt int) error {
		err := s.next.Create(ctx, rec)
		if attempt > 1 && errors.Is(err, ErrSessionExists) {
			return nil
		}
		return err
	})
}

// Save implements SessionStore.
func (s *RetryingStore) Save(ctx context.Context, rec *SessionRecord) error {
	return s.do(ctx, "save", func(int) error { return s.next.Save(ctx, rec) })
}

// Regenerate implements SessionStore.
func (s *RetryingStore) Regenerate(ctx context.Context, oldID string) (*SessionRecord, error) {
	var rec *SessionRecord
	err := s.do(ctx, "regenerate", func(int) error {
		var err error
		rec, err = s.next.Regenerate(ctx, oldID)
		return err
	})
	return rec, err
}

// EnsureCSRFSecret implements SessionStore.
func (s *RetryingStore) EnsureCSRFSecret(ctx context.Context, id, candidate string) (string, error) {
	var secret string
	err := s.do(ctx, "ensure_csrf_secret", func(int) error {
		var err error
		secret, err = s.next.EnsureCSRFSecret(ctx, id, candidate)
		return err
	})
	return secret, err
}

var _ SessionStore = (*RetryingStore)(nil)
