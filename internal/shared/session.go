package shared

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
)

// commitTimeout bounds session writes that outlive the request context.
const commitTimeout = 5 * time.Second

// SessionManager orchestrates cookie based sessions backed by a SessionStore.
type SessionManager struct {
	store      SessionStore
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
	now        func() time.Time
}

// Session holds per-request session data.
type Session struct {
	ID          string
	record      *SessionRecord
	persisted   bool
	expired     bool
	dirty       bool
	regenerated bool
}

// NewSessionManager constructs a SessionManager. The secret signs the cookie
// value so forged ids are rejected before they reach the store.
func NewSessionManager(store SessionStore, cookieName string, secret string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		store:      store,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		secret:     []byte(secret),
		now:        time.Now,
	}
}

// Load loads the session named by the request cookie. A missing cookie yields
// a fresh, unsaved session. A cookie naming a session that no longer exists
// yields a fresh session flagged as expired.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}
	id, ok := sm.verifyCookie(cookie.Value)
	if !ok {
		sess := sm.newSession()
		sess.expired = true
		return sess, nil
	}
	rec, err := sm.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			sess := sm.newSession()
			sess.expired = true
			return sess, nil
		}
		return nil, err
	}
	return &Session{ID: rec.ID, record: rec, persisted: true}, nil
}

// Commit persists the session and writes cookie headers as needed. Untouched
// sessions that were never stored are dropped without a cookie.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	now := sm.now().UTC()
	switch {
	case !sess.persisted && sess.dirty:
		sess.record.LastAccessAt = now
		if err := sm.store.Create(ctx, sess.record); err != nil {
			return err
		}
		sess.persisted = true
		sess.dirty = false
	case !sess.persisted:
		return nil
	case sess.dirty || (sess.HasCSRFSecret() && now.Sub(sess.record.LastAccessAt) > time.Minute):
		// Touch-only writes skip sessions awaiting repair so they never
		// overwrite a secret issued by a concurrent request.
		sess.record.LastAccessAt = now
		if err := sm.store.Save(ctx, sess.record); err != nil {
			return err
		}
		sess.dirty = false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sm.signID(sess.ID),
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  sess.record.ExpiresAt,
	})
	return nil
}

// Regenerate issues a new session id and CSRF secret and invalidates the old
// id. Values and the user binding are not carried over. It must run before
// the response header is written.
func (sm *SessionManager) Regenerate(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("session missing")
	}
	oldID := ""
	if sess.persisted {
		oldID = sess.ID
	}
	rec, err := sm.store.Regenerate(ctx, oldID)
	if err != nil {
		return err
	}
	sess.ID = rec.ID
	sess.record = rec
	sess.persisted = true
	sess.expired = false
	sess.dirty = false
	sess.regenerated = true
	return nil
}

// EnsureCSRFSecret makes sure the session carries a CSRF secret, issuing one
// from newSecret when absent. It reports whether the candidate was adopted.
// Writes for stored sessions are detached from ctx so an aborted request
// still completes the repair.
func (sm *SessionManager) EnsureCSRFSecret(ctx context.Context, sess *Session, newSecret SecretFunc) (bool, error) {
	if sess == nil {
		return false, errors.New("session missing")
	}
	if sess.HasCSRFSecret() {
		return false, nil
	}
	candidate := newSecret(sess.ID)
	if !sess.persisted {
		sess.record.CSRFSecret = candidate
		sess.dirty = true
		return true, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	winner, err := sm.store.EnsureCSRFSecret(ctx, sess.ID, candidate)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return false, err
		}
		// The stored session vanished underneath us; start over.
		fresh := sm.newSession()
		fresh.expired = true
		fresh.record.CSRFSecret = newSecret(fresh.ID)
		fresh.dirty = true
		*sess = *fresh
		return true, nil
	}
	sess.record.CSRFSecret = winner
	return winner == candidate, nil
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

func (sm *SessionManager) newSession() *Session {
	rec := newRecord(sm.now().UTC(), sm.ttl)
	return &Session{ID: rec.ID, record: rec}
}

func (sm *SessionManager) signID(id string) string {
	mac := hmac.New(sha256.New, sm.secret)
	_, _ = mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (sm *SessionManager) verifyCookie(value string) (string, bool) {
	id, _, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	return id, hmac.Equal([]byte(sm.signID(id)), []byte(value))
}

// Session helpers

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.record.Values == nil {
		s.record.Values = make(map[string]string)
	}
	s.record.Values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.record.Values == nil {
		return ""
	}
	return s.record.Values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if s.record.Values == nil {
		return
	}
	delete(s.record.Values, key)
	s.dirty = true
}

// SetUser associates the session with a user ID.
func (s *Session) SetUser(id string) {
	s.record.UserID = id
	s.dirty = true
}

// User returns the current user ID.
func (s *Session) User() string {
	return s.record.UserID
}

// AddFlash queues a flash message.
func (s *Session) AddFlash(msg FlashMessage) {
	s.record.Flashes = append(s.record.Flashes, msg)
	s.dirty = true
}

// PopFlash retrieves and clears the oldest flash message.
func (s *Session) PopFlash() *FlashMessage {
	if len(s.record.Flashes) == 0 {
		return nil
	}
	msg := s.record.Flashes[0]
	s.record.Flashes = s.record.Flashes[1:]
	s.dirty = true
	return &msg
}

// CSRFSecret returns the session's CSRF secret, empty when none was issued.
func (s *Session) CSRFSecret() string {
	if s == nil || s.record == nil {
		return ""
	}
	return s.record.CSRFSecret
}

// HasCSRFSecret reports whether a CSRF secret is bound to the session.
func (s *Session) HasCSRFSecret() bool {
	return s != nil && s.record.HasCSRFSecret()
}

// Exists reports whether the session is stored or will be stored on commit.
func (s *Session) Exists() bool {
	return s != nil && (s.persisted || s.dirty)
}

// Expired reports whether the request named a session that no longer exists.
func (s *Session) Expired() bool {
	return s != nil && s.expired
}

// Regenerated reports whether the id was rotated during this request.
func (s *Session) Regenerated() bool {
	return s != nil && s.regenerated
}

// CreatedAt returns when the session was first issued.
func (s *Session) CreatedAt() time.Time {
	return s.record.CreatedAt
}

// ExpiresAt returns the absolute expiry of the session.
func (s *Session) ExpiresAt() time.Time {
	return s.record.ExpiresAt
}
