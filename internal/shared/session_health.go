package shared

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tourdesk/tourdesk/internal/observability"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
)

// SessionState classifies a session for the health monitor.
type SessionState string

const (
	SessionUninitialized  SessionState = "uninitialized"
	SessionHealthy        SessionState = "healthy"
	SessionRecoverable    SessionState = "recoverable"
	SessionNearExpiration SessionState = "near_expiration"
	SessionExpired        SessionState = "expired"
)

// Response headers describing the session state.
const (
	HeaderSessionExists  = "X-Session-Exists"
	HeaderCSRFProtected  = "X-CSRF-Protected"
	HeaderSessionWarning = "X-Session-Warning"
)

// SessionHealth is a read-only snapshot of a session.
type SessionHealth struct {
	State           SessionState `json:"state"`
	SessionExists   bool         `json:"sessionExists"`
	CSRFProtected   bool         `json:"csrfProtected"`
	Healthy         bool         `json:"healthy"`
	NearExpiration  bool         `json:"nearExpiration"`
	SessionID       string       `json:"sessionId,omitempty"`
	ExpiresAt       *time.Time   `json:"expiresAt,omitempty"`
	ExpiresInSecond int64        `json:"expiresInSeconds,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
}

// SessionHealthMonitor inspects sessions and repairs missing CSRF secrets
// on safe requests.
type SessionHealthMonitor struct {
	sessions *SessionManager
	secrets  SecretFunc
	warning  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewSessionHealthMonitor constructs a SessionHealthMonitor. Sessions expiring
// within warning are reported as near expiration.
func NewSessionHealthMonitor(sessions *SessionManager, secrets SecretFunc, warning time.Duration, logger *slog.Logger, metrics *observability.Metrics) *SessionHealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHealthMonitor{
		sessions: sessions,
		secrets:  secrets,
		warning:  warning,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Inspect classifies sess without modifying it.
func (m *SessionHealthMonitor) Inspect(sess *Session) SessionHealth {
	now := m.now().UTC()
	h := SessionHealth{
		SessionExists: sess.Exists(),
		CSRFProtected: sess.HasCSRFSecret(),
		Timestamp:     now,
	}
	switch {
	case sess == nil:
		h.State = SessionUninitialized
		return h
	case sess.Expired() && !sess.Exists():
		h.State = SessionExpired
		return h
	case !sess.Exists():
		h.State = SessionUninitialized
		return h
	}
	// The bare id is useless without the signed cookie.
	h.SessionID = sess.ID
	expiresAt := sess.ExpiresAt()
	h.ExpiresAt = &expiresAt
	remaining := expiresAt.Sub(now)
	if remaining > 0 {
		h.ExpiresInSecond = int64(remaining / time.Second)
	}
	h.NearExpiration = remaining < m.warning
	switch {
	case !h.CSRFProtected:
		h.State = SessionRecoverable
	case h.NearExpiration:
		h.State = SessionNearExpiration
	default:
		h.State = SessionHealthy
	}
	h.Healthy = h.CSRFProtected
	return h
}

// Repair ensures sess carries a CSRF secret. Concurrent repairs of the same
// stored session converge on one secret.
func (m *SessionHealthMonitor) Repair(ctx context.Context, sess *Session) error {
	if sess.HasCSRFSecret() {
		return nil
	}
	issued, err := m.sessions.EnsureCSRFSecret(ctx, sess, m.secrets)
	if err != nil {
		m.metrics.RecordSessionRepair("failed")
		return err
	}
	outcome := "converged"
	if issued {
		outcome = "issued"
	}
	m.metrics.RecordSessionRepair(outcome)
	m.logger.Debug("session csrf secret ensured", slog.String("outcome", outcome))
	return nil
}

// Middleware repairs sessions on safe requests and annotates every response
// with the session state headers. Mutating requests are never repaired.
func (m *SessionHealthMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := SessionFromContext(r.Context())
		if sess != nil && isSafeMethod(r.Method) {
			if err := m.Repair(r.Context(), sess); err != nil {
				m.logger.Error("session repair failed", slog.Any("error", err), slog.String("path", r.URL.Path))
				if errors.Is(err, ErrSessionStoreUnavailable) {
					WriteStoreUnavailable(w)
					return
				}
			}
		}
		health := m.Inspect(sess)
		w.Header().Set(HeaderSessionExists, strconv.FormatBool(health.SessionExists))
		w.Header().Set(HeaderCSRFProtected, strconv.FormatBool(health.CSRFProtected))
		if health.NearExpiration {
			w.Header().Set(HeaderSessionWarning, "near-expiration")
		}
		next.ServeHTTP(w, r)
	})
}

// HealthHandler reports the current session state as JSON.
func (m *SessionHealthMonitor) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, m.Inspect(SessionFromContext(r.Context())))
}

// TokenHandler repairs the session if needed and returns its CSRF token.
func (m *SessionHealthMonitor) TokenHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		WriteStoreUnavailable(w)
		return
	}
	if err := m.Repair(r.Context(), sess); err != nil {
		m.logger.Error("csrf token repair failed", slog.Any("error", err))
		WriteStoreUnavailable(w)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, map[string]string{"csrfToken": sess.CSRFSecret()})
}

// WriteStoreUnavailable writes the 503 denial used when session storage fails.
func WriteStoreUnavailable(w http.ResponseWriter) {
	httpx.Deny(w, http.StatusServiceUnavailable, httpx.Denial{
		Error:          "Session storage unavailable",
		Code:           httpx.CodeSessionStoreUnavailable,
		RecoveryAction: httpx.RecoveryRefreshPage,
	})
}
