package shared

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tourdesk/tourdesk/internal/observability"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
)

const (
	// CSRFFormField is the form field name carrying the CSRF token.
	CSRFFormField = "csrf_token"
	// CSRFHeader is the request header carrying the CSRF token.
	CSRFHeader = "X-CSRF-Token"
)

// CSRFGuard issues CSRF secrets and rejects mutating requests whose token
// does not match the current session's secret.
type CSRFGuard struct {
	secret  []byte
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCSRFGuard returns a CSRFGuard using the provided secret key.
func NewCSRFGuard(secret string, logger *slog.Logger, metrics *observability.Metrics) *CSRFGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSRFGuard{secret: []byte(secret), logger: logger, metrics: metrics}
}

// NewSecret generates a CSRF secret bound to sessionID. It satisfies SecretFunc.
func (g *CSRFGuard) NewSecret(sessionID string) string {
	mac := hmac.New(sha256.New, g.secret)
	_, _ = mac.Write([]byte(sessionID))
	_, _ = mac.Write([]byte{'|'})
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		binary.BigEndian.PutUint64(nonce, uint64(time.Now().UnixNano()))
	}
	_, _ = mac.Write(nonce)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify compares the supplied token with the session's current secret. A
// token presented to a session without a secret belongs to some other
// session and is invalid, not missing.
func (g *CSRFGuard) Verify(sess *Session, token string) error {
	if token == "" {
		return ErrCSRFTokenMissing
	}
	expected := sess.CSRFSecret()
	if expected == "" {
		return ErrCSRFTokenInvalid
	}
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return ErrCSRFTokenInvalid
	}
	return nil
}

// TokenFromRequest reads the token from the header, falling back to the form field.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(CSRFHeader); token != "" {
		return token
	}
	return r.PostFormValue(CSRFFormField)
}

// Middleware enforces the CSRF check on every non-safe method.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		sess := SessionFromContext(r.Context())
		err := g.Verify(sess, TokenFromRequest(r))
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}
		d := httpx.Denial{
			Error:          "CSRF token missing",
			Code:           httpx.CodeTokenMissing,
			RecoveryAction: httpx.RecoveryRefreshPage,
		}
		if errors.Is(err, ErrCSRFTokenInvalid) {
			d.Error = "CSRF token invalid"
			d.Code = httpx.CodeTokenInvalid
		}
		g.logger.Warn("csrf validation failed",
			slog.String("code", d.Code),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Bool("session_exists", sess.Exists()))
		g.metrics.RecordDenial(d.Code)
		httpx.Deny(w, http.StatusForbidden, d)
	})
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
