package shared_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/shared"
)

const (
	testCookie       = "tourdesk_session"
	testCookieSecret = "cookie-secret"
)

type sessionHarness struct {
	mr       *miniredis.Miniredis
	store    *shared.RedisSessionStore
	sessions *shared.SessionManager
	monitor  *shared.SessionHealthMonitor
	handler  http.Handler
}

func newSessionHarness(t *testing.T, warning time.Duration) *sessionHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	guard := shared.NewCSRFGuard("csrf-secret", nil, nil)
	store := shared.NewRedisSessionStore(client, time.Hour, guard.NewSecret)
	sessions := shared.NewSessionManager(shared.NewRetryingStore(store, 2, nil), testCookie, testCookieSecret, time.Hour, false)
	monitor := shared.NewSessionHealthMonitor(sessions, guard.NewSecret, warning, nil, nil)

	return &sessionHarness{
		mr:       mr,
		store:    store,
		sessions: sessions,
		monitor:  monitor,
		handler:  buildSessionRouter(t, sessions, monitor, guard),
	}
}

func buildSessionRouter(t *testing.T, sessions *shared.SessionManager, monitor *shared.SessionHealthMonitor, guard *shared.CSRFGuard) http.Handler {
	r := chi.NewRouter()
	r.Use(sessions.Middleware(nil))
	r.Use(monitor.Middleware)
	r.Use(guard.Middleware)
	r.Get("/session/health", monitor.HealthHandler)
	r.Get("/session/csrf-token", monitor.TokenHandler)
	r.Get("/form", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"csrfToken": shared.SessionFromContext(r.Context()).CSRFSecret()})
	})
	r.Post("/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		if !assert.NoError(t, sessions.Regenerate(r.Context(), sess)) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sess.SetUser("7")
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (h *sessionHarness) do(t *testing.T, method, path string, cookie *http.Cookie, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if token != "" {
		req.Header.Set(shared.CSRFHeader, token)
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

// visit performs a GET on the form page and returns the session cookie and CSRF token.
func (h *sessionHarness) visit(t *testing.T, cookie *http.Cookie) (*http.Cookie, string) {
	t.Helper()
	res := h.do(t, http.MethodGet, "/form", cookie, "")
	require.Equal(t, http.StatusOK, res.Code)
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.NotEmpty(t, body.CSRFToken)
	if c := sessionCookie(res); c != nil {
		cookie = c
	}
	require.NotNil(t, cookie)
	return cookie, body.CSRFToken
}

// stripSecret simulates a store restart that lost the CSRF secret.
func (h *sessionHarness) stripSecret(t *testing.T, cookie *http.Cookie) {
	t.Helper()
	rec, err := h.store.Load(context.Background(), sessionID(cookie))
	require.NoError(t, err)
	rec.CSRFSecret = ""
	require.NoError(t, h.store.Save(context.Background(), rec))
}

func sessionCookie(res *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range res.Result().Cookies() {
		if c.Name == testCookie {
			return c
		}
	}
	return nil
}

func sessionID(c *http.Cookie) string {
	id, _, _ := strings.Cut(c.Value, ".")
	return id
}

func decodeDenial(t *testing.T, res *httptest.ResponseRecorder) httpx.Denial {
	t.Helper()
	var d httpx.Denial
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &d))
	return d
}

func TestFirstGetCreatesProtectedSession(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)

	res := h.do(t, http.MethodGet, "/form", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "true", res.Header().Get(shared.HeaderSessionExists))
	assert.Equal(t, "true", res.Header().Get(shared.HeaderCSRFProtected))
	assert.Empty(t, res.Header().Get(shared.HeaderSessionWarning))

	cookie := sessionCookie(res)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	rec, err := h.store.Load(context.Background(), sessionID(cookie))
	require.NoError(t, err)
	assert.True(t, rec.HasCSRFSecret())
}

func TestMutatingRequestWithoutSessionIsRejected(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)

	res := h.do(t, http.MethodPost, "/submit", nil, "")
	require.Equal(t, http.StatusForbidden, res.Code)
	d := decodeDenial(t, res)
	assert.False(t, d.Success)
	assert.Equal(t, httpx.CodeTokenMissing, d.Code)
	assert.Equal(t, httpx.RecoveryRefreshPage, d.RecoveryAction)
	assert.Nil(t, sessionCookie(res), "a rejected mutation must not mint a session")
}

func TestRecoverableSessionIsRepairedOnlyBySafeRequests(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	cookie, staleToken := h.visit(t, nil)
	h.stripSecret(t, cookie)

	// Mutations never repair. Without a token the answer is TOKEN_MISSING; the
	// stale token matches no secret and is TOKEN_INVALID.
	res := h.do(t, http.MethodPost, "/submit", cookie, "")
	require.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, httpx.CodeTokenMissing, decodeDenial(t, res).Code)
	assert.Equal(t, "false", res.Header().Get(shared.HeaderCSRFProtected))

	res = h.do(t, http.MethodPost, "/submit", cookie, staleToken)
	require.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, httpx.CodeTokenInvalid, decodeDenial(t, res).Code)

	rec, err := h.store.Load(context.Background(), sessionID(cookie))
	require.NoError(t, err)
	assert.False(t, rec.HasCSRFSecret())

	// The next GET repairs the same session in place.
	res = h.do(t, http.MethodGet, "/session/health", cookie, "")
	require.Equal(t, http.StatusOK, res.Code)
	var health shared.SessionHealth
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &health))
	assert.True(t, health.Healthy)
	assert.True(t, health.CSRFProtected)
	assert.Equal(t, shared.SessionHealthy, health.State)
	assert.Equal(t, sessionID(cookie), health.SessionID)

	_, token := h.visit(t, cookie)
	assert.NotEqual(t, staleToken, token)

	res = h.do(t, http.MethodPost, "/submit", cookie, token)
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestExplicitRepairEndpointReturnsToken(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	cookie, _ := h.visit(t, nil)
	h.stripSecret(t, cookie)

	res := h.do(t, http.MethodGet, "/session/csrf-token", cookie, "")
	require.Equal(t, http.StatusOK, res.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.NotEmpty(t, body["csrfToken"])

	res = h.do(t, http.MethodPost, "/submit", cookie, body["csrfToken"])
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestTokenFromAnotherSessionIsInvalid(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	_, tokenS1 := h.visit(t, nil)
	cookieS2, _ := h.visit(t, nil)

	res := h.do(t, http.MethodPost, "/submit", cookieS2, tokenS1)
	require.Equal(t, http.StatusForbidden, res.Code)
	d := decodeDenial(t, res)
	assert.Equal(t, httpx.CodeTokenInvalid, d.Code)
	assert.Equal(t, httpx.RecoveryRefreshPage, d.RecoveryAction)
}

func TestRegenerationInvalidatesOldIDAndToken(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	oldCookie, oldToken := h.visit(t, nil)

	res := h.do(t, http.MethodPost, "/login", oldCookie, oldToken)
	require.Equal(t, http.StatusNoContent, res.Code)
	newCookie := sessionCookie(res)
	require.NotNil(t, newCookie)
	require.NotEqual(t, sessionID(oldCookie), sessionID(newCookie))

	_, err := h.store.Load(context.Background(), sessionID(oldCookie))
	require.ErrorIs(t, err, shared.ErrSessionNotFound)

	rec, err := h.store.Load(context.Background(), sessionID(newCookie))
	require.NoError(t, err)
	assert.Equal(t, "7", rec.UserID)
	assert.True(t, rec.HasCSRFSecret())

	// Replaying the pre-login token against the new session fails.
	res = h.do(t, http.MethodPost, "/submit", newCookie, oldToken)
	require.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, httpx.CodeTokenInvalid, decodeDenial(t, res).Code)

	// The old cookie names a session that no longer exists.
	res = h.do(t, http.MethodPost, "/submit", oldCookie, oldToken)
	require.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, httpx.CodeTokenInvalid, decodeDenial(t, res).Code)
	assert.Equal(t, "false", res.Header().Get(shared.HeaderSessionExists))
}

func TestConcurrentRepairsConvergeOnOneSecret(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	cookie, _ := h.visit(t, nil)
	h.stripSecret(t, cookie)

	const requests = 6
	tokens := make([]string, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := h.do(t, http.MethodGet, "/session/csrf-token", cookie, "")
			if !assert.Equal(t, http.StatusOK, res.Code) {
				return
			}
			var body map[string]string
			if assert.NoError(t, json.Unmarshal(res.Body.Bytes(), &body)) {
				tokens[i] = body["csrfToken"]
			}
		}(i)
	}
	wg.Wait()

	rec, err := h.store.Load(context.Background(), sessionID(cookie))
	require.NoError(t, err)
	for _, token := range tokens {
		assert.Equal(t, rec.CSRFSecret, token)
	}
}

func TestNearExpirationWarningHeader(t *testing.T) {
	h := newSessionHarness(t, 2*time.Hour)

	res := h.do(t, http.MethodGet, "/form", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "near-expiration", res.Header().Get(shared.HeaderSessionWarning))

	res = h.do(t, http.MethodGet, "/session/health", sessionCookie(res), "")
	var health shared.SessionHealth
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &health))
	assert.True(t, health.NearExpiration)
	assert.Equal(t, shared.SessionNearExpiration, health.State)
}

func TestForgedCookieIsTreatedAsExpired(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	cookie, _ := h.visit(t, nil)
	forged := &http.Cookie{Name: testCookie, Value: sessionID(cookie) + ".bogus"}

	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(forged)
	sess, err := h.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, sess.Expired())
	assert.NotEqual(t, sessionID(cookie), sess.ID)
	assert.Equal(t, shared.SessionExpired, h.monitor.Inspect(sess).State)
}

func TestInspectClassifiesWithoutMutating(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)

	assert.Equal(t, shared.SessionUninitialized, h.monitor.Inspect(nil).State)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := h.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	health := h.monitor.Inspect(sess)
	assert.Equal(t, shared.SessionUninitialized, health.State)
	assert.False(t, health.Healthy)
	assert.False(t, sess.HasCSRFSecret())
}

// vanishingStore loses every session between load and repair.
type vanishingStore struct{ *shared.RedisSessionStore }

func (vanishingStore) EnsureCSRFSecret(context.Context, string, string) (string, error) {
	return "", shared.ErrSessionNotFound
}

func TestRepairOfVanishedSessionPersistsReplacement(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	cookie, _ := h.visit(t, nil)
	h.stripSecret(t, cookie)

	guard := shared.NewCSRFGuard("csrf-secret", nil, nil)
	sessions := shared.NewSessionManager(vanishingStore{h.store}, testCookie, testCookieSecret, time.Hour, false)
	monitor := shared.NewSessionHealthMonitor(sessions, guard.NewSecret, 10*time.Minute, nil, nil)
	handler := buildSessionRouter(t, sessions, monitor, guard)

	req := httptest.NewRequest(http.MethodGet, "/session/csrf-token", nil)
	req.AddCookie(cookie)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "true", res.Header().Get(shared.HeaderSessionExists))
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.NotEmpty(t, body["csrfToken"])

	replacement := sessionCookie(res)
	require.NotNil(t, replacement, "the replacement session must reach the client")
	assert.NotEqual(t, sessionID(cookie), sessionID(replacement))

	stored, err := h.store.Load(context.Background(), sessionID(replacement))
	require.NoError(t, err)
	assert.Equal(t, body["csrfToken"], stored.CSRFSecret)

	res = h.do(t, http.MethodPost, "/submit", replacement, body["csrfToken"])
	assert.Equal(t, http.StatusNoContent, res.Code)
}

type downStore struct{ shared.SessionStore }

func (downStore) Load(context.Context, string) (*shared.SessionRecord, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestStoreOutageSurfacesServiceUnavailable(t *testing.T) {
	h := newSessionHarness(t, 10*time.Minute)
	cookie, _ := h.visit(t, nil)

	guard := shared.NewCSRFGuard("csrf-secret", nil, nil)
	broken := shared.NewSessionManager(shared.NewRetryingStore(downStore{}, 1, nil), testCookie, testCookieSecret, time.Hour, false)
	monitor := shared.NewSessionHealthMonitor(broken, guard.NewSecret, 10*time.Minute, nil, nil)
	handler := buildSessionRouter(t, broken, monitor, guard)

	req := httptest.NewRequest(http.MethodGet, "/form", nil)
	req.AddCookie(cookie)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	assert.Equal(t, httpx.CodeSessionStoreUnavailable, decodeDenial(t, res).Code)
}
