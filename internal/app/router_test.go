package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tourdesk/tourdesk/internal/app"
	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/internal/auth"
	"github.com/tourdesk/tourdesk/internal/observability"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/quotes"
	"github.com/tourdesk/tourdesk/internal/rbac"
	"github.com/tourdesk/tourdesk/internal/shared"
	"github.com/tourdesk/tourdesk/internal/users"
	"github.com/tourdesk/tourdesk/jobs"
	_ "github.com/tourdesk/tourdesk/testing"
)

const password = "correct-pass"

var directory = map[int64]users.User{
	5: {ID: 5, Email: "dewi@tourdesk.test", Username: "dewi", Role: rbac.RoleClient, ClientID: "C1", IsActive: true},
	6: {ID: 6, Email: "rudi@tourdesk.test", Username: "rudi", Role: rbac.RoleClient, ClientID: "C2", IsActive: true},
	1: {ID: 1, Email: "ayu@tourdesk.test", Username: "ayu", Role: rbac.RoleAdmin, OrganizationID: "O1", IsActive: true},
}

type userRepo struct{}

func (userRepo) FindByID(ctx context.Context, id int64) (users.User, error) {
	u, ok := directory[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return u, nil
}

func (userRepo) ListUsers(ctx context.Context, limit, offset int) ([]users.User, error) {
	return []users.User{directory[1], directory[5], directory[6]}, nil
}

func (userRepo) CountUsers(ctx context.Context) (int, error) { return len(directory), nil }

type credentialRepo struct{ hash string }

func (c credentialRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	for _, u := range directory {
		if strings.EqualFold(u.Email, email) {
			return &auth.User{ID: u.ID, Email: u.Email, PasswordHash: c.hash, IsActive: true}, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (credentialRepo) CreateSession(ctx context.Context, s auth.LoginSession) error { return nil }
func (credentialRepo) DeleteSession(ctx context.Context, id string) error          { return nil }

type quoteRepo struct{}

func (quoteRepo) Duplicate(ctx context.Context, clientID string, quoteID, actorID int64) (quotes.Quote, error) {
	return quotes.Quote{ID: actorID*1000 + quoteID, ClientID: clientID, Status: quotes.StatusDraft, CreatedBy: actorID}, nil
}

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Submit(_ context.Context, e audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureSink) byAction(action string) []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Entry
	for _, e := range c.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type server struct {
	handler http.Handler
	sink    *captureSink
}

func newServer(t *testing.T) *server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &app.Config{
		AppEnv:                  "test",
		SessionSecret:           "session-secret",
		CSRFSecret:              "csrf-secret",
		SessionTTL:              time.Hour,
		SessionCookie:           "tourdesk_session",
		SessionWarningThreshold: 5 * time.Minute,
		SessionStoreRetries:     2,
		RateLimitPerMinute:      1000,
		AppRequestTimeout:       5 * time.Second,
	}
	require.NoError(t, cfg.Validate())

	sink := &captureSink{}
	metrics := observability.NewMetrics()
	guard := shared.NewCSRFGuard(cfg.CSRFSecret, nil, metrics)
	store := shared.NewRetryingStore(shared.NewRedisSessionStore(client, cfg.SessionTTL, guard.NewSecret), cfg.SessionStoreRetries, nil)
	sessions := shared.NewSessionManager(store, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, false)
	monitor := shared.NewSessionHealthMonitor(sessions, guard.NewSecret, cfg.SessionWarningThreshold, nil, metrics)

	roleCatalog, permCatalog := rbac.MustDefaultCatalogs()
	evaluator := rbac.NewEvaluator(roleCatalog, permCatalog)
	authz := rbac.Middleware{Evaluator: evaluator, Metrics: metrics, Audit: sink}
	grants := rbac.StaticGrants{
		rbac.RoleClient: {rbac.PermQuoteView, rbac.PermQuoteDuplicate},
		rbac.RoleAdmin:  {rbac.PermUserView, rbac.PermQuoteDuplicate, rbac.PermPermissionView},
	}

	userService := users.NewService(userRepo{})
	authService := auth.NewService(credentialRepo{hash: string(hash)})

	handler := app.NewRouter(app.RouterParams{
		Config:             cfg,
		SessionManager:     sessions,
		SessionMonitor:     monitor,
		CSRFGuard:          guard,
		Authenticator:      auth.NewAuthenticator(userService, grants, nil),
		RBACMiddleware:     authz,
		AuthHandler:        auth.NewHandler(nil, authService, sessions, sink),
		UsersHandler:       users.NewHandler(nil, userService, authz),
		PermissionsHandler: rbac.NewPermissionsHandler(nil, evaluator, authz),
		QuotesHandler:      quotes.NewHandler(nil, quotes.NewService(quoteRepo{}, nil, sink, nil), authz),
		JobHandler:         jobs.NewHandler(nil, nil),
		Metrics:            metrics,
	})
	return &server{handler: handler, sink: sink}
}

type client struct {
	t      *testing.T
	s      *server
	cookie *http.Cookie
	token  string
}

func (c *client) do(method, path string, form url.Values, withToken bool) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	if withToken && c.token != "" {
		req.Header.Set(shared.CSRFHeader, c.token)
	}
	rec := httptest.NewRecorder()
	c.s.handler.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "tourdesk_session" {
			c.cookie = ck
		}
	}
	return rec
}

func (c *client) readToken(rec *httptest.ResponseRecorder) {
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(c.t, body.CSRFToken)
	c.token = body.CSRFToken
}

func login(t *testing.T, s *server, email string) *client {
	t.Helper()
	c := &client{t: t, s: s}
	rec := c.do(http.MethodGet, "/login", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	c.readToken(rec)

	rec = c.do(http.MethodPost, "/auth/login", url.Values{"email": {email}, "password": {password}}, true)
	require.Equal(t, http.StatusFound, rec.Code)

	rec = c.do(http.MethodGet, "/", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	c.readToken(rec)
	return c
}

func denialCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var d httpx.Denial
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	return d.Code
}

func TestProbesBypassSessionChain(t *testing.T) {
	s := newServer(t)
	c := &client{t: t, s: s}

	rec := c.do(http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, c.cookie)

	rec = c.do(http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, c.cookie)
}

func TestAnonymousVisitor(t *testing.T) {
	s := newServer(t)
	c := &client{t: t, s: s}

	rec := c.do(http.MethodGet, "/", nil, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.Equal(t, "true", rec.Header().Get(shared.HeaderCSRFProtected))

	rec = c.do(http.MethodGet, "/permissions/mine", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, httpx.CodeUnauthenticated, denialCode(t, rec))
}

func TestDuplicateQuoteEndToEnd(t *testing.T) {
	s := newServer(t)
	dewi := login(t, s, "dewi@tourdesk.test")

	rec := dewi.do(http.MethodPost, "/clients/C1/quotes/3/duplicate", nil, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = dewi.do(http.MethodPost, "/clients/C2/quotes/3/duplicate", nil, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httpx.CodeInsufficientPermission, denialCode(t, rec))

	rec = dewi.do(http.MethodPost, "/clients/C1/quotes/3/duplicate", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httpx.CodeTokenMissing, denialCode(t, rec))

	dup := s.sink.byAction(audit.ActionDuplicate)
	require.Len(t, dup, 1)
	assert.EqualValues(t, 5, dup[0].ActorID)
	assert.Equal(t, "5003", dup[0].EntityID)

	denied := s.sink.byAction(audit.ActionDenied)
	require.Len(t, denied, 1)
	assert.EqualValues(t, 5, denied[0].ActorID)
	assert.Equal(t, "/clients/C2/quotes/3/duplicate", denied[0].EntityID)
}

func TestRoleGates(t *testing.T) {
	s := newServer(t)
	dewi := login(t, s, "dewi@tourdesk.test")
	ayu := login(t, s, "ayu@tourdesk.test")

	rec := dewi.do(http.MethodGet, "/users/", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httpx.CodeInsufficientRole, denialCode(t, rec))

	rec = ayu.do(http.MethodGet, "/users/", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = dewi.do(http.MethodGet, "/jobs/health", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ayu.do(http.MethodGet, "/jobs/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Admins skip scope checks, not grants.
	rec = ayu.do(http.MethodPost, "/clients/C9/quotes/4/duplicate", nil, true)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestConcurrentUsersKeepTheirOwnAuditContext(t *testing.T) {
	s := newServer(t)
	clients := map[int64]*client{
		5: login(t, s, "dewi@tourdesk.test"),
		6: login(t, s, "rudi@tourdesk.test"),
	}
	clientIDs := map[int64]string{5: "C1", 6: "C2"}

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		actor := int64(5 + i%2)
		wg.Add(1)
		go func(actor int64, quoteID int) {
			defer wg.Done()
			c := clients[actor]
			req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/clients/%s/quotes/%d/duplicate", clientIDs[actor], quoteID), nil)
			req.AddCookie(c.cookie)
			req.Header.Set(shared.CSRFHeader, c.token)
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusCreated, rec.Code)
		}(actor, i)
	}
	wg.Wait()

	dup := s.sink.byAction(audit.ActionDuplicate)
	require.Len(t, dup, 20)
	for _, e := range dup {
		id, err := strconv.ParseInt(e.EntityID, 10, 64)
		require.NoError(t, err)
		assert.Equal(t, id/1000, e.ActorID, "entry %s attributed to the wrong user", e.EntityID)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("SESSION_SECRET", "same")
	t.Setenv("CSRF_SECRET", "same")
	_, err := app.LoadConfig()
	require.Error(t, err)

	t.Setenv("CSRF_SECRET", "different")
	cfg, err := app.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "tourdesk_session", cfg.SessionCookie)
	assert.Equal(t, cfg.PGDSN, cfg.ElevatedDSN())
	assert.False(t, cfg.IsProduction())
}
