package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/tourdesk/tourdesk/internal/audit/http"
	"github.com/tourdesk/tourdesk/internal/auth"
	"github.com/tourdesk/tourdesk/internal/observability"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/quotes"
	"github.com/tourdesk/tourdesk/internal/rbac"
	"github.com/tourdesk/tourdesk/internal/roles"
	"github.com/tourdesk/tourdesk/internal/shared"
	"github.com/tourdesk/tourdesk/internal/users"
	"github.com/tourdesk/tourdesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	SessionMonitor *shared.SessionHealthMonitor
	CSRFGuard      *shared.CSRFGuard
	Authenticator  *auth.Authenticator
	RBACMiddleware rbac.Middleware

	AuthHandler        *auth.Handler
	RolesHandler       *roles.Handler
	UsersHandler       *users.Handler
	PermissionsHandler *rbac.PermissionsHandler
	AuditHandler       *audithttp.Handler
	QuotesHandler      *quotes.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with tourdesk defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	// Probes and scraping stay outside the session chain.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	var authenticate func(http.Handler) http.Handler
	if params.Authenticator != nil {
		authenticate = params.Authenticator.Middleware
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         params.Logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			SessionMonitor: params.SessionMonitor,
			CSRFGuard:      params.CSRFGuard,
			Authenticate:   authenticate,
			RBAC:           params.RBACMiddleware,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}

		r.Get("/session/health", params.SessionMonitor.HealthHandler)
		r.Get("/session/csrf-token", params.SessionMonitor.TokenHandler)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			subject, ok := rbac.SubjectFromContext(r.Context())
			if !ok {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			sess := shared.SessionFromContext(r.Context())
			body := map[string]any{
				"user":      map[string]any{"id": subject.ID, "username": subject.Username, "role": subject.Role},
				"csrfToken": sess.CSRFSecret(),
			}
			if flash := sess.PopFlash(); flash != nil {
				body["flash"] = flash
			}
			httpx.JSON(w, http.StatusOK, body)
		})

		if params.AuthHandler != nil {
			params.AuthHandler.MountRoutes(r)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
		if params.QuotesHandler != nil {
			params.QuotesHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.RBACMiddleware.RequireRoleLevel(rbac.LevelAdmin))
				params.JobHandler.MountRoutes(r)
			})
		}
	})

	return r
}
