package rbac

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/internal/observability"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/shared"
)

// ContextExtractor derives the organizational attributes of the resource a
// request targets. It must be a pure function of the request.
type ContextExtractor func(r *http.Request) OrgAttributes

// FromURLParam extracts one scope dimension from a chi URL parameter.
func FromURLParam(param string, kind ScopeKind) ContextExtractor {
	return func(r *http.Request) OrgAttributes {
		return attributesFor(kind, chi.URLParam(r, param))
	}
}

// FromQuery extracts one scope dimension from a query string parameter.
func FromQuery(param string, kind ScopeKind) ContextExtractor {
	return func(r *http.Request) OrgAttributes {
		return attributesFor(kind, r.URL.Query().Get(param))
	}
}

func attributesFor(kind ScopeKind, value string) OrgAttributes {
	value = strings.TrimSpace(value)
	switch kind {
	case ScopeOrganization:
		return OrgAttributes{OrganizationID: value}
	case ScopeClient:
		return OrgAttributes{ClientID: value}
	case ScopeDepartment:
		return OrgAttributes{DepartmentID: value}
	}
	return OrgAttributes{}
}

var defaultScopeParams = map[ScopeKind]string{
	ScopeOrganization: "organizationID",
	ScopeClient:       "clientID",
	ScopeDepartment:   "departmentID",
}

// Middleware wires RBAC authorization helpers for HTTP handlers. Every
// Require* helper assumes authentication already ran and answers 401 when no
// Subject is present.
type Middleware struct {
	Evaluator *Evaluator
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Audit     audit.Sink
}

// AuditContext attaches the request's audit.Context once a Subject is known. The
// context lives in the request's context.Context and ends with it on every
// exit path. Failing to build it never blocks the request.
func (m Middleware) AuditContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ac, err := buildAuditContext(r, subject)
		if err != nil {
			m.logger().Warn("audit context unavailable", slog.Any("error", err), slog.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(audit.WithContext(r.Context(), ac)))
	})
}

func buildAuditContext(r *http.Request, s Subject) (ac audit.Context, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rbac: build audit context: %v", rec)
		}
	}()
	ac = audit.Context{
		ActingUserID:   s.ID,
		ActingUsername: s.Username,
		ActingEmail:    s.Email,
		IP:             clientIP(r),
		Path:           r.URL.Path,
		Method:         r.Method,
		RequestID:      chimw.GetReqID(r.Context()),
		StartedAt:      time.Now().UTC(),
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		ac.SessionToken = sess.ID
	}
	if err := ac.Validate(); err != nil {
		return audit.Context{}, err
	}
	return ac, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireRoleLevel admits subjects whose role level is at least min.
func (m Middleware) RequireRoleLevel(min int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				m.unauthenticated(w, r)
				return
			}
			if m.Evaluator.HasMinimumLevel(subject, min) {
				next.ServeHTTP(w, r)
				return
			}
			// Unknown or inactive roles report level 0; the pointer keeps it in the body.
			current, _ := m.Evaluator.LevelOf(subject)
			m.deny(w, r, httpx.Denial{
				Error:    "Insufficient role level",
				Code:     httpx.CodeInsufficientRole,
				Required: min,
				Current:  &current,
			})
		})
	}
}

// RequirePermission admits subjects granted the permission. When extract is
// non-nil the targeted resource must also fall inside the subject's scope.
func (m Middleware) RequirePermission(name string, extract ContextExtractor) func(http.Handler) http.Handler {
	name = strings.TrimSpace(strings.ToLower(name))
	if !m.Evaluator.Permissions().Exists(name) {
		m.logger().Error("rbac: route requires undeclared permission", slog.String("permission", name))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				m.unauthenticated(w, r)
				return
			}
			var target *OrgAttributes
			if extract != nil {
				attrs := extract(r)
				target = &attrs
			}
			if m.Evaluator.HasPermission(subject, name, target) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, httpx.Denial{
				Error:    "Insufficient permission",
				Code:     httpx.CodeInsufficientPermission,
				Required: name,
			})
		})
	}
}

// RequireOrganizationScope enforces tenant isolation on one dimension. A nil
// extract reads the conventional chi URL parameter for the kind.
func (m Middleware) RequireOrganizationScope(kind ScopeKind, extract ContextExtractor) func(http.Handler) http.Handler {
	if extract == nil {
		extract = FromURLParam(defaultScopeParams[kind], kind)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				m.unauthenticated(w, r)
				return
			}
			if m.Evaluator.HasOrganizationScope(subject, kind, extract(r)) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, httpx.Denial{
				Error:    "Resource outside your organization scope",
				Code:     httpx.CodeInsufficientScope,
				Required: string(kind),
			})
		})
	}
}

// RequireRole admits subjects holding one of the named roles exactly.
func (m Middleware) RequireRole(names ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := m.Evaluator.Roles().Get(name); !ok {
			m.logger().Error("rbac: route allows unknown role", slog.String("role", name))
			continue
		}
		allowed = append(allowed, name)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				m.unauthenticated(w, r)
				return
			}
			if m.Evaluator.HasRole(subject, allowed...) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, httpx.Denial{
				Error:    "Role not allowed",
				Code:     httpx.CodeRoleNotAllowed,
				Required: allowed,
				Current:  subject.Role,
			})
		})
	}
}

// RequireAny ensures the current subject holds at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				m.unauthenticated(w, r)
				return
			}
			for _, p := range normalized {
				if m.Evaluator.HasPermission(subject, p, nil) {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.deny(w, r, httpx.Denial{Error: "Insufficient permission", Code: httpx.CodeInsufficientPermission, Required: normalized})
		})
	}
}

// RequireAll ensures the current subject holds every listed permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				m.unauthenticated(w, r)
				return
			}
			for _, p := range normalized {
				if !m.Evaluator.HasPermission(subject, p, nil) {
					m.deny(w, r, httpx.Denial{Error: "Insufficient permission", Code: httpx.CodeInsufficientPermission, Required: p})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) unauthenticated(w http.ResponseWriter, r *http.Request) {
	m.logger().Info("authorization denied", slog.String("code", httpx.CodeUnauthenticated), slog.String("method", r.Method), slog.String("path", r.URL.Path))
	m.Metrics.RecordDenial(httpx.CodeUnauthenticated)
	httpx.Unauthenticated(w)
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, d httpx.Denial) {
	ctx := r.Context()
	m.logger().Warn("authorization denied",
		slog.String("code", d.Code),
		slog.Any("required", d.Required),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		audit.LogAttr(ctx))
	m.Metrics.RecordDenial(d.Code)
	if m.Audit != nil {
		entry := audit.NewEntry(ctx, audit.ActionDenied, "route", r.URL.Path)
		entry.Meta["code"] = d.Code
		entry.Meta["required"] = d.Required
		if err := m.Audit.Submit(ctx, entry); err != nil {
			m.logger().Error("submit denial audit", slog.Any("error", err), audit.LogAttr(ctx))
			m.Metrics.RecordAuditDropped()
		}
	}
	httpx.Deny(w, http.StatusForbidden, d)
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
