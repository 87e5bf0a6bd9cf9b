package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/rbac"
	"github.com/tourdesk/tourdesk/internal/shared"
	"github.com/tourdesk/tourdesk/internal/users"
)

// UserDirectory resolves active users by id.
type UserDirectory interface {
	Resolve(ctx context.Context, id int64) (users.User, error)
}

// Authenticator turns the session's user binding into an rbac.Subject.
type Authenticator struct {
	directory UserDirectory
	grants    rbac.GrantSource
	logger    *slog.Logger
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(directory UserDirectory, grants rbac.GrantSource, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{directory: directory, grants: grants, logger: logger}
}

// Subject builds the Subject for the given user id.
func (a *Authenticator) Subject(ctx context.Context, id int64) (rbac.Subject, error) {
	user, err := a.directory.Resolve(ctx, id)
	if err != nil {
		return rbac.Subject{}, err
	}
	perms, err := a.grants.PermissionsForRole(ctx, user.Role)
	if err != nil {
		return rbac.Subject{}, errors.Join(users.ErrDirectoryUnavailable, err)
	}
	org := rbac.OrgAttributes{
		OrganizationID: user.OrganizationID,
		ClientID:       user.ClientID,
		DepartmentID:   user.DepartmentID,
	}
	return rbac.NewSubject(user.ID, user.Username, user.Email, user.Role, org, perms), nil
}

// Middleware attaches the Subject of a signed-in session to the request.
// Requests without a resolvable user continue anonymously and are rejected
// by whichever authorization check guards the route.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil || sess.User() == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(sess.User(), 10, 64)
		if err != nil {
			a.logger.Warn("session bound to malformed user id", slog.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}
		subject, err := a.Subject(r.Context(), id)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(rbac.ContextWithSubject(r.Context(), subject)))
		case errors.Is(err, users.ErrNotFound):
			next.ServeHTTP(w, r)
		default:
			a.logger.Error("resolve subject failed", slog.Any("error", err), slog.Int64("user_id", id))
			httpx.Deny(w, http.StatusServiceUnavailable, httpx.Denial{
				Error: "User directory unavailable",
				Code:  httpx.CodeDirectoryUnavailable,
			})
		}
	})
}
