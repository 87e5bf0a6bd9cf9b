package rbac

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/tourdesk/tourdesk/internal/platform/httpx"
)

// PermissionsHandler exposes the permission catalog.
type PermissionsHandler struct {
	logger    *slog.Logger
	evaluator *Evaluator
	rbac      Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, evaluator *Evaluator, rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, evaluator: evaluator, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	// Role administrators review the catalog alongside permission auditors.
	r.With(h.rbac.RequireAny(PermPermissionView, PermRoleView)).Get("/", h.listPermissions)
	r.Get("/mine", h.listMine)
}

type permissionView struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Granted     bool   `json:"granted"`
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	perms := h.evaluator.Permissions().Permissions()
	views := make([]permissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, permissionView{
			Name:        p.Name,
			Resource:    p.Resource,
			Action:      p.Action,
			Description: p.Description,
			Granted:     h.evaluator.HasPermission(subject, p.Name, nil),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"version": CatalogVersion, "permissions": views})
}

func (h *PermissionsHandler) listMine(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		httpx.Unauthenticated(w)
		return
	}
	granted := make([]string, 0, len(subject.Permissions))
	for _, name := range subject.GrantedList() {
		if h.evaluator.HasPermission(subject, name, nil) {
			granted = append(granted, name)
		}
	}
	sort.Strings(granted)
	level, _ := h.evaluator.LevelOf(subject)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role":        subject.Role,
		"level":       level,
		"permissions": granted,
	})
}
