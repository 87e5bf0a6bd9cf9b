package roles

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/rbac"
)

// Handler manages role management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	catalog *rbac.RoleCatalog
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, catalog *rbac.RoleCatalog, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, catalog: catalog, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermRoleView, nil))
		r.Get("/", h.listRoles)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(rbac.RoleSuperadmin))
		r.Use(h.rbac.RequirePermission(rbac.PermRoleManage, nil))
		r.Post("/{name}/deactivate", h.deactivateRole)
	})
}

type roleView struct {
	Name          string `json:"name"`
	Level         int    `json:"level"`
	DisplayName   string `json:"displayName"`
	IsSystemRole  bool   `json:"isSystemRole"`
	Active        bool   `json:"active"`
	PendingChange bool   `json:"pendingChange,omitempty"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	persisted, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Unable to list roles", "")
		return
	}
	stored := make(map[string]bool, len(persisted))
	for _, p := range persisted {
		stored[p.Name] = p.Active
	}
	views := make([]roleView, 0, len(persisted))
	for _, role := range h.catalog.Roles() {
		v := roleView{Name: role.Name, Level: role.Level, DisplayName: role.DisplayName, IsSystemRole: role.IsSystemRole, Active: role.Active}
		if flag, ok := stored[role.Name]; ok && flag != role.Active {
			v.PendingChange = true
		}
		views = append(views, v)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"version": rbac.CatalogVersion, "roles": views})
}

func (h *Handler) deactivateRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.service.Deactivate(r.Context(), h.catalog, name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Role not found", name)
	case errors.Is(err, ErrSystemRole):
		httpx.Problem(w, http.StatusConflict, "System roles cannot be deactivated", name)
	default:
		h.logger.Error("deactivate role failed", slog.Any("error", err), slog.String("role", name))
		httpx.Problem(w, http.StatusInternalServerError, "Unable to deactivate role", "")
	}
}
