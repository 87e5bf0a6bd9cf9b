package users

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/rbac"
	"github.com/tourdesk/tourdesk/internal/shared"
)

const maxPerPage = 100

// Handler manages user management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRoleLevel(rbac.LevelAdmin))
		r.Use(h.rbac.RequirePermission(rbac.PermUserView, nil))
		r.Get("/", h.listUsers)
	})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageParams(r, maxPerPage)
	paging := shared.NewPagination(page, perPage, 0)
	users, total, err := h.service.ListUsers(r.Context(), paging.PerPage, paging.Offset())
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Unable to list users", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"users":  users,
		"paging": shared.NewPagination(page, perPage, total),
	})
}
