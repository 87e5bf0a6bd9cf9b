package quotes

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/rbac"
	"github.com/tourdesk/tourdesk/internal/shared"
)

// Handler exposes quote endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers quote routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequirePermission(rbac.PermQuoteDuplicate, rbac.FromURLParam("clientID", rbac.ScopeClient))).
		Post("/clients/{clientID}/quotes/{quoteID}/duplicate", h.duplicate)
}

func (h *Handler) duplicate(w http.ResponseWriter, r *http.Request) {
	subject, ok := rbac.SubjectFromContext(r.Context())
	if !ok {
		httpx.Unauthenticated(w)
		return
	}
	quoteID, err := strconv.ParseInt(chi.URLParam(r, "quoteID"), 10, 64)
	if err != nil || quoteID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid quote id", "")
		return
	}
	clientID := chi.URLParam(r, "clientID")
	quote, err := h.service.Duplicate(r.Context(), subject, clientID, quoteID, r.Header.Get(shared.IdempotencyHeader))
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusCreated, quote)
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Quote not found", "")
	case errors.Is(err, shared.ErrIdempotencyKeyInvalid):
		httpx.Problem(w, http.StatusBadRequest, "Invalid idempotency key", "")
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Request already processed", "")
	default:
		h.logger.Error("duplicate quote failed", slog.Any("error", err), slog.String("client_id", clientID), slog.Int64("quote_id", quoteID))
		httpx.Problem(w, http.StatusInternalServerError, "Unable to duplicate quote", "")
	}
}
