package audithttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/rbac"
)

const (
	dateLayout       = "2006-01-02"
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler menangani permintaan audit timeline.
type Handler struct {
	logger   *slog.Logger
	service  TimelineService
	rbac     rbac.Middleware
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service TimelineService, authz rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		rbac:     authz,
		validate: validator.New(),
		now:      time.Now,
	}
}

// timelineParams mirrors the accepted query string.
type timelineParams struct {
	From        string `validate:"omitempty,datetime=2006-01-02"`
	To          string `validate:"omitempty,datetime=2006-01-02"`
	Actor       string `validate:"omitempty,max=254"`
	Entity      string `validate:"omitempty,max=64"`
	Action      string `validate:"omitempty,max=32,printascii"`
	RequestID   string `validate:"omitempty,max=128"`
	Attribution string `validate:"omitempty,oneof=human system"`
	Page        int    `validate:"gte=0"`
	PageSize    int    `validate:"gte=0"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, ok := h.filters(w, r)
	if !ok {
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.serverError(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"filters": map[string]any{
			"from":        filters.From.Format(dateLayout),
			"to":          filters.To.Format(dateLayout),
			"actor":       filters.Actor,
			"entity":      filters.Entity,
			"action":      filters.Action,
			"requestId":   filters.RequestID,
			"attribution": filters.Attribution,
		},
		"rows":   result.Rows,
		"paging": result.Paging,
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, ok := h.filters(w, r)
	if !ok {
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.serverError(w, "export audit timeline", err)
		return
	}
	body, err := audit.WriteCSV(rows)
	if err != nil {
		h.serverError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-timeline.csv"`)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// filters parses and validates the query string, answering 400 itself when
// the input is rejected.
func (h *Handler) filters(w http.ResponseWriter, r *http.Request) (audit.TimelineFilters, bool) {
	q := r.URL.Query()
	params := timelineParams{
		From:        q.Get("from"),
		To:          q.Get("to"),
		Actor:       q.Get("actor"),
		Entity:      q.Get("entity"),
		Action:      q.Get("action"),
		RequestID:   q.Get("request_id"),
		Attribution: q.Get("attribution"),
	}
	var err error
	if params.Page, err = atoiOrZero(q.Get("page")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid filter", "page")
		return audit.TimelineFilters{}, false
	}
	if params.PageSize, err = atoiOrZero(q.Get("page_size")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid filter", "page_size")
		return audit.TimelineFilters{}, false
	}
	if err := h.validate.Struct(params); err != nil {
		field := "query"
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			field = fieldErrs[0].Field()
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid filter", field)
		return audit.TimelineFilters{}, false
	}

	to := h.now().UTC().Truncate(24 * time.Hour)
	if params.To != "" {
		to, _ = time.Parse(dateLayout, params.To)
	}
	from := to.Add(-defaultDateRange)
	if params.From != "" {
		from, _ = time.Parse(dateLayout, params.From)
	}
	if from.After(to) || to.Sub(from) > maxDateRange {
		httpx.Problem(w, http.StatusBadRequest, "Invalid filter", "range")
		return audit.TimelineFilters{}, false
	}
	return audit.TimelineFilters{
		From:        from,
		To:          to,
		Actor:       params.Actor,
		Entity:      params.Entity,
		Action:      params.Action,
		RequestID:   params.RequestID,
		Attribution: audit.Attribution(params.Attribution),
		Page:        params.Page,
		PageSize:    params.PageSize,
	}, true
}

func (h *Handler) serverError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
}
