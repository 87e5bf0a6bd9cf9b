package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	audit          audit.Sink
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, sink audit.Sink) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		audit:          sink,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/auth/login", h.handleLogin)
	r.Get("/logout", h.handleLogout)
	r.Post("/auth/logout", h.handleLogout)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || !sess.HasCSRFSecret() {
		shared.WriteStoreUnavailable(w)
		return
	}
	body := map[string]any{"csrfToken": sess.CSRFSecret()}
	if flash := sess.PopFlash(); flash != nil {
		body["flash"] = flash
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid form", "")
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		shared.WriteStoreUnavailable(w)
		return
	}

	form := loginForm{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	}
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		fields := make(map[string]string)
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		httpx.JSON(w, http.StatusBadRequest, map[string]any{"error": "Validation failed", "fields": fields})
		return
	}

	user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
	switch {
	case errors.Is(err, shared.ErrInvalidCredentials):
		h.logger.Info("login rejected", slog.String("ip", remoteIP(r)))
		httpx.Problem(w, http.StatusUnauthorized, "Invalid email or password", "")
		return
	case err != nil:
		h.logger.Error("login lookup failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Sign-in temporarily unavailable", "")
		return
	}

	// A fresh id on privilege change; the pre-login id and token stop working.
	if err := h.sessionManager.Regenerate(r.Context(), sess); err != nil {
		h.logger.Error("regenerate session on login", slog.Any("error", err))
		shared.WriteStoreUnavailable(w)
		return
	}
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back"})
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, h.sessionManager.TTL(), remoteIP(r), r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	h.record(r, audit.Entry{ActorID: user.ID, ActorEmail: user.Email, Action: audit.ActionLogin, Entity: "users", EntityID: strconv.FormatInt(user.ID, 10)})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if userID := sess.User(); userID != "" {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		entry := audit.NewEntry(r.Context(), audit.ActionLogout, "users", userID)
		h.record(r, entry)
	}
	if err := h.sessionManager.Regenerate(r.Context(), sess); err != nil {
		h.logger.Error("regenerate session on logout", slog.Any("error", err))
		shared.WriteStoreUnavailable(w)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) record(r *http.Request, entry audit.Entry) {
	if h.audit == nil {
		return
	}
	if entry.At.IsZero() {
		entry = fillRequest(r, entry)
	}
	if err := h.audit.Submit(r.Context(), entry); err != nil {
		h.logger.Error("submit auth audit entry", slog.Any("error", err), slog.String("action", entry.Action))
	}
}

func fillRequest(r *http.Request, entry audit.Entry) audit.Entry {
	base := audit.NewEntry(r.Context(), entry.Action, entry.Entity, entry.EntityID)
	base.ActorID = entry.ActorID
	base.ActorEmail = entry.ActorEmail
	base.IP = remoteIP(r)
	return base
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
