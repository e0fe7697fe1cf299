// Package http exposes the licensing engine over HTTP for the host
// application: status, verification, activation, trial and feature
// endpoints. Errors render as RFC 7807 problem details.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	licerrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
)

// LicenseHandler serves the engine's session over HTTP.
type LicenseHandler struct {
	session *license.Session
	genuine license.GenuineOptions
	logger  *slog.Logger
}

// NewLicenseHandler creates a handler for the given session. The genuine
// options apply to every verification triggered over HTTP.
func NewLicenseHandler(session *license.Session, genuine license.GenuineOptions, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		session: session,
		genuine: genuine,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/verify", h.Verify)
	r.Post("/key", h.SaveKey)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/trial", h.StartTrial)
	r.Get("/trial/days", h.TrialDays)
	r.Get("/features/{name}", h.Feature)

	return r
}

// VerifyRequest selects the immediate-retry variant.
type VerifyRequest struct {
	Now bool `json:"now,omitempty"`
}

// Bind implements render.Binder; an empty body is a plain Verify.
func (v *VerifyRequest) Bind(r *http.Request) error { return nil }

// VerifyResponse reports the consolidated verification result.
type VerifyResponse struct {
	Outcome   string    `json:"outcome"`
	Genuine   bool      `json:"genuine"`
	Offline   bool      `json:"offline"`
	Timestamp time.Time `json:"timestamp"`
}

// SaveKeyRequest carries a product key and its scope.
type SaveKeyRequest struct {
	Key   string `json:"key"`
	Scope string `json:"scope,omitempty"`
}

// Bind implements the render.Binder interface.
func (s *SaveKeyRequest) Bind(r *http.Request) error {
	if s.Key == "" {
		return errors.New("key is required")
	}
	return nil
}

// TrialRequest selects trial flags.
type TrialRequest struct {
	Verified bool   `json:"verified,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

// Bind implements the render.Binder interface.
func (t *TrialRequest) Bind(r *http.Request) error { return nil }

func (t *TrialRequest) flags() license.TrialFlags {
	flags := license.TrialUnverified
	if t.Verified {
		flags = license.TrialVerified
	}
	if t.Scope == "system" {
		flags |= license.TrialSystem
	} else {
		flags |= license.TrialUser
	}
	return flags
}

// GetStatus handles GET /status.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := h.session.Status(ctx)
	h.logger.DebugContext(ctx, "license status requested",
		slog.String("state", snap.StateName))
	render.JSON(w, r, snap)
}

// Verify handles POST /verify, optionally forcing an immediate re-check.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &VerifyRequest{}
	if r.ContentLength > 0 {
		if err := render.Bind(r, req); err != nil {
			h.renderError(w, r, licerrors.ErrConfig)
			return
		}
	}

	var (
		outcome license.Outcome
		err     error
	)
	if req.Now {
		outcome, err = h.session.VerifyNow(ctx, h.genuine)
	} else {
		outcome, err = h.session.Verify(ctx, h.genuine)
	}
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, VerifyResponse{
		Outcome:   outcome.String(),
		Genuine:   outcome.Genuine(),
		Offline:   outcome.Offline(),
		Timestamp: time.Now().UTC(),
	})
}

// SaveKey handles POST /key.
func (h *LicenseHandler) SaveKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &SaveKeyRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderError(w, r, licerrors.ErrInvalidKeyFormat)
		return
	}

	scope := license.ScopeUser
	if req.Scope == "system" {
		scope = license.ScopeSystem
	}
	if err := h.session.SaveProductKey(ctx, req.Key, scope); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"saved": true})
}

// Activate handles POST /activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.session.Activate(ctx); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, h.session.Status(ctx))
}

// Deactivate handles POST /deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.session.Deactivate(ctx); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, h.session.Status(ctx))
}

// StartTrial handles POST /trial.
func (h *LicenseHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &TrialRequest{}
	if r.ContentLength > 0 {
		if err := render.Bind(r, req); err != nil {
			h.renderError(w, r, licerrors.ErrConfig)
			return
		}
	}

	out, err := h.session.StartOrContinueTrial(ctx, req.flags())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, out)
}

// TrialDays handles GET /trial/days.
func (h *LicenseHandler) TrialDays(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &TrialRequest{
		Verified: r.URL.Query().Get("verified") == "true",
		Scope:    r.URL.Query().Get("scope"),
	}
	days, err := h.session.DaysRemaining(ctx, req.flags())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int{"days_remaining": days})
}

// Feature handles GET /features/{name}.
func (h *LicenseHandler) Feature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, err := h.session.FeatureValue(name)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"name": name, "value": value})
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	pd := licerrors.Problem(err, traceID)
	if pd.Status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "license request failed",
			slog.String("error", err.Error()))
	}
	render.Render(w, r, pd)
}
