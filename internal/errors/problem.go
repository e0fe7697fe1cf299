package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extension members into the problem object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension member to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// Problem maps an engine error to its RFC 7807 representation. Unknown
// errors map to a generic 500 so internals never leak to clients.
func Problem(err error, traceID string) *ProblemDetails {
	var pd *ProblemDetails
	switch {
	case errors.Is(err, ErrConfig):
		pd = NewProblemDetails(http.StatusBadRequest,
			"/errors/invalid-config", "Invalid Product Configuration", err.Error())
	case errors.Is(err, ErrHandleNotFound):
		pd = NewProblemDetails(http.StatusNotFound,
			"/errors/handle-not-found", "Handle Not Found", err.Error())
	case errors.Is(err, ErrInvalidKeyFormat):
		pd = NewProblemDetails(http.StatusBadRequest,
			"/errors/invalid-key-format", "Invalid Product Key Format", err.Error())
	case errors.Is(err, ErrNoProductKey):
		pd = NewProblemDetails(http.StatusPreconditionRequired,
			"/errors/no-product-key", "No Product Key Saved", err.Error())
	case errors.Is(err, ErrRejected):
		pd = NewProblemDetails(http.StatusForbidden,
			"/errors/rejected", "Activation Rejected", err.Error())
	case errors.Is(err, ErrRateLimited):
		pd = NewProblemDetails(http.StatusTooManyRequests,
			"/errors/rate-limited", "Too Many Activation Attempts", err.Error())
	case errors.Is(err, ErrNetwork):
		pd = NewProblemDetails(http.StatusServiceUnavailable,
			"/errors/network", "Licensing Service Unreachable", err.Error())
		pd.WithExtension("retryable", true)
	case errors.Is(err, ErrAlreadyFired):
		pd = NewProblemDetails(http.StatusConflict,
			"/errors/callback-already-fired", "Trial Callback Already Fired", err.Error())
	case errors.Is(err, ErrTrialNotStarted):
		pd = NewProblemDetails(http.StatusBadRequest,
			"/errors/trial-not-started", "Trial Not Started", err.Error())
	case errors.Is(err, ErrNotActivated):
		pd = NewProblemDetails(http.StatusConflict,
			"/errors/not-activated", "Not Activated", err.Error())
	case errors.Is(err, ErrFeatureNotFound):
		pd = NewProblemDetails(http.StatusNotFound,
			"/errors/feature-not-found", "Feature Not Found", err.Error())
	default:
		pd = NewProblemDetails(http.StatusInternalServerError,
			"/errors/internal", "Internal Error", "An unexpected error occurred")
	}
	if traceID != "" {
		pd.WithExtension("trace_id", traceID)
	}
	return pd
}
