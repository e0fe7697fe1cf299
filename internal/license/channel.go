package license

import (
	"context"
	"time"
)

// Entitlement is the snapshot returned by a successful check or activation
// exchange.
type Entitlement struct {
	ActivationID string            `json:"activation_id"`
	Features     map[string]string `json:"features,omitempty"`
	ServerTime   time.Time         `json:"server_time"`
}

// CheckRequest identifies the activation being re-verified.
type CheckRequest struct {
	Product      string `json:"product"`
	ActivationID string `json:"activation_id"`
}

// ActivateRequest carries a product-key activation exchange.
type ActivateRequest struct {
	Product string `json:"product"`
	Key     string `json:"key"`
	Scope   Scope  `json:"scope"`
}

// DeactivateRequest releases an activation back to the service.
type DeactivateRequest struct {
	Product      string `json:"product"`
	ActivationID string `json:"activation_id"`
}

// Channel performs one remote exchange with the licensing service per call.
// Implementations must not retry internally; each call is a single attempt.
// Connectivity failures match errors.ErrNetwork, authoritative rejections
// match errors.ErrRejected. The engine calls every method under the owning
// session's lock, but a Channel must be safe for concurrent use across
// handles.
type Channel interface {
	// Check re-verifies an existing activation and returns the current
	// entitlement snapshot.
	Check(ctx context.Context, req CheckRequest) (*Entitlement, error)

	// Activate redeems a product key and returns the granted entitlement.
	Activate(ctx context.Context, req ActivateRequest) (*Entitlement, error)

	// Deactivate releases the activation. Success means the service has
	// recorded the release; only then may local state be cleared.
	Deactivate(ctx context.Context, req DeactivateRequest) error

	// TrustedTime returns the service clock, used as the unresetable
	// reference point when a verified trial starts.
	TrustedTime(ctx context.Context) (time.Time, error)
}
