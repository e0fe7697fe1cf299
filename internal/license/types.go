package license

import (
	"time"
)

// Handle is an opaque identifier bound to one product/version configuration.
// The zero value is the "configuration not found" sentinel and is never a
// valid handle.
type Handle uint32

// Valid reports whether h refers to an acquired session.
func (h Handle) Valid() bool { return h != 0 }

// Scope states whether a license or trial is bound to a single user account
// or to the whole machine.
type Scope int

const (
	ScopeUser Scope = iota
	ScopeSystem
)

func (s Scope) String() string {
	if s == ScopeSystem {
		return "system"
	}
	return "user"
}

// TrialFlags select trial storage scope and whether the remaining-time
// calculation is cross-checked against a trusted time source.
type TrialFlags uint32

const (
	TrialUser TrialFlags = 1 << iota
	TrialSystem
	TrialUnverified
	TrialVerified
)

// Verified reports whether the flags request an unresetable verified trial.
func (f TrialFlags) Verified() bool { return f&TrialVerified != 0 }

// Scope returns the storage scope encoded in the flags.
func (f TrialFlags) Scope() Scope {
	if f&TrialSystem != 0 {
		return ScopeSystem
	}
	return ScopeUser
}

// GenuineOptions configure a single verification call. They are consumed by
// that call only and never retained.
type GenuineOptions struct {
	// DaysBetweenChecks is how long a successful check stays fresh before
	// the channel is contacted again.
	DaysBetweenChecks int
	// GraceDaysOnNetworkError extends the freshness window after a
	// connectivity failure before verification degrades to NotGenuine.
	GraceDaysOnNetworkError int
	// SkipOfflineShowError suppresses the offline warning flag on
	// grace-period outcomes.
	SkipOfflineShowError bool
}

// Outcome is the consolidated result of a verification call.
type Outcome int

const (
	// OutcomeConfigError means the handle or configuration is unusable.
	OutcomeConfigError Outcome = iota
	// OutcomeGenuine means the activation is valid, confirmed or cached.
	OutcomeGenuine
	// OutcomeGenuineFeaturesChanged is Genuine with a server-reported
	// entitlement that differs from the cached feature set.
	OutcomeGenuineFeaturesChanged
	// OutcomeGenuineOffline means the channel was unreachable but the
	// grace window still covers the installation.
	OutcomeGenuineOffline
	// OutcomeGenuineOfflineDelayed is the persisted-delay variant: a
	// recent failed attempt is still holding off channel contact.
	OutcomeGenuineOfflineDelayed
	// OutcomeNotGenuine means the grace window has expired, or there is
	// no activation; continued use requires a live re-check.
	OutcomeNotGenuine
	// OutcomeRevoked means the service authoritatively rejected the
	// activation; the local record has already been cleared.
	OutcomeRevoked
)

// Genuine reports whether the caller should treat the installation as
// entitled to run.
func (o Outcome) Genuine() bool {
	switch o {
	case OutcomeGenuine, OutcomeGenuineFeaturesChanged,
		OutcomeGenuineOffline, OutcomeGenuineOfflineDelayed:
		return true
	}
	return false
}

// Offline reports whether the outcome came from the grace-period path.
func (o Outcome) Offline() bool {
	return o == OutcomeGenuineOffline || o == OutcomeGenuineOfflineDelayed
}

func (o Outcome) String() string {
	switch o {
	case OutcomeGenuine:
		return "genuine"
	case OutcomeGenuineFeaturesChanged:
		return "genuine_features_changed"
	case OutcomeGenuineOffline:
		return "genuine_offline"
	case OutcomeGenuineOfflineDelayed:
		return "genuine_offline_delayed"
	case OutcomeNotGenuine:
		return "not_genuine"
	case OutcomeRevoked:
		return "revoked"
	default:
		return "config_error"
	}
}

// ActivationRecord is the durable activation state for one handle. It is
// mutated only under the owning session's lock.
type ActivationRecord struct {
	Activated      bool              `json:"activated"`
	Scope          Scope             `json:"scope"`
	Key            string            `json:"key,omitempty"`
	PendingKey     string            `json:"pending_key,omitempty"`
	ActivationID   string            `json:"activation_id,omitempty"`
	Features       map[string]string `json:"features,omitempty"`
	LastVerifiedAt time.Time         `json:"last_verified_at"`
	LastAttemptAt  time.Time         `json:"last_attempt_at"`
}

// TrialRecord is the durable trial state for one handle. DaysRemaining is
// derived, never stored; Expired and Fraud are one-way transitions.
type TrialRecord struct {
	Flags     TrialFlags `json:"flags"`
	StartedAt time.Time  `json:"started_at"`
	GrantDays int        `json:"grant_days"`
	// Reference is the trusted service time captured at trial start.
	// Zero for unverified trials.
	Reference time.Time `json:"reference,omitempty"`
	// HighWater is the latest wall clock the engine has ever observed for
	// this trial. It only moves forward.
	HighWater time.Time `json:"high_water"`
	Expired   bool      `json:"expired"`
	Fraud     bool      `json:"fraud"`
}

// TrialOutcome is the consolidated result of a trial start or query.
type TrialOutcome struct {
	Flags         TrialFlags `json:"flags"`
	DaysRemaining int        `json:"days_remaining"`
	Expired       bool       `json:"expired"`
	Fraud         bool       `json:"fraud"`
}

// CallbackStatus is delivered to the registered trial callback.
type CallbackStatus int

const (
	// CallbackExpired is the natural Active to Expired transition.
	CallbackExpired CallbackStatus = iota
	// CallbackExpiredFraud is expiry forced by date/time fraud detection.
	CallbackExpiredFraud
	// CallbackUnexpected is reserved for states the dispatcher cannot
	// classify; hosts should disable features on it as well.
	CallbackUnexpected
)

func (s CallbackStatus) String() string {
	switch s {
	case CallbackExpired:
		return "expired"
	case CallbackExpiredFraud:
		return "expired_fraud"
	default:
		return "unexpected"
	}
}

// TrialCallback is invoked on a background goroutine when a trial
// transitions out of the active state. It may run concurrently with any
// other operation on the same handle; the host must do its own locking.
type TrialCallback func(status CallbackStatus)

// State is the session-level orchestration state.
type State int

const (
	StateUnconfigured State = iota
	StateActivated
	StateTrialActive
	StateTrialExpired
	StateNotGenuineBlocked
)

func (s State) String() string {
	switch s {
	case StateActivated:
		return "activated"
	case StateTrialActive:
		return "trial_active"
	case StateTrialExpired:
		return "trial_expired"
	case StateNotGenuineBlocked:
		return "not_genuine_blocked"
	default:
		return "unconfigured"
	}
}
