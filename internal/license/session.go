package license

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	licerrors "licensegate/internal/errors"
)

// retryHoldOff is how long Verify waits after a failed channel attempt
// before contacting the service again. VerifyNow ignores it.
const retryHoldOff = 5 * time.Hour

// clockSkewTolerance absorbs small backward clock adjustments (NTP slew,
// DST glitches) before a verified trial is flagged as fraudulent.
const clockSkewTolerance = 5 * time.Minute

// productKeyPattern matches dash-separated groups of uppercase letters and
// digits, e.g. U9MM-4NJ5-QFG8-TWM5.
var productKeyPattern = regexp.MustCompile(`^[A-Z0-9]{4,6}(-[A-Z0-9]{4,6})+$`)

// Session composes the verification engine, trial tracker and notification
// dispatcher for one handle. All exported methods serialize on the session
// lock; operations on distinct handles never contend.
type Session struct {
	handle  Handle
	cfg     ProductConfig
	store   Store
	channel Channel
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter

	mu            sync.Mutex
	now           func() time.Time
	holdOff       time.Duration
	skewTolerance time.Duration
	blocked       bool
	dispatcher    *dispatcher
	closed        bool
}

func newSession(h Handle, cfg ProductConfig, store Store, channel Channel, logger *slog.Logger, metrics *Metrics) *Session {
	s := &Session{
		handle:        h,
		cfg:           cfg,
		store:         store,
		channel:       channel,
		logger:        logger,
		metrics:       metrics,
		limiter:       newLimiter(cfg.ActivationRatePerMinute),
		now:           time.Now,
		holdOff:       retryHoldOff,
		skewTolerance: clockSkewTolerance,
	}
	s.dispatcher = newDispatcher(s)
	return s
}

// Handle returns the opaque handle this session owns.
func (s *Session) Handle() Handle { return s.handle }

// IsActivated reports whether a valid activation record is present locally.
// It never contacts the channel.
func (s *Session) IsActivated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, _ := s.loadActivation(context.Background())
	return rec != nil && rec.Activated
}

// SaveProductKey validates and persists the key for a later Activate call.
// Saving a key never changes the activation state; a failure leaves the
// prior state untouched.
func (s *Session) SaveProductKey(ctx context.Context, key string, scope Scope) error {
	normalized := strings.ToUpper(strings.TrimSpace(key))
	if !productKeyPattern.MatchString(normalized) {
		return licerrors.ErrInvalidKeyFormat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _ := s.loadActivation(ctx)
	if rec == nil {
		rec = &ActivationRecord{}
	}
	rec.PendingKey = normalized
	rec.Scope = scope
	if err := s.store.SaveActivation(s.handle, rec); err != nil {
		s.logError(ctx, "key_save", "failed to persist product key",
			slog.String("error", err.Error()))
		return err
	}

	s.logInfo(ctx, "key_save", "product key saved",
		slog.String("key_masked", maskKey(normalized)),
		slog.String("scope", scope.String()),
	)
	return nil
}

// Activate performs one activation exchange with the licensing service for
// the previously saved product key. Attempts are rate limited per handle.
// A rejection or connectivity failure leaves the prior state unchanged.
func (s *Session) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.limiter.Allow() {
		return licerrors.ErrRateLimited
	}

	rec, _ := s.loadActivation(ctx)
	if rec == nil || rec.PendingKey == "" {
		return licerrors.ErrNoProductKey
	}

	ent, err := s.channel.Activate(ctx, ActivateRequest{
		Product: s.cfg.VersionGUID,
		Key:     rec.PendingKey,
		Scope:   rec.Scope,
	})
	if err != nil {
		s.metrics.recordActivation(ctx, "failure")
		s.logWarn(ctx, "activation", "activation exchange failed",
			slog.String("error", err.Error()),
			slog.Bool("retryable", licerrors.IsRetryable(err)),
		)
		return err
	}

	now := s.now()
	rec.Activated = true
	rec.Key = rec.PendingKey
	rec.PendingKey = ""
	rec.ActivationID = ent.ActivationID
	if rec.ActivationID == "" {
		rec.ActivationID = uuid.NewString()
	}
	rec.Features = ent.Features
	rec.LastVerifiedAt = now
	rec.LastAttemptAt = now
	if err := s.store.SaveActivation(s.handle, rec); err != nil {
		return err
	}
	s.blocked = false

	s.metrics.recordActivation(ctx, "success")
	s.logInfo(ctx, "activation", "activated successfully",
		slog.String("activation_id", rec.ActivationID),
		slog.String("scope", rec.Scope.String()),
	)
	return nil
}

// Deactivate releases the activation with the service and, only after the
// service confirms, clears the local record. A connectivity failure leaves
// local state untouched.
func (s *Session) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _ := s.loadActivation(ctx)
	if rec == nil || !rec.Activated {
		return licerrors.ErrNotActivated
	}

	if err := s.channel.Deactivate(ctx, DeactivateRequest{
		Product:      s.cfg.VersionGUID,
		ActivationID: rec.ActivationID,
	}); err != nil {
		s.logWarn(ctx, "deactivation", "deactivation exchange failed",
			slog.String("error", err.Error()))
		return err
	}

	if err := s.store.ClearActivation(s.handle); err != nil {
		return err
	}
	s.blocked = false
	s.logInfo(ctx, "deactivation", "deactivated and cleared local record")
	return nil
}

// FeatureValue returns the entitlement feature stored for name.
func (s *Session) FeatureValue(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _ := s.loadActivation(context.Background())
	if rec == nil || !rec.Activated {
		return "", licerrors.ErrNotActivated
	}
	value, ok := rec.Features[name]
	if !ok {
		return "", licerrors.ErrFeatureNotFound
	}
	return value, nil
}

// State derives the session state from stored records and the last
// verification result. All states are re-enterable.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(context.Background())
}

func (s *Session) stateLocked(ctx context.Context) State {
	activation, trial := s.loadLocked(ctx)
	if activation != nil && activation.Activated && !s.blocked {
		return StateActivated
	}
	if trial != nil {
		s.checkTrialLocked(ctx, trial)
		if !trial.Expired {
			// An active trial keeps the app running even while the
			// activation is blocked pending a live re-check.
			return StateTrialActive
		}
	}
	if s.blocked {
		return StateNotGenuineBlocked
	}
	if trial != nil {
		return StateTrialExpired
	}
	return StateUnconfigured
}

// StatusSnapshot is a point-in-time view of the session for hosts and the
// HTTP surface.
type StatusSnapshot struct {
	Handle             Handle    `json:"handle"`
	State              State     `json:"-"`
	StateName          string    `json:"state"`
	Activated          bool      `json:"activated"`
	TrialDaysRemaining int       `json:"trial_days_remaining"`
	TrialExpired       bool      `json:"trial_expired"`
	TrialFraud         bool      `json:"trial_fraud"`
	LastVerifiedAt     time.Time `json:"last_verified_at,omitempty"`
	LastAttemptAt      time.Time `json:"last_attempt_at,omitempty"`
}

// Status returns a consistent snapshot of the session.
func (s *Session) Status(ctx context.Context) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatusSnapshot{Handle: s.handle}
	activation, trial := s.loadLocked(ctx)
	if activation != nil {
		snap.Activated = activation.Activated
		snap.LastVerifiedAt = activation.LastVerifiedAt
		snap.LastAttemptAt = activation.LastAttemptAt
	}
	if trial != nil {
		s.checkTrialLocked(ctx, trial)
		snap.TrialDaysRemaining = trial.daysRemaining(s.effectiveNow(trial))
		snap.TrialExpired = trial.Expired
		snap.TrialFraud = trial.Fraud
	}
	snap.State = s.stateLocked(ctx)
	snap.StateName = snap.State.String()
	return snap
}

// Close stops the background notification dispatcher. The trial callback
// never fires after Close returns; closing twice is safe.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.dispatcher.stop()
}

// loadLocked reads both records, treating tampered state as absent.
func (s *Session) loadLocked(ctx context.Context) (*ActivationRecord, *TrialRecord) {
	activation, trial, err := s.store.Load(s.handle)
	if err != nil {
		if errors.Is(err, licerrors.ErrStoreTampered) {
			s.logWarn(ctx, "state_load", "local state failed integrity check, treating as absent")
		} else {
			s.logError(ctx, "state_load", "failed to load local state",
				slog.String("error", err.Error()))
		}
		return nil, nil
	}
	return activation, trial
}

func (s *Session) loadActivation(ctx context.Context) (*ActivationRecord, *TrialRecord) {
	return s.loadLocked(ctx)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Logging helpers in the manager idiom: every line carries the handle and
// an action attribute.

func (s *Session) logAttrs(action string, attrs []slog.Attr) []slog.Attr {
	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all,
		slog.Uint64("handle", uint64(s.handle)),
		slog.String("action", action),
	)
	return append(all, attrs...)
}

func (s *Session) logInfo(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	s.logger.LogAttrs(ctx, slog.LevelInfo, msg, s.logAttrs(action, attrs)...)
}

func (s *Session) logWarn(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	s.logger.LogAttrs(ctx, slog.LevelWarn, msg, s.logAttrs(action, attrs)...)
}

func (s *Session) logError(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	s.logger.LogAttrs(ctx, slog.LevelError, msg, s.logAttrs(action, attrs)...)
}
