package license

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	licerrors "licensegate/internal/errors"
)

// ProductConfig binds a session to one product/version configuration.
type ProductConfig struct {
	// VersionGUID identifies the product version at the licensing service.
	VersionGUID string `validate:"required,min=8"`
	// TrialDays is the duration granted when a trial first starts.
	TrialDays int `validate:"gte=0"`
	// ActivationRatePerMinute bounds activation exchanges per handle.
	// Zero selects the default of 6 attempts per minute.
	ActivationRatePerMinute int `validate:"gte=0"`
}

const defaultActivationRatePerMinute = 6

// Registry owns the sessions of a process. Each acquired handle maps to one
// explicit session object; independent registries (and therefore multiple
// independent sessions per product) are supported for testability.
type Registry struct {
	store    Store
	channel  Channel
	logger   *slog.Logger
	metrics  *Metrics
	validate *validator.Validate

	mu       sync.Mutex
	sessions map[Handle]*Session
}

// NewRegistry creates a registry over the given collaborators. A nil logger
// falls back to slog.Default.
func NewRegistry(store Store, channel Channel, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		channel:  channel,
		logger:   logger,
		validate: validator.New(),
		sessions: make(map[Handle]*Session),
	}
}

// SetMetrics attaches engine metrics. Sessions acquired afterwards record
// verification and trial events; existing sessions are unaffected.
func (r *Registry) SetMetrics(m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// AcquireHandle validates the product configuration and returns the handle
// for it, creating the session on first acquisition. The same configuration
// always yields the same handle, so durable per-handle state survives
// process restarts.
func (r *Registry) AcquireHandle(cfg ProductConfig) (Handle, error) {
	if err := r.validate.Struct(cfg); err != nil {
		return 0, licerrors.ErrConfig
	}
	if cfg.ActivationRatePerMinute == 0 {
		cfg.ActivationRatePerMinute = defaultActivationRatePerMinute
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h := handleFor(cfg.VersionGUID)
	for {
		existing, ok := r.sessions[h]
		if !ok {
			break
		}
		if existing.cfg.VersionGUID == cfg.VersionGUID {
			return h, nil
		}
		// Hash collision between distinct products; probe forward.
		h++
		if h == 0 {
			h = 1
		}
	}

	sess := newSession(h, cfg, r.store, r.channel,
		r.logger.With(slog.String("component", "license_session")),
		r.metrics)
	r.sessions[h] = sess

	r.logger.Info("handle acquired",
		slog.String("component", "license_registry"),
		slog.Uint64("handle", uint64(h)),
		slog.Int("trial_days", cfg.TrialDays),
	)
	return h, nil
}

// Session returns the session owning a handle.
func (r *Registry) Session(h Handle) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[h]
	if !ok {
		return nil, licerrors.ErrHandleNotFound
	}
	return sess, nil
}

// Close tears down every session. Armed trial callbacks never fire after
// Close returns.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[Handle]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// handleFor derives a stable non-zero handle from the version GUID.
func handleFor(guid string) Handle {
	f := fnv.New32a()
	f.Write([]byte(guid))
	h := Handle(f.Sum32())
	if h == 0 {
		h = 1
	}
	return h
}

// newLimiter builds the per-handle activation limiter.
func newLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
