package license

import (
	"context"
	"log/slog"
	"time"

	licerrors "licensegate/internal/errors"
)

// StartOrContinueTrial starts the trial on first use or re-validates an
// existing one. Redundant starts are idempotent: they never extend or reset
// the remaining days. A trial that has expired stays expired; trials are
// one-shot.
//
// With TrialVerified set, the first start captures a trusted reference time
// from the channel so a later clock rollback cannot resurrect remaining
// days; a connectivity failure at that point means the trial cannot start
// yet and is surfaced as a retryable network error.
func (s *Session) StartOrContinueTrial(ctx context.Context, flags TrialFlags) (TrialOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, trial := s.loadLocked(ctx)
	if trial != nil {
		s.checkTrialLocked(ctx, trial)
		return s.trialOutcome(trial), nil
	}

	now := s.now()
	trial = &TrialRecord{
		Flags:     flags,
		StartedAt: now,
		GrantDays: s.cfg.TrialDays,
		HighWater: now,
	}
	if flags.Verified() {
		ref, err := s.channel.TrustedTime(ctx)
		if err != nil {
			s.logWarn(ctx, "trial_start", "could not obtain trusted time, trial not started",
				slog.String("error", err.Error()))
			return TrialOutcome{}, err
		}
		trial.Reference = ref
		// An honest local clock tracks the service clock; start the
		// day-count from whichever is later so presetting the clock into
		// the past grants nothing.
		if ref.After(now) {
			trial.StartedAt = ref
			trial.HighWater = ref
		}
	}
	if err := s.store.SaveTrial(s.handle, trial); err != nil {
		return TrialOutcome{}, err
	}

	s.metrics.recordTrialEvent(ctx, "started")
	s.logInfo(ctx, "trial_start", "trial started",
		slog.Int("grant_days", trial.GrantDays),
		slog.Bool("verified", flags.Verified()),
		slog.String("scope", flags.Scope().String()),
	)
	return s.trialOutcome(trial), nil
}

// DaysRemaining re-validates the trial and returns the whole days left.
// An expired or fraudulent trial reports zero.
func (s *Session) DaysRemaining(ctx context.Context, flags TrialFlags) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, trial := s.loadLocked(ctx)
	if trial == nil {
		return 0, licerrors.ErrTrialNotStarted
	}
	s.checkTrialLocked(ctx, trial)
	if trial.Expired {
		return 0, nil
	}
	return trial.daysRemaining(s.effectiveNow(trial)), nil
}

// checkTrialLocked applies fraud detection and the expiry transition,
// persisting any change. Expired and Fraud only ever go from false to true.
func (s *Session) checkTrialLocked(ctx context.Context, trial *TrialRecord) {
	if trial.Expired {
		return
	}

	now := s.now()
	dirty := false

	if trial.Flags.Verified() && now.Before(trial.HighWater.Add(-s.skewTolerance)) {
		// Local clock is behind time the engine has already observed:
		// date/time fraud. The trial dies and never comes back.
		trial.Fraud = true
		trial.Expired = true
		s.metrics.recordTrialEvent(ctx, "fraud")
		s.logWarn(ctx, "trial_check", "clock rollback detected, trial expired for fraud",
			slog.Time("observed", now),
			slog.Time("high_water", trial.HighWater),
		)
		if err := s.store.SaveTrial(s.handle, trial); err != nil {
			s.logError(ctx, "trial_check", "failed to persist fraud state",
				slog.String("error", err.Error()))
		}
		return
	}

	effective := s.effectiveNow(trial)
	if effective.After(trial.HighWater) {
		trial.HighWater = effective
		dirty = true
	}
	if trial.daysRemaining(effective) <= 0 {
		trial.Expired = true
		dirty = true
		s.metrics.recordTrialEvent(ctx, "expired")
		s.logInfo(ctx, "trial_check", "trial expired",
			slog.Time("started_at", trial.StartedAt),
			slog.Int("grant_days", trial.GrantDays),
		)
	}
	if dirty {
		if err := s.store.SaveTrial(s.handle, trial); err != nil {
			s.logError(ctx, "trial_check", "failed to persist trial state",
				slog.String("error", err.Error()))
		}
	}
}

// effectiveNow is the clock the day-count runs on: wall clock, but never
// earlier than what the engine has already observed.
func (s *Session) effectiveNow(trial *TrialRecord) time.Time {
	now := s.now()
	if trial.HighWater.After(now) {
		return trial.HighWater
	}
	return now
}

func (s *Session) trialOutcome(trial *TrialRecord) TrialOutcome {
	out := TrialOutcome{
		Flags:   trial.Flags,
		Expired: trial.Expired,
		Fraud:   trial.Fraud,
	}
	if !trial.Expired {
		out.DaysRemaining = trial.daysRemaining(s.effectiveNow(trial))
	}
	return out
}

// daysRemaining computes whole days left at the given time; never negative.
func (t *TrialRecord) daysRemaining(now time.Time) int {
	if t.Expired {
		return 0
	}
	elapsed := int(now.Sub(t.StartedAt) / (24 * time.Hour))
	remaining := t.GrantDays - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
