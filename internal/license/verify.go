package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	licerrors "licensegate/internal/errors"
)

// Verify runs one genuine check for the handle, applying the freshness
// cache, the post-failure hold-off and the offline grace policy. Channel
// errors other than an authoritative rejection are never fatal; they
// degrade to the grace path until the window expires.
func (s *Session) Verify(ctx context.Context, opts GenuineOptions) (Outcome, error) {
	return s.verify(ctx, opts, false)
}

// VerifyNow bypasses the freshness cache and the post-failure hold-off and
// always contacts the channel. Callers use it after regaining connectivity
// to clear an offline-grace penalty without waiting for the next scheduled
// window.
func (s *Session) VerifyNow(ctx context.Context, opts GenuineOptions) (Outcome, error) {
	return s.verify(ctx, opts, true)
}

func (s *Session) verify(ctx context.Context, opts GenuineOptions, force bool) (Outcome, error) {
	if opts.DaysBetweenChecks < 0 || opts.GraceDaysOnNetworkError < 0 {
		return OutcomeConfigError, licerrors.ErrConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	outcome, err := s.verifyLocked(ctx, opts, force)
	s.metrics.recordVerification(ctx, outcome, s.now().Sub(start))
	return outcome, err
}

func (s *Session) verifyLocked(ctx context.Context, opts GenuineOptions, force bool) (Outcome, error) {
	rec, _ := s.loadLocked(ctx)
	if rec == nil || !rec.Activated {
		// Never activated, or activation was cleared. Not an error: the
		// caller falls through to the trial or activation paths.
		return OutcomeNotGenuine, nil
	}

	now := s.now()
	freshFor := day(opts.DaysBetweenChecks)
	graceFor := freshFor + day(opts.GraceDaysOnNetworkError)

	if !force {
		// Cached result: the last confirmed check is still fresh.
		if !rec.LastVerifiedAt.IsZero() && now.Sub(rec.LastVerifiedAt) <= freshFor {
			return OutcomeGenuine, nil
		}
		// Hold-off: a recent failed attempt suppresses channel contact so
		// a broken link is not hammered on every call.
		if rec.LastAttemptAt.After(rec.LastVerifiedAt) && now.Sub(rec.LastAttemptAt) < s.holdOff {
			if now.Sub(rec.LastVerifiedAt) <= graceFor {
				s.logOffline(ctx, opts, rec, true)
				return OutcomeGenuineOfflineDelayed, nil
			}
			s.blocked = true
			return OutcomeNotGenuine, nil
		}
	}

	ent, err := s.channel.Check(ctx, CheckRequest{
		Product:      s.cfg.VersionGUID,
		ActivationID: rec.ActivationID,
	})
	switch {
	case err == nil:
		changed := featuresChanged(rec.Features, ent.Features)
		rec.Features = ent.Features
		rec.LastVerifiedAt = now
		rec.LastAttemptAt = now
		if saveErr := s.store.SaveActivation(s.handle, rec); saveErr != nil {
			return OutcomeConfigError, saveErr
		}
		s.blocked = false
		if changed {
			s.logInfo(ctx, "verification", "genuine, entitlement features changed")
			return OutcomeGenuineFeaturesChanged, nil
		}
		return OutcomeGenuine, nil

	case errors.Is(err, licerrors.ErrRejected):
		// Local state must never contradict a server-confirmed
		// revocation: clear the activation before reporting.
		if clearErr := s.store.ClearActivation(s.handle); clearErr != nil {
			s.logError(ctx, "verification", "failed to clear revoked activation",
				slog.String("error", clearErr.Error()))
		}
		s.blocked = true
		s.logWarn(ctx, "verification", "activation revoked by licensing service",
			slog.String("reason", err.Error()))
		return OutcomeRevoked, nil

	case errors.Is(err, licerrors.ErrNetwork):
		rec.LastAttemptAt = now
		if saveErr := s.store.SaveActivation(s.handle, rec); saveErr != nil {
			return OutcomeConfigError, saveErr
		}
		if now.Sub(rec.LastVerifiedAt) <= graceFor {
			s.logOffline(ctx, opts, rec, false)
			return OutcomeGenuineOffline, nil
		}
		// Grace window exhausted; continued use requires a live re-check.
		s.blocked = true
		s.logWarn(ctx, "verification", "offline grace window expired",
			slog.Time("last_verified_at", rec.LastVerifiedAt))
		return OutcomeNotGenuine, nil

	default:
		return OutcomeConfigError, err
	}
}

func (s *Session) logOffline(ctx context.Context, opts GenuineOptions, rec *ActivationRecord, delayed bool) {
	if opts.SkipOfflineShowError {
		return
	}
	s.logWarn(ctx, "verification", "could not reach licensing service, within grace period",
		slog.Time("last_verified_at", rec.LastVerifiedAt),
		slog.Bool("delayed", delayed),
	)
}

func featuresChanged(cached, reported map[string]string) bool {
	if len(cached) == 0 {
		// First confirmed check after activation populates the cache
		// silently.
		return false
	}
	if len(cached) != len(reported) {
		return true
	}
	for k, v := range cached {
		got, ok := reported[k]
		if !ok || got != v {
			return true
		}
	}
	return false
}

func day(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
