package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing, so the engine works without a meter wired.
type Metrics struct {
	verifications  metric.Int64Counter
	activations    metric.Int64Counter
	trialEvents    metric.Int64Counter
	verifyDuration metric.Float64Histogram
}

// NewMetrics creates the engine instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	verifications, err := meter.Int64Counter("license_verifications_total",
		metric.WithDescription("Verification calls by outcome"))
	if err != nil {
		return nil, err
	}
	activations, err := meter.Int64Counter("license_activations_total",
		metric.WithDescription("Activation exchanges by result"))
	if err != nil {
		return nil, err
	}
	trialEvents, err := meter.Int64Counter("license_trial_events_total",
		metric.WithDescription("Trial lifecycle events"))
	if err != nil {
		return nil, err
	}
	verifyDuration, err := meter.Float64Histogram("license_verification_duration_seconds",
		metric.WithDescription("Wall time of verification calls"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		verifications:  verifications,
		activations:    activations,
		trialEvents:    trialEvents,
		verifyDuration: verifyDuration,
	}, nil
}

func (m *Metrics) recordVerification(ctx context.Context, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	m.verifications.Add(ctx, 1, attrs)
	m.verifyDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) recordActivation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordTrialEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.trialEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
