package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the validation instruments. The zero value is not usable;
// build one with NewMetrics or NopMetrics.
type Metrics struct {
	validations   metric.Int64Counter
	activations   metric.Int64Counter
	duration      metric.Float64Histogram
	auditFailures metric.Int64Counter
	auditDropped  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	validations, err := meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validation requests by response status"),
	)
	if err != nil {
		return nil, err
	}

	activations, err := meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("Licenses bound to a device for the first time"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("Time to decide a validation request"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	auditFailures, err := meter.Int64Counter(
		"license_audit_failures_total",
		metric.WithDescription("Audit sink writes that failed"),
	)
	if err != nil {
		return nil, err
	}

	auditDropped, err := meter.Int64Counter(
		"license_audit_dropped_total",
		metric.WithDescription("Audit records dropped because the queue was full or closed"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		validations:   validations,
		activations:   activations,
		duration:      duration,
		auditFailures: auditFailures,
		auditDropped:  auditDropped,
	}, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func (m *Metrics) validationDone(ctx context.Context, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.validations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) activated(ctx context.Context) {
	m.activations.Add(ctx, 1)
}

func (m *Metrics) auditFailed(ctx context.Context, kind string) {
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) auditDrop(ctx context.Context, kind string) {
	m.auditDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
