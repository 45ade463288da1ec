// Package metricsx holds the process-wide event counters named in §9
// ("Global event counters"): LifecycleEvents and Reshardings, held as
// OpenTelemetry instruments rather than free-floating package-level statics.
package metricsx

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Counters bundles the two process-wide counters. Constructed once at
// bootstrap and passed by reference to every component that increments
// them — never a global.
type Counters struct {
	LifecycleEvents metric.Int64Counter
	Reshardings     metric.Int64Counter
}

// New builds Counters registered against the given Meter.
func New(meter metric.Meter) (*Counters, error) {
	lifecycleEvents, err := meter.Int64Counter(
		"chemist.lifecycle_events",
		metric.WithDescription("lifecycle events recorded by the interpreter"),
	)
	if err != nil {
		return nil, err
	}
	reshardings, err := meter.Int64Counter(
		"chemist.reshardings",
		metric.WithDescription("distribute deltas sunk to flasks"),
	)
	if err != nil {
		return nil, err
	}
	return &Counters{LifecycleEvents: lifecycleEvents, Reshardings: reshardings}, nil
}

// NewNoop returns Counters backed by the no-op meter provider, for tests
// and any code path exercised before telemetry is wired up.
func NewNoop() *Counters {
	c, _ := New(noop.NewMeterProvider().Meter("chemist"))
	return c
}
