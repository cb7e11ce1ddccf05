// Package otel bridges the engine's counters to an OpenTelemetry meter as
// observable counters, read on collection rather than pushed per increment.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/oseh/siwo"
)

const scopeName = "github.com/oseh/siwo"

// Snapshotter is the slice of the engine the bridge needs.
type Snapshotter interface {
	MetricsSnapshot() siwo.MetricsSnapshot
}

// RegisterGlobal registers the bridge on the process-wide meter provider.
func RegisterGlobal(source Snapshotter) (metric.Registration, error) {
	return Register(otel.GetMeterProvider().Meter(scopeName), source)
}

// Register creates one observable counter per engine metric on the meter and
// returns the callback registration so callers can unregister on shutdown.
func Register(meter metric.Meter, source Snapshotter) (metric.Registration, error) {
	ids := siwo.MetricIDs()
	counters := make(map[siwo.MetricID]metric.Int64ObservableCounter, len(ids))
	observables := make([]metric.Observable, 0, len(ids))

	for _, id := range ids {
		counter, err := meter.Int64ObservableCounter(
			"siwo."+id.Name(),
			metric.WithDescription("SIWO counter "+id.Name()),
		)
		if err != nil {
			return nil, err
		}
		counters[id] = counter
		observables = append(observables, counter)
	}

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := source.MetricsSnapshot()
		for id, counter := range counters {
			observer.ObserveInt64(counter, int64(snapshot.Counters[id]))
		}
		return nil
	}, observables...)
}
