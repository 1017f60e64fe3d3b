// Package otel exposes hybridauth engine metrics as OpenTelemetry
// observable instruments.
//
// Each counter becomes an Int64ObservableCounter and each latency bucket an
// Int64ObservableGauge. One callback reads the engine snapshot per
// collection. Callers own the MeterProvider.
package otel
