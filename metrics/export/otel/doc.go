// Package otel publishes engine counters as OpenTelemetry observable
// instruments.
//
// [NewExporter] registers an Int64ObservableCounter per counter and a set of
// cumulative bucket gauges for the verification latency histogram. Callers
// own the MeterProvider.
package otel
