// Package prometheus exposes engine counters as a prometheus.Collector.
//
// Register [Exporter] on any registry, or mount [Exporter.Handler] for a
// dedicated scrape endpoint. Counters are named tokenguard_*_total; the
// single histogram is tokenguard_verify_latency_seconds. Nothing is
// registered globally.
package prometheus
