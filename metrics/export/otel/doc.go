// Package otel exports engine metrics through an OpenTelemetry meter as
// observable instruments. Counters export directly; histogram buckets
// export as cumulative gauges matching the Prometheus rendering.
package otel
