// Package prometheus exports engine metrics in Prometheus text exposition
// format without depending on the Prometheus client library. Serve
// [PrometheusExporter.Handler] on a metrics endpoint or scrape
// [PrometheusExporter.Render] directly.
package prometheus
