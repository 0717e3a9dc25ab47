// Package internaldefs holds the shared metric name table and bucket math
// used by the Prometheus and OTel exporters. It exists so the two exporters
// cannot drift apart on names or ordering.
package internaldefs
