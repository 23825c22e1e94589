// Package sinks holds the progress consumers: structured logs and Prometheus
// collectors.
package sinks
