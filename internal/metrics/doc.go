// Package metrics registers the Prometheus instrumentation for the
// collaboration hub and exposes it over HTTP. All series carry the
// contractops_ws_ prefix. Set.Handler() is mounted at /metrics by the server.
package metrics
