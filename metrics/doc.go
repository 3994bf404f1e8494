// Package metrics exposes Prometheus collectors for the message bus, the
// workflow engine and team coordination. Each component reports through an
// observer adapter so none of them depends on Prometheus.
package metrics
