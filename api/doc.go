// Package api exposes a System over HTTP: workflow definitions and
// executions, goal submission, agent and team views, Prometheus metrics at
// /metrics and a websocket stream of bus deliveries at /api/v1/stream.
package api
