// Package monitor provides the observability surface: health checks over the
// broker and the stores, Prometheus metrics fed by the delivery engine's
// observer callbacks, and the HTTP endpoints that expose both.
package monitor
