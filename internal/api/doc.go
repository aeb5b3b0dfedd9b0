// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger a harvest run (409 while one is active).
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/sources for
//     run history backed by the run store.
package api
