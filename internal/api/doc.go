// Package api hosts the HTTP server, middleware, and REST handlers for served
// mode. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to submit a run, with pause/resume/cancel under
//     /v1/runs/{run_id}.
//   - GET /v1/runs/{run_id}/events for a server-sent event stream that opens
//     with a snapshot and ends after run_finish.
//   - GET /api/history/runs for finished runs via the RunRepository interface.
package api
