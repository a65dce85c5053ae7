// Package api hosts the read-only status server. Routes:
//   - GET /healthz, /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/{scraper_id} for the persisted run state.
//   - GET /v1/runs/{scraper_id}/history/{run_id} for a run-history artifact.
//   - GET /v1/versions/latest and /v1/versions/history for captured content.
package api
