// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sessions/{session}/... for queueing, polling, dedup checks, session
//     migration, reseeding, URL filters and crawl results.
//   - DELETE /v1/sessions/{session} to purge a session.
package api
