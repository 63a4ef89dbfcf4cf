// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/extract and /v1/extract/batch for on-demand extraction.
//   - POST /v1/seeds to start a crawl session.
//   - GET /v1/budget and /v1/sessions for usage reporting.
package api
