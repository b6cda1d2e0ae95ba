// Package api hosts the ops HTTP surface of a listing-ingest process.
// Routes:
//   - GET /healthz and /readyz for probes; readiness runs the configured checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/{jobType} to enqueue a job with its correlation context.
//   - GET /v1/jobs/{jobType}/{jobId} to read a job's broker state.
package api
