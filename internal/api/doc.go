// Package api hosts the HTTP job API. Notable routes:
//   - POST /v1/jobs submits a crawl; GET /v1/jobs lists jobs.
//   - GET /v1/jobs/{job_id}/status and /result read a job back.
//   - POST /v1/jobs/{job_id}/cancel stops a queued or running job.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus.
package api
