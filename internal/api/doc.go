// Package api hosts the HTTP surface of the serve command. Routes:
//   - GET /healthz for liveness and GET /readyz for the connection check
//     (200 OK, 503 transient failure, 500 fatal failure).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/{job_id}/run, POST /v1/jobs/{job_id}/reset and
//     GET /v1/jobs/{job_id}/status to drive crawl jobs.
//   - GET /v1/runs/{run_id}/activities for the persisted activity log when a
//     store is configured.
package api
