// Package api hosts the HTTP server and REST/SSE handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl/start, POST /v1/crawl/stop and GET /v1/crawl/status
//     drive the single crawl session.
//   - GET /v1/events streams progress events as server-sent events.
//   - POST /v1/screenshot captures one page and returns a JPEG data URL.
//   - GET /v1/sessions, /v1/sessions/{session_id} and
//     /v1/sessions/{session_id}/pages read persisted history when a
//     SessionRepository is configured.
package api
