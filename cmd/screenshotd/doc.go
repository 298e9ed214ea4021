// Package main hosts the screenshot crawler entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes crawl control (start/stop/status), a server-sent event stream of
//     progress, one-shot screenshots, session history, health and Prometheus metrics.
//   - Crawl engine: internal/crawler.Orchestrator runs one session at a time. It owns the frontier, dispatches page
//     workers up to the requested concurrency and folds their results back into the frontier.
//   - Rendering: a shared headless Chrome (chromedp) hands out one isolated browser context per page. The static
//     renderer (colly + goquery) follows links without a browser and never captures screenshots.
//   - Fan-out: every progress event goes through internal/progress.Hub to the log, Prometheus, SSE broadcaster,
//     Postgres history (when a DSN is set) and Pub/Sub session notifications (when a topic is set).
//   - Storage: screenshots are optionally persisted to memory, a local directory or a GCS bucket.
//   - Tracing: with telemetry.enabled, crawl sessions and pages become OpenTelemetry spans and API requests are
//     traced through otelhttp. rate_limit.api_rps sheds bursts on /v1/crawl/start and /v1/screenshot.
//
// Quick checklist:
//   - Configure via file (--config) or CRAWLER_* env vars, e.g. CRAWLER_SERVER_PORT, CRAWLER_RENDERER_KIND,
//     CRAWLER_STORAGE_BACKEND, CRAWLER_DB_DSN, CRAWLER_PUBSUB_TOPIC_NAME.
//   - Serve: go run ./cmd/screenshotd serve --config config.yaml
//   - One-shot crawl printing events as JSON lines: go run ./cmd/screenshotd crawl https://example.com --max-pages 5
package main
