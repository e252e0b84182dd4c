// Package main hosts the audit service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and audit endpoints. Callers are identified by
//     gateway-supplied headers; creation requests are validated, checked against the per-user daily ceiling,
//     persisted via the Store, and enqueued for the pipeline before a 202 is returned.
//   - Dispatcher & queue: admitted jobs flow through a bounded in-memory queue sized by config.Pipeline.QueueDepth
//     and are fanned out to a fixed worker pool sized by config.Pipeline.Concurrency. Context cancellation stops
//     workers cleanly on shutdown.
//   - Pipeline: each worker runs the five audit stages (validate, fetch via Colly, extract signals via goquery,
//     AI analysis via the Anthropic Messages API, deterministic scoring) and persists exactly one terminal
//     transition per audit. AI failures degrade to placeholder findings rather than failing the audit.
//   - Progress streaming: the broadcast package maps each audit ID to at most one live listener; the API relays
//     events over server-sent events with periodic keep-alive comments for proxies.
//   - Persistence: the store provider is selected by config (in-memory for development, pgx-backed Postgres for
//     production). Usage counters for rate limiting live beside the audit rows and are incremented atomically.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     counters and histograms are exported on /metrics from a private registry.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; submission is fire-and-forget and never blocks on
//     pipeline work. Shutdown is coordinated via context cancellation propagated from main through the dispatcher.
//   - Rate limiting: ceilings are per user per UTC calendar day, keyed by plan tier; counters reset implicitly when
//     the date changes. Rejected requests never consume quota.
//   - Observability: zap logs carry audit IDs and URLs at key transitions; Prometheus tracks job outcomes, stage
//     latencies, and rate-limit rejections. Tracing is not wired in.
package main
