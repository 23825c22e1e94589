// Package main hosts the crawl job service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics and the /v1/jobs endpoints. Requests are
//     validated, filled from the configured job defaults and persisted via the JobStore before being enqueued.
//   - Dispatcher & queue: jobs flow through a bounded in-memory queue sized by crawler.queue_depth and are fanned out
//     to a fixed worker pool sized by crawler.workers. The dispatcher hands each running job a cancelable context.
//   - Crawl kernel: every worker shares one frontier.Crawler. URLs pass the allow-list and public-address guard, the
//     robots.txt cache and the per-host rate limiter before the colly fetcher runs. Extracted text is fingerprinted
//     and repeated content is emitted once per job.
//   - Persistence & fanout: page text is written to the configured BlobStore (memory, local or GCS). Job state and
//     page records live in memory or in Postgres when db.dsn is set. A completion event is published to Pub/Sub when
//     pubsub.project_id is set.
//
// Operational notes:
//   - The allow-list is mandatory; startup fails when it is empty.
//   - SIGINT/SIGTERM stop the HTTP server first, then the workers. Jobs still running finish as canceled with the
//     pages collected so far.
//
// Run locally: go run ./cmd/safecrawld -config config.yaml (or rely on CRAWLER_* environment overrides).
package main
