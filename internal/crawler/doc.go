// Package crawler defines the shared types, interfaces, and error taxonomy of
// the safety-constrained crawler: crawl jobs, frontier entries, page results,
// and the contracts implemented by the guard, robots cache, rate limiter,
// fetcher, extractor, and job-layer stores.
package crawler
