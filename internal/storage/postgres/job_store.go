// Package postgres persists crawl jobs and their pages in Postgres.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

//go:embed schema.sql
var schema string

const foreignKeyViolation = "23503"

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// JobStore implements crawler.JobStore on Postgres.
type JobStore struct {
	pool  Pool
	clock crawler.Clock
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, clock)
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool Pool, clock crawler.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &JobStore{pool: pool, clock: clock}, nil
}

// EnsureSchema creates the job and page tables when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a job row. An existing ID yields crawler.ErrJobExists.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (id, status, submitted_at, error_text, parameters, counters)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Status), job.Submitted.UTC(), job.ErrorText, params, counters,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	return nil
}

// UpdateJobStatus sets status, error text and counters. started_at and
// finished_at are only ever set once.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	payload, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs
SET status = $2,
    error_text = $3,
    counters = $4,
    started_at = CASE WHEN $5 THEN COALESCE(started_at, $7) ELSE started_at END,
    finished_at = CASE WHEN $6 THEN COALESCE(finished_at, $7) ELSE finished_at END
WHERE id = $1`,
		jobID,
		string(status),
		errText,
		payload,
		status == crawler.JobStatusRunning,
		status.IsTerminal(),
		s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return nil
}

// RecordPage inserts one page row for a job.
func (s *JobStore) RecordPage(ctx context.Context, page crawler.PageRecord) error {
	meta := page.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	links := page.Links
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_pages (
    job_id, url, status_code, title, meta, links,
    fingerprint, fetched_at, depth, blob_uri, error_text
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		page.JobID,
		page.URL,
		page.StatusCode,
		page.Title,
		metaJSON,
		linksJSON,
		page.Fingerprint,
		page.FetchedAt.UTC(),
		page.Depth,
		page.BlobURI,
		page.Error,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("record page for %s: %w", page.JobID, crawler.ErrJobNotFound)
		}
		return fmt.Errorf("insert page %s: %w", page.URL, err)
	}
	return nil
}

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, status, submitted_at, started_at, finished_at, error_text, parameters, counters
FROM crawl_jobs
WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrJobNotFound)
		}
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job      crawler.Job
		status   string
		params   []byte
		counters []byte
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
		&params,
		&counters,
	); err != nil {
		return crawler.Job{}, fmt.Errorf("scan job row: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return crawler.Job{}, fmt.Errorf("decode parameters for %s: %w", job.ID, err)
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &job.Counters); err != nil {
			return crawler.Job{}, fmt.Errorf("decode counters for %s: %w", job.ID, err)
		}
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *JobStore) ListJobs(ctx context.Context, status *crawler.JobStatus, limit, offset int) ([]crawler.Job, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, status, submitted_at, started_at, finished_at, error_text, parameters, counters
FROM crawl_jobs
WHERE ($1::text IS NULL OR status = $1)
ORDER BY submitted_at DESC, id DESC
LIMIT $2 OFFSET $3`, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ListPages returns a job's pages in insertion order.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]crawler.PageRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT job_id, url, status_code, title, meta, links, fingerprint, fetched_at, depth, blob_uri, error_text
FROM crawl_pages
WHERE job_id = $1
ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages for %s: %w", jobID, err)
	}
	defer rows.Close()

	pages := []crawler.PageRecord{}
	for rows.Next() {
		var (
			page  crawler.PageRecord
			meta  []byte
			links []byte
		)
		if err := rows.Scan(
			&page.JobID,
			&page.URL,
			&page.StatusCode,
			&page.Title,
			&meta,
			&links,
			&page.Fingerprint,
			&page.FetchedAt,
			&page.Depth,
			&page.BlobURI,
			&page.Error,
		); err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		if err := json.Unmarshal(meta, &page.Meta); err != nil {
			return nil, fmt.Errorf("decode meta for %s: %w", page.URL, err)
		}
		if err := json.Unmarshal(links, &page.Links); err != nil {
			return nil, fmt.Errorf("decode links for %s: %w", page.URL, err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages for %s: %w", jobID, err)
	}
	return pages, nil
}
