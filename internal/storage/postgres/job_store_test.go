package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

var _ crawler.JobStore = (*JobStore)(nil)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool() // pgxmock v4 always monitors pings
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, fixedClock{t: now})
	require.NoError(t, err)
	return store, mock
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := crawler.Job{
		ID:        "job-1",
		Status:    crawler.JobStatusQueued,
		Submitted: now,
		Parameters: crawler.JobParameters{
			StartURL:     "https://example.com/",
			MaxPages:     5,
			AllowedHosts: []string{"example.com"},
		},
	}
	params, err := json.Marshal(job.Parameters)
	require.NoError(t, err)
	counters, err := json.Marshal(job.Counters)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-1", "queued", now, "", params, counters).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-1", "queued", now, "", params, counters).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.ErrorIs(t, store.CreateJob(context.Background(), job), crawler.ErrJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	counters := crawler.JobCounters{PagesSucceeded: 3, RobotsDenied: 1}
	payload, err := json.Marshal(counters)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "running", "", payload, true, false, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "canceled", "crawl canceled", payload, false, true, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("missing", "failed", "", payload, false, true, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", crawler.JobStatusRunning, "", counters))
	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", crawler.JobStatusCanceled, "crawl canceled", counters))
	require.ErrorIs(t, store.UpdateJobStatus(ctx, "missing", crawler.JobStatusFailed, "", counters), crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := crawler.PageRecord{
		JobID:       "job-1",
		URL:         "https://example.com/a",
		StatusCode:  200,
		Title:       "A",
		Meta:        map[string]string{"description": "about a"},
		Links:       []string{"https://example.com/b"},
		Fingerprint: "abc",
		FetchedAt:   now,
		Depth:       1,
		BlobURI:     "memory://job-1/0001.txt",
	}

	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs("job-1", page.URL, 200, "A",
			[]byte(`{"description":"about a"}`), []byte(`["https://example.com/b"]`),
			"abc", now, 1, page.BlobURI, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs("ghost", page.URL, 200, "A",
			[]byte(`{"description":"about a"}`), []byte(`["https://example.com/b"]`),
			"abc", now, 1, page.BlobURI, "").
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolation})

	require.NoError(t, store.RecordPage(context.Background(), page))
	page.JobID = "ghost"
	require.ErrorIs(t, store.RecordPage(context.Background(), page), crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	started := now.Add(time.Second)
	params := []byte(`{"start_url":"https://example.com/","max_pages":5,"max_depth":1,"allowed_hosts":["example.com"],"min_delay_seconds":1,"max_concurrency":2}`)
	counters := []byte(`{"pages_succeeded":2,"pages_failed":1,"robots_denied":0,"duplicates":0,"rejected":0}`)

	columns := []string{"id", "status", "submitted_at", "started_at", "finished_at", "error_text", "parameters", "counters"}
	mock.ExpectQuery("SELECT id, status").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-1", "running", now, &started, nil, "", params, counters))
	mock.ExpectQuery("SELECT id, status").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, job.Status)
	require.Equal(t, now, job.Submitted)
	require.NotNil(t, job.Started)
	require.Equal(t, started, *job.Started)
	require.Nil(t, job.Finished)
	require.Equal(t, "https://example.com/", job.Parameters.StartURL)
	require.Equal(t, []string{"example.com"}, job.Parameters.AllowedHosts)
	require.Equal(t, 2, job.Counters.PagesSucceeded)
	require.Equal(t, 1, job.Counters.PagesFailed)

	_, err = store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPages(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	columns := []string{"job_id", "url", "status_code", "title", "meta", "links", "fingerprint", "fetched_at", "depth", "blob_uri", "error_text"}
	mock.ExpectQuery("SELECT job_id, url").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-1", "https://example.com/", 200, "Home", []byte(`{"lang":"en"}`), []byte(`["https://example.com/a"]`), "f1", now, 0, "memory://job-1/0001.txt", "").
			AddRow("job-1", "https://example.com/a", 200, "A", []byte(`{}`), []byte(`[]`), "f2", now, 1, "memory://job-1/0002.txt", ""))

	pages, err := store.ListPages(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "Home", pages[0].Title)
	require.Equal(t, "en", pages[0].Meta["lang"])
	require.Equal(t, []string{"https://example.com/a"}, pages[0].Links)
	require.Equal(t, 1, pages[1].Depth)
	require.Empty(t, pages[1].Links)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	columns := []string{"id", "status", "submitted_at", "started_at", "finished_at", "error_text", "parameters", "counters"}
	finished := now.Add(time.Minute)
	params := []byte(`{"start_url":"https://example.com/"}`)
	status := crawler.JobStatusSucceeded
	filter := "succeeded"

	mock.ExpectQuery("SELECT id, status").
		WithArgs(&filter, 10, 5).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-2", "succeeded", now, &now, &finished, "", params, []byte(`{}`)).
			AddRow("job-1", "succeeded", now, &now, &finished, "", params, []byte(`{}`)))

	jobs, err := store.ListJobs(context.Background(), &status, 10, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-2", jobs[0].ID)
	require.Equal(t, finished, *jobs[1].Finished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectPing()

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, fixedClock{})
	require.Error(t, err)
	_, err = New(context.Background(), Config{}, fixedClock{})
	require.Error(t, err)
}
