package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    handler     TEXT NOT NULL,
    data        BLOB,
    status      TEXT NOT NULL,
    progress    BLOB,
    result      BLOB,
    error       TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL DEFAULT 0,
    discarded   INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createJobsStatusIndex = `
CREATE INDEX IF NOT EXISTS idx_jobs_status_handler ON jobs (status, handler, id)`

const createProgressTable = `
CREATE TABLE IF NOT EXISTS job_progress (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    attempt    INTEGER NOT NULL,
    seq        INTEGER NOT NULL,
    value      BLOB,
    created_at DATETIME NOT NULL
)`

var jobColumns = []string{
	"id", "handler", "data", "status", "progress", "result", "error", "error_kind",
	"attempt", "discarded", "duration_ms", "created_at", "started_at", "finished_at",
}

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes
	// the claim transaction against concurrent writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct {
		name  string
		query string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create jobs table", createJobsTable},
		{"create jobs index", createJobsStatusIndex},
		{"create progress table", createProgressTable},
	} {
		if _, err := db.Exec(stmt.query); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	query, args, err := sq.Insert("jobs").Columns(jobColumns...).Values(
		j.ID, j.Handler, []byte(j.Data), j.Status, []byte(j.Progress), []byte(j.Result), j.Error, j.ErrorKind,
		j.Attempt, j.Discarded, j.DurationMS, j.CreatedAt, j.StartedAt, j.FinishedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.db, id)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryer, id string) (*model.Job, error) {
	query, args, err := sq.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	j, err := scanJob(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a page of jobs matching f, newest first, along with the
// total number of matching jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error) {
	where := sq.Eq{}
	if f.Status != "" {
		where["status"] = f.Status
	}
	if f.Handler != "" {
		where["handler"] = f.Handler
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	countQuery, countArgs, err := sq.Select("COUNT(*)").From("jobs").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := tx.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	sel := sq.Select(jobColumns...).From("jobs").Where(where).OrderBy("id DESC")
	if f.Limit > 0 {
		sel = sel.Limit(uint64(f.Limit)).Offset(uint64(max(f.Offset, 0)))
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// ClaimNextJob moves the oldest waiting job for one of handlers to active.
// It returns ErrNoJob when there is nothing to claim.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, handlers []string) (*model.Job, error) {
	if len(handlers) == 0 {
		return nil, ErrNoJob
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sq.Select("id").From("jobs").
		Where(sq.Eq{"status": model.StatusWaiting, "handler": handlers}).
		OrderBy("id").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim select: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("select waiting job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempt = attempt + 1, started_at = ?,
			progress = NULL, discarded = 0
		WHERE id = ? AND status = ?`,
		model.StatusActive, time.Now().UTC(), id, model.StatusWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("activate job: %w", err)
	}

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return j, nil
}

// UpdateJobProgress stores the latest progress value of an active job.
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, value json.RawMessage) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET progress = ? WHERE id = ? AND status = ?",
		[]byte(value), id, model.StatusActive,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

// FinishJob moves an active job to j.Status and records its outcome.
func (s *SQLiteStore) FinishJob(ctx context.Context, j *model.Job) error {
	if !model.ValidTransition(model.StatusActive, j.Status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, model.StatusActive, j.Status)
	}

	finishedAt := time.Now().UTC()
	if j.FinishedAt != nil {
		finishedAt = *j.FinishedAt
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, error = ?, error_kind = ?,
			discarded = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		j.Status, []byte(j.Result), j.Error, j.ErrorKind,
		j.Discarded, j.DurationMS, finishedAt,
		j.ID, model.StatusActive,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return s.checkAffected(ctx, result, j.ID)
}

// MarkStalled moves every active job to stalled. It is used at startup to
// recover jobs whose coordinator died mid-execution.
func (s *SQLiteStore) MarkStalled(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin stall tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM jobs WHERE status = ? ORDER BY id", model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan active job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active jobs: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sq.Update("jobs").
		Set("status", model.StatusStalled).
		Set("error", "job stalled").
		Set("finished_at", time.Now().UTC()).
		Where(sq.Eq{"id": ids, "status": model.StatusActive}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stall update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("mark stalled: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stall: %w", err)
	}
	return ids, nil
}

// DeleteJob removes a job and its progress history.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_progress WHERE job_id = ?", id); err != nil {
		return fmt.Errorf("delete job progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// GetJobStats returns job counts by status and handler, and the mean
// duration of finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus:  make(map[string]int),
		CountByHandler: make(map[string]int),
	}

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"handler", stats.CountByHandler},
	} {
		query, args, err := sq.Select(group.column, "COUNT(*)").From("jobs").GroupBy(group.column).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build stats query: %w", err)
		}
		if err := s.countInto(ctx, query, args, group.into); err != nil {
			return nil, err
		}
	}

	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

func (s *SQLiteStore) countInto(ctx context.Context, query string, args []any, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertProgress appends a progress value to a job's history.
func (s *SQLiteStore) InsertProgress(ctx context.Context, jobID string, attempt, seq int, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_progress (job_id, attempt, seq, value, created_at) VALUES (?, ?, ?, ?, ?)",
		jobID, attempt, seq, []byte(value), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

// GetProgress returns a job's progress history ordered by attempt and sequence.
func (s *SQLiteStore) GetProgress(ctx context.Context, jobID string) ([]model.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, attempt, seq, value, created_at
		FROM job_progress WHERE job_id = ? ORDER BY attempt, seq`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	defer rows.Close()

	var entries []model.ProgressEntry
	for rows.Next() {
		var e model.ProgressEntry
		var value []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Attempt, &e.Seq, &value, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		e.Value = value
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return entries, nil
}

// checkAffected maps a zero-row update to ErrNotFound or ErrInvalidTransition.
func (s *SQLiteStore) checkAffected(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, status)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var data, progress, result []byte
	if err := r.Scan(
		&j.ID, &j.Handler, &data, &j.Status, &progress, &result, &j.Error, &j.ErrorKind,
		&j.Attempt, &j.Discarded, &j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	j.Data = data
	j.Progress = progress
	j.Result = result
	return j, nil
}
