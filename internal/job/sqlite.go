package job

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore runs migrations on db and returns a Store backed by it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migrate jobs")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			product_id      TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			error           TEXT NOT NULL DEFAULT '',
			summary         TEXT NOT NULL DEFAULT '',
			progress        INTEGER NOT NULL DEFAULT 0,
			total_items     INTEGER NOT NULL DEFAULT 0,
			processed_items INTEGER NOT NULL DEFAULT 0,
			retry_of        TEXT NOT NULL DEFAULT '',
			scheduled_at    DATETIME NOT NULL,
			started_at      DATETIME,
			completed_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_scheduled_at ON jobs(scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_product_id   ON jobs(product_id);
	`)
	return err
}

const jobColumns = `id, kind, product_id, status, error, summary, progress, total_items,
	processed_items, retry_of, scheduled_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.ProductID, &j.Status, &j.Error, &j.Summary,
		&j.Progress, &j.TotalItems, &j.ProcessedItems, &j.RetryOf,
		&j.ScheduledAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = s.now().UTC()
	}
	j.Status = StatusPending
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, product_id, status, retry_of, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, j.ID, j.Kind, j.ProductID, StatusPending, j.RetryOf, j.ScheduledAt.UTC())
	if err != nil {
		return errors.Wrap(err, "create job")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, StatusRunning, s.now().UTC(), id, StatusPending)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id, summary string) error {
	return s.transition(ctx, id, StatusRunning, `
		UPDATE jobs SET status = ?, summary = ?, completed_at = ?,
			progress = CASE WHEN total_items > 0 THEN 100 ELSE progress END
		WHERE id = ? AND status = ?
	`, StatusCompleted, summary, s.now().UTC(), id, StatusRunning)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.transition(ctx, id, StatusRunning, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, StatusFailed, errMsg, s.now().UTC(), id, StatusRunning)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, processed, total int) error {
	return s.transition(ctx, id, StatusRunning, `
		UPDATE jobs SET processed_items = ?, total_items = ?, progress = ?
		WHERE id = ? AND status = ?
	`, processed, total, Progress(processed, total), id, StatusRunning)
}

// transition runs a conditional UPDATE and, when nothing matched, tells
// ErrNotFound apart from ErrConflict.
func (s *SQLiteStore) transition(ctx context.Context, id string, want Status, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "update job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update job %s", id)
	}
	if n == 1 {
		return nil
	}

	var current Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "read status of job %s", id)
	}
	return errors.Wrapf(ErrConflict, "job %s is %s, expected %s", id, current, want)
}

// List returns jobs ordered by scheduled_at DESC with pagination, and the total count.
// Jobs scheduled in the same instant come back in reverse insertion order.
func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*Job, int, error) {
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var where string
	var args []any
	if f.Status != "" {
		where = " WHERE status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count jobs")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs`+where+`
		ORDER BY scheduled_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate jobs")
	}
	return jobs, total, nil
}

func (s *SQLiteStore) ListIDsByStatus(ctx context.Context, status Status, limit int) ([]string, error) {
	var q strings.Builder
	q.WriteString(`SELECT id FROM jobs WHERE status = ? ORDER BY scheduled_at, rowid`)
	args := []any{status}
	if limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s jobs", status)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan job id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s jobs", status)
	}
	return ids, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs by status")
	}
	defer rows.Close()

	counts := map[Status]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusFailed:    0,
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate job counts")
	}
	return counts, nil
}
