// Package history records finished scan jobs in PostgreSQL.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"scanlink/config"
	"scanlink/logging"
	"scanlink/scanman"
)

// ErrNotFound is returned by Get for an unknown job.
var ErrNotFound = errors.New("job not found")

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("history", format, args...)
}

// Record is one row of the scan_jobs table.
type Record struct {
	ID         string    `json:"id"`
	Device     string    `json:"device"`
	State      string    `json:"state"`
	Status     int       `json:"status"`
	StatusName string    `json:"status_name"`
	Error      string    `json:"error,omitempty"`
	Created    time.Time `json:"created"`
	Started    time.Time `json:"started,omitempty"`
	Finished   time.Time `json:"finished,omitempty"`
	Frames     []string  `json:"frames"`
	Bytes      int64     `json:"bytes"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Output     string    `json:"output,omitempty"`
}

// FromJob converts a job snapshot into a record.
func FromJob(info scanman.JobInfo) Record {
	frames := make([]string, len(info.Frames))
	for i, p := range info.Frames {
		frames[i] = p.Format.String()
	}
	return Record{
		ID:         info.ID,
		Device:     info.Device,
		State:      info.State,
		Status:     int(info.Status),
		StatusName: info.StatusName,
		Error:      info.Error,
		Created:    info.Created,
		Started:    info.Started,
		Finished:   info.Finished,
		Frames:     frames,
		Bytes:      info.Bytes,
		Width:      info.Width,
		Height:     info.Height,
		Output:     info.Output,
	}
}

// Store is the job history table.
type Store struct {
	db     *sql.DB
	schema string
}

// Open connects with lib/pq, creates the schema if needed and runs the
// migrations.
func Open(ctx context.Context, cfg config.HistoryConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	s := New(db, cfg.Schema)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	debugLog("History store ready (database: %s, schema: %s)", cfg.Database, s.schema)
	return s, nil
}

// New wraps an open database. An empty schema means "scanlink".
func New(db *sql.DB, schema string) *Store {
	if schema == "" {
		schema = "scanlink"
	}
	return &Store{db: db, schema: schema}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) table() string {
	return pq.QuoteIdentifier(s.schema) + ".scan_jobs"
}

// migrations returns the DDL statements, in order.
func (s *Store) migrations() []string {
	t := s.table()
	return []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(s.schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			state TEXT NOT NULL,
			status INTEGER NOT NULL,
			status_name TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE,
			finished_at TIMESTAMP WITH TIME ZONE,
			frames TEXT[] NOT NULL DEFAULT '{}',
			bytes BIGINT NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			output TEXT NOT NULL DEFAULT ''
		)`, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_scan_jobs_created_at ON %s(created_at DESC)", t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_scan_jobs_device ON %s(device)", t),
	}
}

// Migrate creates the schema and table.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range s.migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Save inserts or updates a record.
func (s *Store) Save(ctx context.Context, r Record) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(id, device, state, status, status_name, error, created_at, started_at, finished_at, frames, bytes, width, height, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			status_name = EXCLUDED.status_name,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			frames = EXCLUDED.frames,
			bytes = EXCLUDED.bytes,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			output = EXCLUDED.output`, s.table())

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Device, r.State, r.Status, r.StatusName, r.Error,
		r.Created, nullTime(r.Started), nullTime(r.Finished),
		pq.Array(r.Frames), r.Bytes, r.Width, r.Height, r.Output)
	if err != nil {
		return fmt.Errorf("save job %s: %w", r.ID, err)
	}
	return nil
}

// RecordJob saves a finished job.
func (s *Store) RecordJob(ctx context.Context, info scanman.JobInfo) error {
	return s.Save(ctx, FromJob(info))
}

const columns = "id, device, state, status, status_name, error, created_at, started_at, finished_at, frames, bytes, width, height, output"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var started, finished sql.NullTime
	var frames pq.StringArray
	err := row.Scan(&r.ID, &r.Device, &r.State, &r.Status, &r.StatusName, &r.Error,
		&r.Created, &started, &finished, &frames, &r.Bytes, &r.Width, &r.Height, &r.Output)
	if err != nil {
		return Record{}, err
	}
	r.Started = started.Time
	r.Finished = finished.Time
	r.Frames = []string(frames)
	return r, nil
}

// List returns up to limit records, newest first. Device filters when set.
func (s *Store) List(ctx context.Context, device string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if device == "" {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1", columns, s.table()), limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT %s FROM %s WHERE device = $1 ORDER BY created_at DESC LIMIT $2", columns, s.table()), device, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", columns, s.table()), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return r, nil
}

// Prune deletes records created before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE created_at < $1", s.table()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}
