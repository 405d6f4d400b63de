package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"hospitaletl/internal/core/domain"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const timeLayout = time.RFC3339Nano

// SQLStore implements ports.MetadataStore on sqlite3 or Postgres.
// Each dataset is one row keyed by dataset_id, so writes for different
// datasets never touch the same row.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the metadata database and ensures the schema exists.
// For sqlite3 the dsn is a file path; its directory is created if missing.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create metadata directory %s: %w", dir, err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported metadata driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	s, err := NewWithDB(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB reuses an existing *sql.DB.
func NewWithDB(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}

	if driver == DriverSQLite {
		// One writer; WAL + FULL sync so a returned commit survives a crash.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA synchronous=FULL;`,
			`PRAGMA busy_timeout=5000;`,
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return nil, fmt.Errorf("failed to configure sqlite: %w", err)
			}
		}
	} else {
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &SQLStore{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS dataset_metadata (
  dataset_id     TEXT PRIMARY KEY,
  title          TEXT NOT NULL DEFAULT '',
  fingerprint    TEXT NOT NULL DEFAULT '',
  raw_path       TEXT NOT NULL DEFAULT '',
  processed_path TEXT NOT NULL DEFAULT '',
  last_success   TEXT NOT NULL DEFAULT '',
  status         TEXT NOT NULL CHECK (status IN ('pending','success','failed')),
  last_error     TEXT NOT NULL DEFAULT '',
  updated_at     TEXT NOT NULL
)`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const selectColumns = `dataset_id, title, fingerprint, raw_path, processed_path, last_success, status, last_error, updated_at`

// Lookup returns the record for id.
func (s *SQLStore) Lookup(ctx context.Context, id string) (domain.DatasetRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectColumns+` FROM dataset_metadata WHERE dataset_id = ?`), id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DatasetRecord{}, false, nil
		}
		return domain.DatasetRecord{}, false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return rec, true, nil
}

// Commit upserts the record with the new fingerprint and artifact paths in a single statement.
func (s *SQLStore) Commit(ctx context.Context, req domain.CommitRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("commit: dataset id is required")
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO dataset_metadata
  (dataset_id, title, fingerprint, raw_path, processed_path, last_success, status, last_error, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'success', '', ?)
ON CONFLICT (dataset_id) DO UPDATE SET
  title = excluded.title,
  fingerprint = excluded.fingerprint,
  raw_path = excluded.raw_path,
  processed_path = excluded.processed_path,
  last_success = excluded.last_success,
  status = 'success',
  last_error = '',
  updated_at = excluded.updated_at`),
		req.ID, req.Title, req.Fingerprint, req.RawPath, req.ProcessedPath,
		formatTime(at), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("commit %s: %w", req.ID, err)
	}
	return nil
}

// MarkFailed sets status=failed and records the error. The fingerprint and
// artifact paths of an existing record are left as they were.
func (s *SQLStore) MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, cause error) error {
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	return s.markStatus(ctx, id, "", domain.StatusFailed, msg)
}

// MarkPending sets status=pending for id.
func (s *SQLStore) MarkPending(ctx context.Context, id, title string) error {
	return s.markStatus(ctx, id, title, domain.StatusPending, "")
}

func (s *SQLStore) markStatus(ctx context.Context, id, title string, status domain.RecordStatus, lastError string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("dataset id is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO dataset_metadata (dataset_id, title, status, last_error, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (dataset_id) DO UPDATE SET
  title = CASE WHEN excluded.title = '' THEN dataset_metadata.title ELSE excluded.title END,
  status = excluded.status,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at`),
		id, title, string(status), lastError, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", id, status, err)
	}
	return nil
}

// List returns every record ordered by dataset id.
func (s *SQLStore) List(ctx context.Context) ([]domain.DatasetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM dataset_metadata ORDER BY dataset_id`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []domain.DatasetRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (domain.DatasetRecord, error) {
	var (
		rec         domain.DatasetRecord
		status      string
		lastSuccess string
		updatedAt   string
	)
	if err := sc.Scan(&rec.ID, &rec.Title, &rec.Fingerprint, &rec.RawPath, &rec.ProcessedPath,
		&lastSuccess, &status, &rec.LastError, &updatedAt); err != nil {
		return domain.DatasetRecord{}, err
	}
	rec.Status = domain.RecordStatus(status)
	rec.LastSuccess = parseTime(lastSuccess)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
