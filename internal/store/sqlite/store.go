// Package sqlite provides the SQLite-backed module host store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dshills/modhost/internal/store"
	"github.com/dshills/modhost/internal/store/sqlite/migrations"
	"github.com/dshills/modhost/internal/store/sqlitemigrate"
)

// Store provides SQLite-backed module records and cleanup queue.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite store at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// GetInstalledModule returns the record for id.
func (s *Store) GetInstalledModule(ctx context.Context, id string) (store.InstalledModule, error) {
	if err := s.ready(ctx); err != nil {
		return store.InstalledModule{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, version, path, is_system, enabled, installed_at, updated_at
FROM installed_modules
WHERE id = ?
`, id)

	rec, err := scanModule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.InstalledModule{}, fmt.Errorf("module %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.InstalledModule{}, fmt.Errorf("get module %s: %w", id, err)
	}
	return rec, nil
}

// UpsertInstalledModule inserts or replaces a record, keeping installed_at.
func (s *Store) UpsertInstalledModule(ctx context.Context, record store.InstalledModule) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("module id is required")
	}
	now := s.now()
	if record.InstalledAt.IsZero() {
		record.InstalledAt = now
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO installed_modules (
	id,
	version,
	path,
	is_system,
	enabled,
	installed_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	version = excluded.version,
	path = excluded.path,
	is_system = excluded.is_system,
	enabled = excluded.enabled,
	updated_at = excluded.updated_at
`,
		record.ID,
		record.Version,
		record.Path,
		record.IsSystem,
		record.Enabled,
		record.InstalledAt.UTC().UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert module %s: %w", record.ID, err)
	}
	return nil
}

// DeleteInstalledModule removes a record.
func (s *Store) DeleteInstalledModule(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM installed_modules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete module %s: %w", id, err)
	}
	return requireRow(res, "module "+id)
}

// UpdateModuleEnabledState sets the enabled flag.
func (s *Store) UpdateModuleEnabledState(ctx context.Context, id string, enabled bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE installed_modules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update module %s: %w", id, err)
	}
	return requireRow(res, "module "+id)
}

// ListInstalledModules returns records ordered by id.
func (s *Store) ListInstalledModules(ctx context.Context) ([]store.InstalledModule, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, version, path, is_system, enabled, installed_at, updated_at
FROM installed_modules
ORDER BY id
`)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var records []store.InstalledModule
	for rows.Next() {
		rec, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return records, nil
}

// ListPendingCleanups returns pending records ordered by path.
func (s *Store) ListPendingCleanups(ctx context.Context) ([]store.PendingCleanup, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT path, module_id, retry_count, last_attempt_at, created_at
FROM pending_cleanups
ORDER BY path
`)
	if err != nil {
		return nil, fmt.Errorf("list cleanups: %w", err)
	}
	defer rows.Close()

	var records []store.PendingCleanup
	for rows.Next() {
		var rec store.PendingCleanup
		var lastAttempt, created int64
		if err := rows.Scan(&rec.Path, &rec.ModuleID, &rec.RetryCount, &lastAttempt, &created); err != nil {
			return nil, fmt.Errorf("scan cleanup: %w", err)
		}
		if lastAttempt != 0 {
			rec.LastAttemptAt = time.UnixMilli(lastAttempt).UTC()
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cleanups: %w", err)
	}
	return records, nil
}

// UpsertPendingCleanup inserts or replaces a pending record keyed by path.
func (s *Store) UpsertPendingCleanup(ctx context.Context, record store.PendingCleanup) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.Path) == "" {
		return fmt.Errorf("cleanup path is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	var lastAttempt int64
	if !record.LastAttemptAt.IsZero() {
		lastAttempt = record.LastAttemptAt.UTC().UnixMilli()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_cleanups (path, module_id, retry_count, last_attempt_at, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	module_id = excluded.module_id,
	retry_count = excluded.retry_count,
	last_attempt_at = excluded.last_attempt_at
`,
		record.Path,
		record.ModuleID,
		record.RetryCount,
		lastAttempt,
		record.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert cleanup %s: %w", record.Path, err)
	}
	return nil
}

// DeletePendingCleanup removes the record for path.
func (s *Store) DeletePendingCleanup(ctx context.Context, path string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_cleanups WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete cleanup %s: %w", path, err)
	}
	return requireRow(res, "cleanup "+path)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (store.InstalledModule, error) {
	var rec store.InstalledModule
	var installed, updated int64
	if err := row.Scan(
		&rec.ID,
		&rec.Version,
		&rec.Path,
		&rec.IsSystem,
		&rec.Enabled,
		&installed,
		&updated,
	); err != nil {
		return store.InstalledModule{}, err
	}
	rec.InstalledAt = time.UnixMilli(installed).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
