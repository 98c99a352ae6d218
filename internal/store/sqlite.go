package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailattach/internal/model"
)

// ErrEntryNotFound is returned when no entry is tracked for a path.
var ErrEntryNotFound = errors.New("cache entry not found")

// SQLiteStore implements the Index interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// TrackEntry inserts or replaces the entry for entry.Path.
func (s *SQLiteStore) TrackEntry(ctx context.Context, entry model.CacheEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Source == "" {
		entry.Source = model.SourceRemoteAPI
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (
			id, cache_key, path, name, content_type, size, source, cached_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			cache_key = excluded.cache_key,
			name = excluded.name,
			content_type = excluded.content_type,
			size = excluded.size,
			source = excluded.source,
			cached_at = excluded.cached_at`,
		entry.ID, string(entry.Key), entry.Path, entry.Name,
		entry.ContentType, entry.Size, string(entry.Source),
		entry.CachedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("tracking cache entry %s: %w", entry.Path, err)
	}
	return nil
}

// ForgetPath removes the entry tracked for path. Forgetting an untracked
// path is not an error.
func (s *SQLiteStore) ForgetPath(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("forgetting cache entry %s: %w", path, err)
	}
	return nil
}

// GetEntries retrieves entries matching the provided filter options.
func (s *SQLiteStore) GetEntries(
	ctx context.Context,
	filter EntryFilter,
) ([]model.CacheEntry, error) {
	var conditions []string
	var args []interface{}

	if filter.Key != nil {
		conditions = append(conditions, "cache_key = ?")
		args = append(args, string(*filter.Key))
	}
	if filter.Source != nil {
		conditions = append(conditions, "source = ?")
		args = append(args, string(*filter.Source))
	}
	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "(name LIKE ? OR content_type LIKE ?)")
		q := "%" + *filter.Query + "%"
		args = append(args, q, q)
	}

	query := `SELECT id, cache_key, path, name, content_type, size, source, cached_at
		FROM cache_entries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	// Determine sort column.
	sortBy := "cached_at"
	if filter.SortBy != "" {
		allowedSorts := map[string]bool{
			"cached_at": true,
			"size":      true,
			"name":      true,
		}
		if allowedSorts[filter.SortBy] {
			sortBy = filter.SortBy
		}
	}

	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, direction)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var entries []model.CacheEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("querying cache entries: %w", err)
	}
	return entries, nil
}

// GetEntryByPath retrieves the entry tracked for path.
func (s *SQLiteStore) GetEntryByPath(
	ctx context.Context,
	path string,
) (*model.CacheEntry, error) {
	var entry model.CacheEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT id, cache_key, path, name, content_type, size, source, cached_at
		FROM cache_entries WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting cache entry %s: %w", path, err)
	}
	return &entry, nil
}

// TotalSize returns the total size of all tracked entries.
func (s *SQLiteStore) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COALESCE(SUM(size), 0) FROM cache_entries"); err != nil {
		return 0, fmt.Errorf("summing cache entry sizes: %w", err)
	}
	return total, nil
}
