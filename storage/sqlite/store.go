// Package sqlite provides the relational entity store backend.
//
// Each kind maps 1:1 to a table whose column names come from the kind's
// declared field map: id TEXT PRIMARY KEY, updated_at TEXT holding the
// version token, every other column TEXT holding its value JSON-encoded.
// A missing row is silent; a missing relation classifies as
// storage.ErrRelationMissing (the fallback trigger); a policy rejection
// classifies as storage.ErrPermissionDenied and always propagates.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oakmere/entitystore/storage"
	"github.com/oakmere/entitystore/storage/fieldmap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const (
	columnID      = "id"
	columnVersion = "updated_at"
)

// Store persists entities in SQLite, one table per kind.
type Store struct {
	sqlDB *sql.DB
	maps  *fieldmap.Registry
}

var _ storage.Store = (*Store)(nil)

// Open opens the entity database at path. The schema is expected to be
// provisioned externally; missing kind tables surface as
// storage.ErrRelationMissing at call time, never at open time.
func Open(path string, maps *fieldmap.Registry) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return NewWithDB(sqlDB, maps)
}

// NewWithDB wraps an existing database handle. The caller keeps ownership of
// the handle lifecycle unless Close is used.
func NewWithDB(sqlDB *sql.DB, maps *fieldmap.Registry) (*Store, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if maps == nil {
		maps = fieldmap.NewRegistry()
	}
	return &Store{sqlDB: sqlDB, maps: maps}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB exposes the underlying handle for provisioning and for the blob bucket
// sharing the same database.
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// Get returns the entity for (kind, id), or ok=false when none exists.
func (s *Store) Get(ctx context.Context, kind, id string) (storage.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := storage.ValidateKind(kind); err != nil {
		return nil, false, err
	}
	entity, err := s.readRow(ctx, kind, id)
	if err != nil {
		return nil, false, err
	}
	if entity == nil {
		return nil, false, nil
	}
	return entity, true, nil
}

// List returns all entities of the kind satisfying filter. The filter runs
// client-side over the full table read.
func (s *Store) List(ctx context.Context, kind string, filter storage.Filter) ([]storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, kind))
	if err != nil {
		return nil, Classify(fmt.Sprintf("list kind %q", kind), err)
	}
	defer rows.Close()

	m := s.maps.Lookup(kind)
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("list kind %q: %w", kind, err)
	}
	var entities []storage.Entity
	for rows.Next() {
		entity, err := scanEntity(rows, columns, m, kind)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(entity) {
			continue
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(fmt.Sprintf("list kind %q", kind), err)
	}
	if entities == nil {
		entities = []storage.Entity{}
	}
	return entities, nil
}

// Upsert inserts or fully replaces the entity keyed on id. Columns absent
// from the entity reset to NULL, so a replace is never a partial merge.
func (s *Store) Upsert(ctx context.Context, kind string, entity storage.Entity) (storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	stored := entity.Clone()
	if err := s.replaceRow(ctx, kind, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateWithVersion re-reads the current row, compares its version token to
// expectedVersion, and applies a conditional update guarded by id and the old
// token. Zero affected rows after a passed pre-check is a race and yields a
// conflict built from a fresh re-read. A missing row makes the update a
// create; a stored row without a token is treated as non-versioned.
func (s *Store) UpdateWithVersion(ctx context.Context, kind string, entity storage.Entity, expectedVersion string) (storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	id := entity.ID()
	current, err := s.readRow(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	stored := entity.Clone()
	stored[storage.FieldVersion] = storage.NewVersionToken()

	currentVersion, versioned := "", false
	if current != nil {
		currentVersion, versioned = current.Version()
	}
	if current != nil && versioned && currentVersion != expectedVersion {
		return nil, s.conflict(kind, id, expectedVersion, current)
	}
	if current == nil || !versioned {
		// Create, or replace of a non-versioned row: no token to guard on.
		if err := s.replaceRow(ctx, kind, stored); err != nil {
			return nil, err
		}
		return stored, nil
	}

	affected, err := s.guardedUpdate(ctx, kind, stored, currentVersion)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		latest, err := s.readRow(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		return nil, s.conflict(kind, id, expectedVersion, latest)
	}
	return stored, nil
}

// Remove deletes the entity row and reports whether anything was deleted.
func (s *Store) Remove(ctx context.Context, kind, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := storage.ValidateKind(kind); err != nil {
		return false, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, kind), id)
	if err != nil {
		return false, Classify(fmt.Sprintf("remove from kind %q", kind), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove from kind %q: %w", kind, err)
	}
	return affected > 0, nil
}

func (s *Store) conflict(kind, id, expectedVersion string, latest storage.Entity) error {
	actual := ""
	if latest != nil {
		actual, _ = latest.Version()
	}
	return &storage.ConflictError{
		Kind:            kind,
		ID:              id,
		ExpectedVersion: expectedVersion,
		ActualVersion:   actual,
		Latest:          latest,
	}
}

// readRow returns the decoded entity for (kind, id), or nil when absent.
func (s *Store) readRow(ctx context.Context, kind, id string) (storage.Entity, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, kind), id)
	if err != nil {
		return nil, Classify(fmt.Sprintf("get from kind %q", kind), err)
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get from kind %q: %w", kind, err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, Classify(fmt.Sprintf("get from kind %q", kind), err)
		}
		return nil, nil
	}
	return scanEntity(rows, columns, s.maps.Lookup(kind), kind)
}

// replaceRow writes the entity with INSERT OR REPLACE, which resets columns
// absent from the entity to NULL.
func (s *Store) replaceRow(ctx context.Context, kind string, entity storage.Entity) error {
	columns, args, err := encodeColumns(s.maps.Lookup(kind), kind, entity)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		kind, strings.Join(columns, ", "), placeholders)
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return Classify(fmt.Sprintf("upsert into kind %q", kind), err)
	}
	return nil
}

// guardedUpdate rewrites every declared column, additionally guarded by the
// old version token so a concurrent writer loses at most the race, never an
// update. Declared columns missing from the entity reset to NULL.
func (s *Store) guardedUpdate(ctx context.Context, kind string, entity storage.Entity, oldVersion string) (int64, error) {
	m := s.maps.Lookup(kind)
	columns, values, err := encodeColumns(m, kind, entity)
	if err != nil {
		return 0, err
	}
	// Full-replace semantics: the update covers the union of declared
	// columns and the columns present on the entity.
	full := make(map[string]any, len(columns))
	for _, declared := range m.Columns() {
		if declared == columnID {
			continue
		}
		full[declared] = nil
	}
	for i, column := range columns {
		if column == columnID {
			continue
		}
		full[column] = values[i]
	}
	names := make([]string, 0, len(full))
	for column := range full {
		names = append(names, column)
	}
	sort.Strings(names)
	assignments := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+2)
	for _, column := range names {
		assignments = append(assignments, column+" = ?")
		args = append(args, full[column])
	}
	args = append(args, entity.ID(), oldVersion)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ? AND updated_at = ?`,
		kind, strings.Join(assignments, ", "))
	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Classify(fmt.Sprintf("update kind %q", kind), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update kind %q: %w", kind, err)
	}
	return affected, nil
}

// Classify maps driver failures onto the storage taxonomy. Only a genuinely
// missing relation may become ErrRelationMissing; policy rejections must stay
// distinct so they never trigger a fallback.
func Classify(op string, err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes carry the primary code in the low byte.
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_AUTH, sqlite3lib.SQLITE_PERM, sqlite3lib.SQLITE_READONLY:
			return fmt.Errorf("%s: %w: %w", op, storage.ErrPermissionDenied, err)
		case sqlite3lib.SQLITE_ERROR:
			if strings.Contains(err.Error(), "no such table") {
				return fmt.Errorf("%s: %w: %w", op, storage.ErrRelationMissing, err)
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
