// Package sqlite provides the bucket-backed blob store sharing the entity
// database. A missing blob_objects table classifies as
// storage.ErrRelationMissing, the same fallback trigger the entity store uses.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oakmere/entitystore/blob"
	storesqlite "github.com/oakmere/entitystore/storage/sqlite"
)

const bucketTable = "blob_objects"

// Store persists blobs in the shared relational database.
type Store struct {
	sqlDB   *sql.DB
	baseURL string
}

var _ blob.Store = (*Store)(nil)

// New wraps an existing database handle. The bucket table is expected to be
// provisioned externally; its absence surfaces at call time as the fallback
// trigger.
func New(sqlDB *sql.DB, baseURL string) (*Store, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	return &Store{sqlDB: sqlDB, baseURL: baseURL}, nil
}

// Put inserts the content under a fresh stable id.
func (s *Store) Put(ctx context.Context, name, contentType string, content []byte) (blob.Object, error) {
	if err := ctx.Err(); err != nil {
		return blob.Object{}, err
	}
	objectID, err := blob.NewObjectID(name)
	if err != nil {
		return blob.Object{}, err
	}
	object := blob.Object{
		ID:          objectID,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(content)),
		URL:         blob.ObjectURL(s.baseURL, objectID),
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO blob_objects (id, name, content_type, size, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		object.ID,
		object.Name,
		object.ContentType,
		object.Size,
		content,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return blob.Object{}, storesqlite.Classify(fmt.Sprintf("put blob %q", objectID), err)
	}
	return object, nil
}

// Get returns the object and its content, or ok=false when absent.
func (s *Store) Get(ctx context.Context, objectID string) (blob.Object, []byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return blob.Object{}, nil, false, err
	}
	if objectID == "" {
		return blob.Object{}, nil, false, fmt.Errorf("object id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, content_type, size, content FROM blob_objects WHERE id = ?`, objectID)
	var object blob.Object
	var content []byte
	err := row.Scan(&object.ID, &object.Name, &object.ContentType, &object.Size, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return blob.Object{}, nil, false, nil
	}
	if err != nil {
		return blob.Object{}, nil, false, storesqlite.Classify(fmt.Sprintf("get blob %q", objectID), err)
	}
	object.URL = blob.ObjectURL(s.baseURL, object.ID)
	return object, content, true, nil
}

// Remove deletes the blob row, reporting whether anything was deleted.
func (s *Store) Remove(ctx context.Context, objectID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if objectID == "" {
		return false, fmt.Errorf("object id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM blob_objects WHERE id = ?`, objectID)
	if err != nil {
		return false, storesqlite.Classify(fmt.Sprintf("remove blob %q", objectID), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove blob %q: %w", objectID, err)
	}
	return affected > 0, nil
}

// ProvisionBucket creates the blob_objects table. Like the entity kind
// tables, it belongs to operator tooling and tests, never to the serving
// path.
func ProvisionBucket(ctx context.Context, sqlDB *sql.DB) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	_, err := sqlDB.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    content_type TEXT,
    size INTEGER NOT NULL,
    content BLOB NOT NULL,
    created_at INTEGER NOT NULL
)`, bucketTable))
	if err != nil {
		return fmt.Errorf("ensure bucket table: %w", err)
	}
	return nil
}
