// Package local provides the disk-backed blob store.
//
// Content lives at <dir>/blobs/<objectID> with a JSON metadata sidecar at
// <dir>/blobs/<objectID>.meta.json. Directory creation is implicit and
// idempotent.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oakmere/entitystore/blob"
)

const blobsDir = "blobs"

// Store persists blobs on local disk.
type Store struct {
	dir     string
	baseURL string
}

var _ blob.Store = (*Store)(nil)

// New creates a disk blob store rooted at dir. URLs are built from baseURL.
func New(dir, baseURL string) *Store {
	return &Store{dir: dir, baseURL: baseURL}
}

// Put writes the content and its metadata sidecar under a fresh stable id.
func (s *Store) Put(ctx context.Context, name, contentType string, content []byte) (blob.Object, error) {
	if err := ctx.Err(); err != nil {
		return blob.Object{}, err
	}
	objectID, err := blob.NewObjectID(name)
	if err != nil {
		return blob.Object{}, err
	}
	if err := os.MkdirAll(filepath.Join(s.dir, blobsDir), 0o755); err != nil {
		return blob.Object{}, fmt.Errorf("create blobs dir: %w", err)
	}
	object := blob.Object{
		ID:          objectID,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(content)),
		URL:         blob.ObjectURL(s.baseURL, objectID),
	}
	if err := os.WriteFile(s.contentPath(objectID), content, 0o644); err != nil {
		return blob.Object{}, fmt.Errorf("write blob %q: %w", objectID, err)
	}
	meta, err := json.MarshalIndent(object, "", "  ")
	if err != nil {
		return blob.Object{}, fmt.Errorf("encode blob meta %q: %w", objectID, err)
	}
	if err := os.WriteFile(s.metaPath(objectID), meta, 0o644); err != nil {
		return blob.Object{}, fmt.Errorf("write blob meta %q: %w", objectID, err)
	}
	return object, nil
}

// Get reads the metadata sidecar and the content, or ok=false when absent.
func (s *Store) Get(ctx context.Context, objectID string) (blob.Object, []byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return blob.Object{}, nil, false, err
	}
	if err := validateObjectID(objectID); err != nil {
		return blob.Object{}, nil, false, err
	}
	meta, err := os.ReadFile(s.metaPath(objectID))
	if os.IsNotExist(err) {
		return blob.Object{}, nil, false, nil
	}
	if err != nil {
		return blob.Object{}, nil, false, fmt.Errorf("read blob meta %q: %w", objectID, err)
	}
	var object blob.Object
	if err := json.Unmarshal(meta, &object); err != nil {
		return blob.Object{}, nil, false, fmt.Errorf("decode blob meta %q: %w", objectID, err)
	}
	content, err := os.ReadFile(s.contentPath(objectID))
	if err != nil {
		return blob.Object{}, nil, false, fmt.Errorf("read blob %q: %w", objectID, err)
	}
	return object, content, true, nil
}

// Remove deletes the content and metadata, reporting whether anything existed.
func (s *Store) Remove(ctx context.Context, objectID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateObjectID(objectID); err != nil {
		return false, err
	}
	err := os.Remove(s.contentPath(objectID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove blob %q: %w", objectID, err)
	}
	if err := os.Remove(s.metaPath(objectID)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove blob meta %q: %w", objectID, err)
	}
	return true, nil
}

func (s *Store) contentPath(objectID string) string {
	return filepath.Join(s.dir, blobsDir, objectID)
}

func (s *Store) metaPath(objectID string) string {
	return filepath.Join(s.dir, blobsDir, objectID+".meta.json")
}

// validateObjectID keeps ids inside the blobs directory.
func validateObjectID(objectID string) error {
	if objectID == "" {
		return fmt.Errorf("object id is required")
	}
	if strings.ContainsAny(objectID, "/\\") || strings.Contains(objectID, "..") {
		return fmt.Errorf("object id %q is not a valid file name", objectID)
	}
	return nil
}
