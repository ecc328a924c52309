// Package entitystore wires the persistence stack used by the hosting
// application: the relational backend when configured, the local file
// backend, and the one-shot fallback orchestrators for entities and blobs.
//
// The stack is an explicit object owned by the host; nothing here is a
// package-level singleton, so tests and multiple hosts stay isolated.
package entitystore

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/oakmere/entitystore/blob"
	bloblocal "github.com/oakmere/entitystore/blob/local"
	blobsqlite "github.com/oakmere/entitystore/blob/sqlite"
	"github.com/oakmere/entitystore/config"
	"github.com/oakmere/entitystore/storage"
	"github.com/oakmere/entitystore/storage/fallback"
	"github.com/oakmere/entitystore/storage/fieldmap"
	storelocal "github.com/oakmere/entitystore/storage/local"
	storesqlite "github.com/oakmere/entitystore/storage/sqlite"
)

// Stack owns the wired stores and the remote database lifecycle.
type Stack struct {
	// Entities is the storage facade consumers call.
	Entities *fallback.Store
	// Blobs is the binary-content sibling sharing the same degrade scope.
	Blobs *blob.Fallback

	remote *storesqlite.Store
}

// Open builds the stack from cfg. With no database path configured the local
// file backend serves from the start and no fallback can occur. maps may be
// nil when no kind declares field renames.
func Open(cfg config.Config, maps *fieldmap.Registry) (*Stack, error) {
	cfg.ApplyDefaults()
	localEntities := storelocal.New(cfg.DataDir)
	localBlobs := bloblocal.New(cfg.DataDir, cfg.BlobBaseURL)

	var (
		remote      *storesqlite.Store
		remoteStore storage.Store
		remoteBlobs blob.Store
	)
	if strings.TrimSpace(cfg.DatabasePath) != "" {
		opened, err := storesqlite.Open(cfg.DatabasePath, maps)
		if err != nil {
			return nil, fmt.Errorf("open remote backend: %w", err)
		}
		bucket, err := blobsqlite.New(opened.DB(), cfg.BlobBaseURL)
		if err != nil {
			_ = opened.Close()
			return nil, fmt.Errorf("open remote bucket: %w", err)
		}
		remote = opened
		remoteStore = opened
		remoteBlobs = bucket
	}

	entities, err := fallback.New(remoteStore, localEntities)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewFallback(remoteBlobs, localBlobs)
	if err != nil {
		return nil, err
	}
	return &Stack{Entities: entities, Blobs: blobs, remote: remote}, nil
}

// Reset re-arms both remote backends after the remote schema is fixed. It is
// never invoked automatically.
func (s *Stack) Reset() {
	s.Entities.Reset()
	s.Blobs.Reset()
}

// RemoteDB exposes the remote database handle for provisioning tooling, or
// nil when no remote backend is configured.
func (s *Stack) RemoteDB() *sql.DB {
	if s.remote == nil {
		return nil
	}
	return s.remote.DB()
}

// Close closes the remote database handle when one is open.
func (s *Stack) Close() error {
	if s.remote != nil {
		return s.remote.Close()
	}
	return nil
}
