// Package local provides the file-backed entity store.
//
// Each kind lives in <dir>/<kind>.json as a JSON array of entities, lazily
// loaded into an in-memory map cached for the process lifetime. Every mutation
// rewrites the whole per-kind file. A per-kind lock serializes the
// load/modify/rewrite cycle, so concurrent writers to the same kind cannot
// lose updates; different kinds stay independent.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oakmere/entitystore/storage"
)

// DefaultDir is the hidden project-relative folder used when no data
// directory is configured.
const DefaultDir = ".entitystore"

// Store persists entities as one JSON file per kind.
type Store struct {
	dir string

	mu    sync.Mutex
	kinds map[string]*kindState
}

type kindState struct {
	mu       sync.Mutex
	loaded   bool
	entities map[string]storage.Entity
}

var _ storage.Store = (*Store)(nil)

// New creates a file store rooted at dir. The directory is created lazily on
// first write. An empty dir selects DefaultDir.
func New(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	return &Store{
		dir:   dir,
		kinds: make(map[string]*kindState),
	}
}

// Get returns the entity for (kind, id), or ok=false when none exists.
func (s *Store) Get(ctx context.Context, kind, id string) (storage.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k, err := s.kindState(kind)
	if err != nil {
		return nil, false, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.ensure(s.dir, kind); err != nil {
		return nil, false, err
	}
	entity, ok := k.entities[id]
	if !ok {
		return nil, false, nil
	}
	return entity.Clone(), true, nil
}

// List returns all entities of the kind satisfying filter.
func (s *Store) List(ctx context.Context, kind string, filter storage.Filter) ([]storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := s.kindState(kind)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.ensure(s.dir, kind); err != nil {
		return nil, err
	}
	entities := make([]storage.Entity, 0, len(k.entities))
	for _, entity := range k.entities {
		if filter != nil && !filter(entity) {
			continue
		}
		entities = append(entities, entity.Clone())
	}
	return entities, nil
}

// Upsert inserts or fully replaces the entity and rewrites the kind file.
func (s *Store) Upsert(ctx context.Context, kind string, entity storage.Entity) (storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	k, err := s.kindState(kind)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.ensure(s.dir, kind); err != nil {
		return nil, err
	}
	stored := entity.Clone()
	k.entities[stored.ID()] = stored
	if err := k.rewrite(s.dir, kind); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// UpdateWithVersion applies the entity only if the stored version matches.
// An existing entity without a version field is treated as non-versioned and
// the check is skipped. A missing entity makes the update a create. On
// success the stored entity carries a fresh version token.
func (s *Store) UpdateWithVersion(ctx context.Context, kind string, entity storage.Entity, expectedVersion string) (storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	k, err := s.kindState(kind)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.ensure(s.dir, kind); err != nil {
		return nil, err
	}
	id := entity.ID()
	if current, ok := k.entities[id]; ok {
		if actual, versioned := current.Version(); versioned && actual != expectedVersion {
			return nil, &storage.ConflictError{
				Kind:            kind,
				ID:              id,
				ExpectedVersion: expectedVersion,
				ActualVersion:   actual,
				Latest:          current.Clone(),
			}
		}
	}
	stored := entity.Clone()
	stored[storage.FieldVersion] = storage.NewVersionToken()
	k.entities[id] = stored
	if err := k.rewrite(s.dir, kind); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Remove deletes the entity and reports whether anything was deleted.
func (s *Store) Remove(ctx context.Context, kind, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k, err := s.kindState(kind)
	if err != nil {
		return false, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.ensure(s.dir, kind); err != nil {
		return false, err
	}
	if _, ok := k.entities[id]; !ok {
		return false, nil
	}
	delete(k.entities, id)
	if err := k.rewrite(s.dir, kind); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) kindState(kind string) (*kindState, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kinds[kind]
	if !ok {
		k = &kindState{}
		s.kinds[kind] = k
	}
	return k, nil
}

// ensure lazily loads the kind file. Caller holds the kind lock.
func (k *kindState) ensure(dir, kind string) error {
	if k.loaded {
		return nil
	}
	data, err := os.ReadFile(kindPath(dir, kind))
	if os.IsNotExist(err) {
		k.entities = make(map[string]storage.Entity)
		k.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read kind %q: %w", kind, err)
	}
	var records []storage.Entity
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode kind %q: %w", kind, err)
	}
	entities := make(map[string]storage.Entity, len(records))
	for _, record := range records {
		id := record.ID()
		if id == "" {
			return fmt.Errorf("decode kind %q: record without id", kind)
		}
		entities[id] = record
	}
	k.entities = entities
	k.loaded = true
	return nil
}

// rewrite persists the whole kind from the in-memory map. Caller holds the
// kind lock.
func (k *kindState) rewrite(dir, kind string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	records := make([]storage.Entity, 0, len(k.entities))
	for _, entity := range k.entities {
		records = append(records, entity)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID() < records[j].ID() })
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode kind %q: %w", kind, err)
	}
	path := kindPath(dir, kind)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write kind %q: %w", kind, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace kind %q: %w", kind, err)
	}
	return nil
}

func kindPath(dir, kind string) string {
	return filepath.Join(dir, kind+".json")
}
