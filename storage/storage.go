// Package storage defines the persistence contract shared by all entitystore backends.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Reserved entity field names.
const (
	// FieldID holds the entity identifier, unique within a kind.
	FieldID = "id"
	// FieldVersion holds the opaque version token used by versioned updates.
	FieldVersion = "updatedAt"
)

// Entity is an open-ended structural record. Every entity carries a non-empty
// string "id", unique within its kind. Entities that participate in versioned
// updates additionally carry an "updatedAt" token; the store compares it by
// exact equality and otherwise treats it as opaque.
type Entity map[string]any

// ID returns the entity identifier, or "" when absent or not a string.
func (e Entity) ID() string {
	id, _ := e[FieldID].(string)
	return id
}

// Version returns the entity version token and whether one is present.
func (e Entity) Version() (string, bool) {
	v, ok := e[FieldVersion].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Clone returns a deep copy of the entity. Nested maps and slices are copied;
// scalar values are shared.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return Entity(cloneMap(e))
}

// Validate reports whether the entity satisfies the store invariants.
func (e Entity) Validate() error {
	if strings.TrimSpace(e.ID()) == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case Entity:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Filter selects entities client-side during List. A nil Filter keeps everything.
type Filter func(Entity) bool

// Store is the facade contract implemented by every backend and by the
// fallback orchestrator that wraps them.
//
// Absence is not an error: Get reports a missing entity through its bool
// result, Remove through a false return, and List through an empty slice.
// Version conflicts surface as *ConflictError; everything else propagates
// as an opaque failure.
type Store interface {
	// Get returns the entity for (kind, id), or ok=false when none exists.
	Get(ctx context.Context, kind, id string) (Entity, bool, error)

	// List returns all entities of the kind satisfying filter. The read is
	// fresh on every call; no ordering is guaranteed.
	List(ctx context.Context, kind string, filter Filter) ([]Entity, error)

	// Upsert inserts or fully replaces the entity keyed by its id and returns
	// the stored copy.
	Upsert(ctx context.Context, kind string, entity Entity) (Entity, error)

	// UpdateWithVersion applies the entity only if the stored version equals
	// expectedVersion. When no entity exists the update is treated as a
	// create. On mismatch it returns a *ConflictError carrying the stored
	// version and entity. On success the stored entity carries a fresh
	// version token.
	UpdateWithVersion(ctx context.Context, kind string, entity Entity, expectedVersion string) (Entity, error)

	// Remove deletes the entity and reports whether anything was deleted.
	Remove(ctx context.Context, kind, id string) (bool, error)
}

// NewVersionToken returns a fresh opaque version token. Tokens are RFC3339Nano
// UTC timestamps by convention; callers must only compare them for equality.
func NewVersionToken() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ValidateKind rejects kind names that cannot serve as a file name or a SQL
// relation name. Kinds are letters, digits, and underscores, not starting
// with a digit.
func ValidateKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("kind is required")
	}
	for i, r := range kind {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("kind %q must not start with a digit", kind)
			}
		default:
			return fmt.Errorf("kind %q contains invalid character %q", kind, r)
		}
	}
	return nil
}
