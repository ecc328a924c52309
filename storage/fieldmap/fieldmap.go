// Package fieldmap converts entity field names to remote column names and back.
//
// Each kind declares an explicit bidirectional field↔column map once, validated
// at construction, instead of relying on a generic runtime string-casing rule.
// The conversion walks nested objects and arrays, so declared renames apply at
// any depth. Undeclared names pass through unchanged.
package fieldmap

import (
	"fmt"
	"sync"
)

// Reserved pairs present in every map. The id column is the primary key; the
// updated_at column holds the version token compared by versioned updates.
var reserved = map[string]string{
	"id":        "id",
	"updatedAt": "updated_at",
}

// Map is a validated bidirectional field↔column name mapping for one kind.
type Map struct {
	toColumn map[string]string
	toField  map[string]string
}

// New builds a Map from field→column pairs. The reserved id and updatedAt
// pairs are always included and may not be redeclared to different columns.
// Columns must be unique, non-empty, and valid SQL identifiers.
func New(pairs map[string]string) (*Map, error) {
	m := &Map{
		toColumn: make(map[string]string, len(pairs)+len(reserved)),
		toField:  make(map[string]string, len(pairs)+len(reserved)),
	}
	for field, column := range reserved {
		m.toColumn[field] = column
		m.toField[column] = field
	}
	for field, column := range pairs {
		if field == "" {
			return nil, fmt.Errorf("field name is required")
		}
		if !isIdentifier(column) {
			return nil, fmt.Errorf("column %q for field %q is not a valid identifier", column, field)
		}
		if existing, ok := reserved[field]; ok {
			if column != existing {
				return nil, fmt.Errorf("field %q is reserved and maps to column %q", field, existing)
			}
			continue
		}
		if _, ok := m.toField[column]; ok {
			return nil, fmt.Errorf("column %q is mapped twice", column)
		}
		m.toColumn[field] = column
		m.toField[column] = field
	}
	return m, nil
}

// Column returns the column name for a field, or the field unchanged when it
// has no declared mapping.
func (m *Map) Column(field string) string {
	if column, ok := m.toColumn[field]; ok {
		return column
	}
	return field
}

// Field returns the field name for a column, or the column unchanged when it
// has no declared mapping.
func (m *Map) Field(column string) string {
	if field, ok := m.toField[column]; ok {
		return field
	}
	return column
}

// ToColumns rewrites field names to column names, recursing into nested
// objects and arrays. The input is not modified.
func (m *Map) ToColumns(fields map[string]any) map[string]any {
	return m.rename(fields, m.toColumn)
}

// ToFields rewrites column names back to field names, recursing into nested
// objects and arrays. The input is not modified.
func (m *Map) ToFields(columns map[string]any) map[string]any {
	return m.rename(columns, m.toField)
}

func (m *Map) rename(src map[string]any, names map[string]string) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		if renamed, ok := names[key]; ok {
			key = renamed
		}
		dst[key] = m.renameValue(value, names)
	}
	return dst
}

func (m *Map) renameValue(v any, names map[string]string) any {
	switch value := v.(type) {
	case map[string]any:
		return m.rename(value, names)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = m.renameValue(item, names)
		}
		return out
	default:
		return v
	}
}

// Columns returns every declared column name, reserved pairs included.
func (m *Map) Columns() []string {
	columns := make([]string, 0, len(m.toField))
	for column := range m.toField {
		columns = append(columns, column)
	}
	return columns
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

var baseMap = func() *Map {
	m, err := New(nil)
	if err != nil {
		panic(err)
	}
	return m
}()

// Base returns the map holding only the reserved pairs, used for kinds with
// no declared renames.
func Base() *Map {
	return baseMap
}

// Registry holds the declared field maps per kind.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Map
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Map)}
}

// Register validates and stores the field→column pairs for a kind. Declaring
// a kind twice is an error; maps are meant to be declared once at startup.
func (r *Registry) Register(kind string, pairs map[string]string) error {
	if kind == "" {
		return fmt.Errorf("kind is required")
	}
	m, err := New(pairs)
	if err != nil {
		return fmt.Errorf("field map for kind %q: %w", kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("field map for kind %q is already registered", kind)
	}
	r.kinds[kind] = m
	return nil
}

// Lookup returns the map for a kind, falling back to Base for undeclared kinds.
func (r *Registry) Lookup(kind string) *Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.kinds[kind]; ok {
		return m
	}
	return baseMap
}
