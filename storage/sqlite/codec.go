package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/oakmere/entitystore/storage"
	"github.com/oakmere/entitystore/storage/fieldmap"
)

// encodeColumns converts the entity into parallel column/value slices. Field
// names are transformed to column names at every depth; the id and version
// columns keep their raw string values so SQL can key and compare them, every
// other value is JSON-encoded into its TEXT column.
func encodeColumns(m *fieldmap.Map, kind string, entity storage.Entity) ([]string, []any, error) {
	transformed := m.ToColumns(entity)
	names := make([]string, 0, len(transformed))
	for column := range transformed {
		if !isColumnName(column) {
			return nil, nil, fmt.Errorf("kind %q: field maps to invalid column %q", kind, column)
		}
		names = append(names, column)
	}
	sort.Strings(names)

	columns := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, column := range names {
		value := transformed[column]
		switch column {
		case columnID, columnVersion:
			text, ok := value.(string)
			if !ok {
				return nil, nil, fmt.Errorf("kind %q: column %q must be a string", kind, column)
			}
			columns = append(columns, column)
			args = append(args, text)
		default:
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, nil, fmt.Errorf("kind %q: encode column %q: %w", kind, column, err)
			}
			columns = append(columns, column)
			args = append(args, string(encoded))
		}
	}
	return columns, args, nil
}

// scanEntity decodes the current row into an entity, transforming column
// names back to field names at every depth. NULL columns are omitted.
func scanEntity(rows *sql.Rows, columns []string, m *fieldmap.Map, kind string) (storage.Entity, error) {
	dest := make([]any, len(columns))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan kind %q: %w", kind, err)
	}
	row := make(map[string]any, len(columns))
	for i, column := range columns {
		raw := *(dest[i].(*any))
		if raw == nil {
			continue
		}
		switch column {
		case columnID, columnVersion:
			row[column] = asText(raw)
		default:
			row[column] = decodeValue(raw)
		}
	}
	return storage.Entity(m.ToFields(row)), nil
}

// decodeValue reverses the per-column JSON encoding. Values written by a
// foreign tool (non-JSON text, native numerics) are kept as-is rather than
// rejected.
func decodeValue(raw any) any {
	switch value := raw.(type) {
	case string:
		return decodeText(value)
	case []byte:
		return decodeText(string(value))
	default:
		return raw
	}
}

func decodeText(text string) any {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return text
	}
	return value
}

func asText(raw any) string {
	switch value := raw.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	default:
		return fmt.Sprint(value)
	}
}

// isColumnName mirrors the field map identifier rule for undeclared fields
// passing through to columns, keeping generated SQL well-formed.
func isColumnName(name string) bool {
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
