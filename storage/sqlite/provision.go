package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oakmere/entitystore/storage"
	"github.com/oakmere/entitystore/storage/fieldmap"
)

const provisionTable = "schema_provisions"

// Provision creates the relation for a kind from its declared field map, at
// most once per kind, recording each provision in schema_provisions. It
// belongs to operator tooling and tests; the serving path never creates
// relations — a missing relation is the fallback trigger instead.
func Provision(ctx context.Context, sqlDB *sql.DB, kind string, m *fieldmap.Map) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	if err := storage.ValidateKind(kind); err != nil {
		return err
	}
	if m == nil {
		m = fieldmap.Base()
	}

	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    kind TEXT PRIMARY KEY,
    provisioned_at INTEGER NOT NULL
);
`, provisionTable)
	if _, err := sqlDB.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure provision table: %w", err)
	}

	applied, err := isProvisioned(ctx, sqlDB, kind)
	if err != nil {
		return fmt.Errorf("check provision %s: %w", kind, err)
	}
	if applied {
		return nil
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin provision transaction %s: %w", kind, err)
	}

	if _, err := tx.ExecContext(ctx, kindDDL(kind, m)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec provision %s: %w", kind, err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s (kind, provisioned_at) VALUES (?, ?)", provisionTable),
		kind,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record provision %s: %w", kind, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit provision %s: %w", kind, err)
	}
	return nil
}

// kindDDL renders the CREATE TABLE statement for a kind: id as primary key,
// updated_at as the version column, every declared column as TEXT holding a
// JSON-encoded value.
func kindDDL(kind string, m *fieldmap.Map) string {
	columns := m.Columns()
	sort.Strings(columns)
	lines := []string{
		"    id TEXT PRIMARY KEY",
		"    updated_at TEXT",
	}
	for _, column := range columns {
		if column == columnID || column == columnVersion {
			continue
		}
		lines = append(lines, "    "+column+" TEXT")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", kind, strings.Join(lines, ",\n"))
}

func isProvisioned(ctx context.Context, sqlDB *sql.DB, kind string) (bool, error) {
	var count int
	err := sqlDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE kind = ?", provisionTable), kind,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
