package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations
var migrations embed.FS

// ErrIncompatibleSchema means an existing table lacks a column caldb needs
// and cannot be upgraded in place.
var ErrIncompatibleSchema = errors.New("incompatible database schema")

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations returns the dialect's migrations ordered by version. File
// names start with the version number, e.g. 002_index_events_start_time.sql.
func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q: %w", dialect, err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(e.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version prefix", e.Name())
		}
		data, err := fs.ReadFile(migrations, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: e.Name(), sql: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every migration newer than the recorded schema version.
// Each file holds a single statement.
func migrate(ctx context.Context, db *sql.DB, dialect string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	all, err := loadMigrations(dialect)
	if err != nil {
		return err
	}
	for _, m := range all {
		if m.version <= current {
			continue
		}
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return upgradeLegacyTables(ctx, db, dialect)
}

// columnUpgrade adds a column that tables created by the earlier Python
// tools do not have. CREATE TABLE IF NOT EXISTS leaves such tables alone.
type columnUpgrade struct {
	table  string
	column string
	ddl    map[string]string // by dialect; no entry means no in-place upgrade
}

var legacyUpgrades = []columnUpgrade{
	{
		table:  "events",
		column: "all_day",
		ddl: map[string]string{
			DialectSQLite: `ALTER TABLE events ADD COLUMN all_day INTEGER NOT NULL DEFAULT 0`,
			DialectMySQL:  `ALTER TABLE events ADD COLUMN all_day BOOLEAN NOT NULL DEFAULT FALSE AFTER end_time`,
		},
	},
	{
		table:  "reservation_data",
		column: "row_id",
		ddl: map[string]string{
			// SQLite cannot add a key column to an existing table.
			DialectMySQL: `ALTER TABLE reservation_data ADD COLUMN row_id BIGINT NOT NULL AUTO_INCREMENT UNIQUE FIRST`,
		},
	},
}

func upgradeLegacyTables(ctx context.Context, db *sql.DB, dialect string) error {
	for _, u := range legacyUpgrades {
		columns, err := tableColumns(ctx, db, u.table)
		if err != nil {
			return fmt.Errorf("inspect table %s: %w", u.table, err)
		}
		if columns[u.column] {
			continue
		}
		ddl, ok := u.ddl[dialect]
		if !ok {
			return fmt.Errorf("%w: table %s has no %s column, recreate it or use a new database", ErrIncompatibleSchema, u.table, u.column)
		}
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add %s.%s: %w", u.table, u.column, err)
		}
	}
	return nil
}

// tableColumns returns the lower-cased column names of table.
func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT * FROM `+table+` LIMIT 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	columns := make(map[string]bool, len(names))
	for _, name := range names {
		columns[strings.ToLower(name)] = true
	}
	return columns, nil
}
