package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations() ([]Migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		_, err = fmt.Sscanf(f.Name(), "%d_", &v)
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: v,
			Name:    f.Name(),
			UpSQL:   string(data),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func ensureVersionTable(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return current, nil
}

// Version returns the stored schema version, 0 for a fresh store.
func Version(db *sql.DB) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	current, err := ensureVersionTable(tx)
	if err != nil {
		return 0, err
	}
	return current, tx.Commit()
}

// Pending reports the migrations that Migrate would apply, without
// applying them.
func Pending(db *sql.DB) ([]Migration, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	current, err := Version(db)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate applies embedded migrations in ascending order inside one
// transaction. The stored version only moves when the whole set commits;
// a failing migration leaves the store at its last consistent version.
// Returns the versions applied.
func Migrate(db *sql.DB) ([]int, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	currentVersion, err := ensureVersionTable(tx)
	if err != nil {
		return nil, err
	}

	var applied []int
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return nil, fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
		applied = append(applied, m.Version)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return applied, nil
}

// expectedTables is the table set a fully migrated store carries.
var expectedTables = []string{
	"schema_version",
	"elements",
	"dependencies",
	"blocked_cache",
	"events",
	"api_keys",
}

// SchemaReport is the result of a structural health check.
type SchemaReport struct {
	Valid         bool     `json:"valid"`
	MissingTables []string `json:"missing_tables,omitempty"`
	ExtraTables   []string `json:"extra_tables,omitempty"`
}

// ValidateSchema compares the live table set against the expected one.
func ValidateSchema(db *sql.DB) (SchemaReport, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return SchemaReport{}, err
	}
	defer rows.Close()
	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return SchemaReport{}, err
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return SchemaReport{}, err
	}
	report := SchemaReport{Valid: true}
	for _, t := range expectedTables {
		if !present[t] {
			report.MissingTables = append(report.MissingTables, t)
			report.Valid = false
		}
		delete(present, t)
	}
	for name := range present {
		report.ExtraTables = append(report.ExtraTables, name)
		report.Valid = false
	}
	sort.Strings(report.ExtraTables)
	return report, nil
}

// Describe renders a migration for dry-run output.
func Describe(m Migration) string {
	name := strings.TrimSuffix(m.Name, ".sql")
	if i := strings.IndexByte(name, '_'); i >= 0 {
		name = strings.ReplaceAll(name[i+1:], "_", " ")
	}
	return fmt.Sprintf("%04d %s", m.Version, name)
}
