// Versioned schema migrations. Tables are created with CREATE TABLE IF NOT
// EXISTS in store.go; migrations here add columns to databases created by
// older builds.
package store

import (
	"database/sql"
	"fmt"

	"docsense/internal/logging"
)

// Migration adds one column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all column migrations to apply.
var pendingMigrations = []Migration{
	// Citation audit loop columns (added with the verification feedback path)
	{"citations", "audit_link_clicked", "BOOLEAN DEFAULT FALSE"},
	{"citations", "correction_made", "BOOLEAN DEFAULT FALSE"},
	// Per-field confidence threshold override
	{"template_field_specs", "confidence_threshold", "REAL DEFAULT 0"},
	// Template signature versioning (added with background signature re-index)
	{"templates", "signature_version", "INTEGER DEFAULT 1"},
	// Citation usage counters on fields
	{"extracted_fields", "citation_count", "INTEGER DEFAULT 0"},
	{"extracted_fields", "last_cited_at", "DATETIME"},
}

// RunMigrations applies column migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	skipped := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in another form; not fatal.
			logging.Get(logging.CategoryStore).Warn("Migration failed: %s.%s: %v", m.Table, m.Column, err)
			skipped++
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks for a column via PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks sqlite_master for the table.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&name)
	return err == nil
}
