// Package store provides relational persistence for documents, templates,
// extracted fields, citations, and verifications using SQLite. The store is
// the only mutator of authoritative state; the search index is a projection
// rebuilt from here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"docsense/internal/logging"
)

// Store wraps the SQLite database. Writes are per-row transactions;
// multi-row updates (UpsertExtractedFields, AppendVerification) run inside
// a single transaction.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New initializes the SQLite database at the given path. Pass ":memory:"
// for an ephemeral store in tests.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Initializing store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	physicalFilesTable := `
	CREATE TABLE IF NOT EXISTS physical_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL UNIQUE,
		storage_path TEXT NOT NULL,
		size_bytes INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_physical_hash ON physical_files(content_hash);
	`

	documentsTable := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'uploaded',
		template_id INTEGER,
		parse_job_id TEXT,
		parse_result TEXT,
		content_hash TEXT NOT NULL,
		actual_file_path TEXT,
		error_message TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
	CREATE INDEX IF NOT EXISTS idx_documents_template ON documents(template_id);
	`

	templatesTable := `
	CREATE TABLE IF NOT EXISTS templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL DEFAULT 'generic',
		signature_version INTEGER DEFAULT 1,
		sample_text TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	fieldSpecsTable := `
	CREATE TABLE IF NOT EXISTS template_field_specs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		template_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		required BOOLEAN DEFAULT FALSE,
		description TEXT,
		extraction_hints TEXT,
		confidence_threshold REAL DEFAULT 0,
		position INTEGER DEFAULT 0,
		UNIQUE(template_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_field_specs_template ON template_field_specs(template_id);
	`

	extractedFieldsTable := `
	CREATE TABLE IF NOT EXISTS extracted_fields (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		field_name TEXT NOT NULL,
		field_type TEXT NOT NULL,
		field_value TEXT,
		field_value_json TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		source_page INTEGER,
		source_bbox TEXT,
		validation_status TEXT NOT NULL DEFAULT 'unchecked',
		validation_errors TEXT,
		audit_priority INTEGER NOT NULL DEFAULT 3,
		verified BOOLEAN DEFAULT FALSE,
		verified_value TEXT,
		verified_at DATETIME,
		citation_count INTEGER DEFAULT 0,
		last_cited_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(document_id, field_name)
	);
	CREATE INDEX IF NOT EXISTS idx_fields_document ON extracted_fields(document_id);
	CREATE INDEX IF NOT EXISTS idx_fields_priority ON extracted_fields(audit_priority);
	CREATE INDEX IF NOT EXISTS idx_fields_verified ON extracted_fields(verified);
	`

	verificationsTable := `
	CREATE TABLE IF NOT EXISTS verifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		corrected_value TEXT,
		notes TEXT,
		reviewer_id TEXT,
		verified_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_verifications_field ON verifications(field_id);
	`

	citationsTable := `
	CREATE TABLE IF NOT EXISTS citations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field_id INTEGER NOT NULL,
		document_id INTEGER NOT NULL,
		query_id TEXT NOT NULL,
		query_text TEXT,
		query_source TEXT NOT NULL DEFAULT 'ask_ai',
		field_name TEXT NOT NULL,
		confidence_at_citation REAL DEFAULT 0,
		context_snippet TEXT,
		verified BOOLEAN DEFAULT FALSE,
		needs_audit BOOLEAN DEFAULT FALSE,
		audit_link TEXT,
		audit_link_clicked BOOLEAN DEFAULT FALSE,
		correction_made BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_citations_field ON citations(field_id);
	CREATE INDEX IF NOT EXISTS idx_citations_query ON citations(query_id);
	`

	canonicalTable := `
	CREATE TABLE IF NOT EXISTS canonical_field_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_name TEXT NOT NULL UNIQUE,
		field_mappings TEXT NOT NULL,
		aggregation_type TEXT NOT NULL DEFAULT 'terms',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	aliasesTable := `
	CREATE TABLE IF NOT EXISTS canonical_aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_name TEXT NOT NULL,
		alias TEXT NOT NULL,
		UNIQUE(canonical_name, alias)
	);
	CREATE INDEX IF NOT EXISTS idx_aliases_alias ON canonical_aliases(alias);
	`

	settingsTable := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	queryCacheTable := `
	CREATE TABLE IF NOT EXISTS query_cache (
		cache_key TEXT PRIMARY KEY,
		query_id TEXT NOT NULL,
		response TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_cache_expiry ON query_cache(expires_at);
	`

	for _, table := range []string{
		physicalFilesTable,
		documentsTable,
		templatesTable,
		fieldSpecsTable,
		extractedFieldsTable,
		verificationsTable,
		citationsTable,
		canonicalTable,
		aliasesTable,
		settingsTable,
		queryCacheTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetStats returns per-table row counts.
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"physical_files", "documents", "templates", "template_field_specs",
		"extracted_fields", "verifications", "citations",
		"canonical_field_mappings", "canonical_aliases", "query_cache", "settings",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// GetSetting reads one settings row; returns ("", nil) when absent.
func (s *Store) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts one settings row.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}
