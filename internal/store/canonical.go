package store

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// CANONICAL FIELD MAPPINGS (user-editable)
// =============================================================================

// CanonicalMapping maps a cross-template semantic name onto concrete field
// names per template, with a default aggregation semantics tag.
type CanonicalMapping struct {
	ID              int64
	CanonicalName   string
	FieldMappings   map[string]string // template name -> field name
	AggregationType string            // sum | avg | count | terms | date_histogram
	Aliases         []string
}

var validAggregations = map[string]bool{
	"sum": true, "avg": true, "count": true, "terms": true, "date_histogram": true,
}

// UpsertCanonicalMapping writes a canonical mapping and its aliases in one
// transaction, replacing any existing definition of the same name.
func (s *Store) UpsertCanonicalMapping(m *CanonicalMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CanonicalName == "" {
		return fmt.Errorf("canonical name required")
	}
	if m.AggregationType == "" {
		m.AggregationType = "terms"
	}
	if !validAggregations[m.AggregationType] {
		return fmt.Errorf("unknown aggregation type %q", m.AggregationType)
	}

	mappings, err := json.Marshal(m.FieldMappings)
	if err != nil {
		return fmt.Errorf("marshal field mappings: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin canonical upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO canonical_field_mappings (canonical_name, field_mappings, aggregation_type)
		 VALUES (?, ?, ?)
		 ON CONFLICT(canonical_name) DO UPDATE SET
		   field_mappings = excluded.field_mappings,
		   aggregation_type = excluded.aggregation_type`,
		m.CanonicalName, string(mappings), m.AggregationType,
	)
	if err != nil {
		return fmt.Errorf("upsert canonical mapping: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM canonical_aliases WHERE canonical_name = ?", m.CanonicalName); err != nil {
		return fmt.Errorf("clear aliases: %w", err)
	}
	for _, alias := range m.Aliases {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO canonical_aliases (canonical_name, alias) VALUES (?, ?)",
			m.CanonicalName, alias,
		); err != nil {
			return fmt.Errorf("insert alias %q: %w", alias, err)
		}
	}

	return tx.Commit()
}

// ListCanonicalMappings loads all user-defined canonical mappings.
func (s *Store) ListCanonicalMappings() ([]*CanonicalMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, canonical_name, field_mappings, aggregation_type FROM canonical_field_mappings ORDER BY canonical_name",
	)
	if err != nil {
		return nil, fmt.Errorf("list canonical mappings: %w", err)
	}
	defer rows.Close()

	var out []*CanonicalMapping
	for rows.Next() {
		var m CanonicalMapping
		var mappingsJSON string
		if err := rows.Scan(&m.ID, &m.CanonicalName, &mappingsJSON, &m.AggregationType); err != nil {
			return nil, fmt.Errorf("scan canonical mapping: %w", err)
		}
		if err := json.Unmarshal([]byte(mappingsJSON), &m.FieldMappings); err != nil {
			return nil, fmt.Errorf("unmarshal field mappings for %q: %w", m.CanonicalName, err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range out {
		aliasRows, err := s.db.Query(
			"SELECT alias FROM canonical_aliases WHERE canonical_name = ? ORDER BY alias", m.CanonicalName,
		)
		if err != nil {
			return nil, fmt.Errorf("load aliases: %w", err)
		}
		for aliasRows.Next() {
			var a string
			if err := aliasRows.Scan(&a); err != nil {
				aliasRows.Close()
				return nil, err
			}
			m.Aliases = append(m.Aliases, a)
		}
		aliasRows.Close()
	}
	return out, nil
}
