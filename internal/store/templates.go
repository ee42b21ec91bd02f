package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"docsense/internal/types"
)

// =============================================================================
// TEMPLATES
// =============================================================================

// CreateTemplate inserts a template with its field specs in one transaction.
func (s *Store) CreateTemplate(t *types.Template) (*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateFieldNames(t.Fields); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create template: %w", err)
	}
	defer tx.Rollback()

	kind := t.Kind
	if kind == "" {
		kind = types.KindGeneric
	}

	res, err := tx.Exec(
		"INSERT INTO templates (name, kind, signature_version, sample_text) VALUES (?, ?, 1, ?)",
		t.Name, string(kind), t.SampleText,
	)
	if err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	id, _ := res.LastInsertId()

	if err := insertFieldSpecs(tx, id, t.Fields); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create template: %w", err)
	}

	created := *t
	created.ID = id
	created.Kind = kind
	created.SignatureVersion = 1
	return &created, nil
}

// UpdateTemplateFields replaces the field spec list and bumps
// signature_version so the signature index gets refreshed.
func (s *Store) UpdateTemplateFields(templateID int64, fields []types.FieldSpec) (*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateFieldNames(fields); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin update template: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE templates SET signature_version = signature_version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("bump signature version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("template %d not found", templateID)
	}

	if _, err := tx.Exec("DELETE FROM template_field_specs WHERE template_id = ?", templateID); err != nil {
		return nil, fmt.Errorf("clear field specs: %w", err)
	}
	if err := insertFieldSpecs(tx, templateID, fields); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update template: %w", err)
	}
	return s.getTemplateLocked(templateID)
}

// GetTemplate loads one template with its field specs.
func (s *Store) GetTemplate(id int64) (*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTemplateLocked(id)
}

func (s *Store) getTemplateLocked(id int64) (*types.Template, error) {
	var t types.Template
	var kind string
	var sample sql.NullString
	err := s.db.QueryRow(
		"SELECT id, name, kind, signature_version, sample_text, created_at, updated_at FROM templates WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &kind, &t.SignatureVersion, &sample, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	t.Kind = types.TemplateKind(kind)
	t.SampleText = sample.String

	fields, err := s.loadFieldSpecs(id)
	if err != nil {
		return nil, err
	}
	t.Fields = fields
	return &t, nil
}

// GetTemplateByName loads a template by its unique name.
func (s *Store) GetTemplateByName(name string) (*types.Template, error) {
	s.mu.RLock()
	var id int64
	err := s.db.QueryRow("SELECT id FROM templates WHERE name = ?", name).Scan(&id)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup template by name: %w", err)
	}
	return s.GetTemplate(id)
}

// ListTemplates returns all templates with their field specs.
func (s *Store) ListTemplates() ([]*types.Template, error) {
	s.mu.RLock()
	rows, err := s.db.Query("SELECT id FROM templates ORDER BY name")
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("list templates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	s.mu.RUnlock()

	templates := make([]*types.Template, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTemplate(id)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

func (s *Store) loadFieldSpecs(templateID int64) ([]types.FieldSpec, error) {
	rows, err := s.db.Query(
		`SELECT name, type, required, description, extraction_hints, confidence_threshold
		 FROM template_field_specs WHERE template_id = ? ORDER BY position, id`, templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("load field specs: %w", err)
	}
	defer rows.Close()

	var specs []types.FieldSpec
	for rows.Next() {
		var f types.FieldSpec
		var ftype string
		var desc, hints sql.NullString
		if err := rows.Scan(&f.Name, &ftype, &f.Required, &desc, &hints, &f.ConfidenceThreshold); err != nil {
			return nil, fmt.Errorf("scan field spec: %w", err)
		}
		f.Type = types.FieldType(ftype)
		f.Description = desc.String
		if hints.Valid && hints.String != "" {
			if err := json.Unmarshal([]byte(hints.String), &f.ExtractionHints); err != nil {
				return nil, fmt.Errorf("unmarshal extraction hints: %w", err)
			}
		}
		specs = append(specs, f)
	}
	return specs, rows.Err()
}

func insertFieldSpecs(tx *sql.Tx, templateID int64, fields []types.FieldSpec) error {
	for i, f := range fields {
		var hints interface{}
		if len(f.ExtractionHints) > 0 {
			b, err := json.Marshal(f.ExtractionHints)
			if err != nil {
				return fmt.Errorf("marshal extraction hints: %w", err)
			}
			hints = string(b)
		}
		_, err := tx.Exec(
			`INSERT INTO template_field_specs
			 (template_id, name, type, required, description, extraction_hints, confidence_threshold, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			templateID, f.Name, string(f.Type), f.Required, f.Description, hints, f.ConfidenceThreshold, i,
		)
		if err != nil {
			return fmt.Errorf("insert field spec %q: %w", f.Name, err)
		}
	}
	return nil
}

func validateFieldNames(fields []types.FieldSpec) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("field spec with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}
