package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"docsense/internal/logging"
	"docsense/internal/types"
)

// =============================================================================
// EXTRACTED FIELDS
// =============================================================================

// UpsertExtractedFields replaces the field set for a document atomically.
// Rows whose field name survives the replacement keep their id, so the
// verification history hanging off field_id stays attached; verified state
// and citation counters are preserved on those rows.
func (s *Store) UpsertExtractedFields(docID int64, fields []*types.ExtractedField) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert fields: %w", err)
	}
	defer tx.Rollback()

	existing := make(map[string]int64)
	rows, err := tx.Query("SELECT id, field_name FROM extracted_fields WHERE document_id = ?", docID)
	if err != nil {
		return fmt.Errorf("load existing fields: %w", err)
	}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return fmt.Errorf("scan existing field: %w", err)
		}
		existing[name] = id
	}
	rows.Close()

	incoming := make(map[string]bool, len(fields))
	for _, f := range fields {
		incoming[f.FieldName] = true

		scalar, structured, err := f.Value.MarshalStorage()
		if err != nil {
			return err
		}
		var errsJSON interface{}
		if len(f.ValidationErrors) > 0 {
			b, err := json.Marshal(f.ValidationErrors)
			if err != nil {
				return fmt.Errorf("marshal validation errors: %w", err)
			}
			errsJSON = string(b)
		}
		var bboxJSON interface{}
		if box := types.SanitizeBBox(f.SourceBBox); box != nil {
			b, _ := json.Marshal(box)
			bboxJSON = string(b)
		}

		if id, ok := existing[f.FieldName]; ok {
			_, err = tx.Exec(
				`UPDATE extracted_fields SET
				   field_type = ?, field_value = ?, field_value_json = ?, confidence = ?,
				   source_page = ?, source_bbox = ?, validation_status = ?, validation_errors = ?,
				   audit_priority = ?
				 WHERE id = ?`,
				string(f.FieldType), scalar, structured, f.Confidence,
				f.SourcePage, bboxJSON, string(f.ValidationStatus), errsJSON,
				int(f.AuditPriority), id,
			)
			if err != nil {
				return fmt.Errorf("update field %q: %w", f.FieldName, err)
			}
			f.ID = id
		} else {
			res, err := tx.Exec(
				`INSERT INTO extracted_fields
				 (document_id, field_name, field_type, field_value, field_value_json, confidence,
				  source_page, source_bbox, validation_status, validation_errors, audit_priority)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				docID, f.FieldName, string(f.FieldType), scalar, structured, f.Confidence,
				f.SourcePage, bboxJSON, string(f.ValidationStatus), errsJSON, int(f.AuditPriority),
			)
			if err != nil {
				return fmt.Errorf("insert field %q: %w", f.FieldName, err)
			}
			f.ID, _ = res.LastInsertId()
		}
		f.DocumentID = docID
	}

	// Remove fields dropped by the new extraction.
	for name, id := range existing {
		if !incoming[name] {
			if _, err := tx.Exec("DELETE FROM extracted_fields WHERE id = ?", id); err != nil {
				return fmt.Errorf("delete stale field %q: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert fields: %w", err)
	}
	logging.StoreDebug("Upserted %d fields for document %d", len(fields), docID)
	return nil
}

// GetField loads one extracted field by id.
func (s *Store) GetField(id int64) (*types.ExtractedField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanField(s.db.QueryRow(fieldSelect+" WHERE f.id = ?", id))
}

// GetFieldByName loads the field for (document, field-name), the lookup
// citation markers resolve through.
func (s *Store) GetFieldByName(docID int64, fieldName string) (*types.ExtractedField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanField(s.db.QueryRow(fieldSelect+" WHERE f.document_id = ? AND f.field_name = ?", docID, fieldName))
}

// GetFieldsByDocument returns all fields of one document in name order.
func (s *Store) GetFieldsByDocument(docID int64) ([]*types.ExtractedField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fieldSelect+" WHERE f.document_id = ? ORDER BY f.field_name", docID)
	if err != nil {
		return nil, fmt.Errorf("load document fields: %w", err)
	}
	defer rows.Close()
	return scanFields(rows)
}

const fieldSelect = `
	SELECT f.id, f.document_id, f.field_name, f.field_type, f.field_value, f.field_value_json,
	       f.confidence, f.source_page, f.source_bbox, f.validation_status, f.validation_errors,
	       f.audit_priority, f.verified, f.verified_value, f.verified_at,
	       f.citation_count, f.last_cited_at, f.created_at
	FROM extracted_fields f`

func scanField(row rowScanner) (*types.ExtractedField, error) {
	var f types.ExtractedField
	var ftype, vstatus string
	var scalar, structured, bboxJSON, errsJSON, verifiedValue sql.NullString
	var page sql.NullInt64
	var verifiedAt, lastCited sql.NullTime

	err := row.Scan(&f.ID, &f.DocumentID, &f.FieldName, &ftype, &scalar, &structured,
		&f.Confidence, &page, &bboxJSON, &vstatus, &errsJSON,
		&f.AuditPriority, &f.Verified, &verifiedValue, &verifiedAt,
		&f.CitationCount, &lastCited, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("field not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan field: %w", err)
	}

	f.FieldType = types.FieldType(ftype)
	f.ValidationStatus = types.ValidationStatus(vstatus)
	f.VerifiedValue = verifiedValue.String
	if page.Valid {
		p := int(page.Int64)
		f.SourcePage = &p
	}
	if verifiedAt.Valid {
		f.VerifiedAt = &verifiedAt.Time
	}
	if lastCited.Valid {
		f.LastCitedAt = &lastCited.Time
	}
	if bboxJSON.Valid && bboxJSON.String != "" {
		var box types.BoundingBox
		if err := json.Unmarshal([]byte(bboxJSON.String), &box); err == nil {
			f.SourceBBox = &box
		}
	}
	if errsJSON.Valid && errsJSON.String != "" {
		if err := json.Unmarshal([]byte(errsJSON.String), &f.ValidationErrors); err != nil {
			return nil, fmt.Errorf("unmarshal validation errors: %w", err)
		}
	}

	var sp, st *string
	if scalar.Valid {
		sp = &scalar.String
	}
	if structured.Valid {
		st = &structured.String
	}
	value, err := types.UnmarshalStorage(f.FieldType, sp, st)
	if err != nil {
		return nil, err
	}
	f.Value = value
	return &f, nil
}

func scanFields(rows *sql.Rows) ([]*types.ExtractedField, error) {
	var fields []*types.ExtractedField
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// RecordCitationUse bumps the citation counter and last-cited timestamp.
func (s *Store) RecordCitationUse(fieldID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE extracted_fields SET citation_count = citation_count + 1, last_cited_at = CURRENT_TIMESTAMP WHERE id = ?",
		fieldID,
	)
	if err != nil {
		return fmt.Errorf("record citation use: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT QUEUE QUERIES
// =============================================================================

// AuditFilter narrows the audit queue listing.
type AuditFilter struct {
	Priority   *types.AuditPriority
	TemplateID *int64
	DocumentID *int64
}

// AuditPage is one page of the audit queue plus aggregate counts.
type AuditPage struct {
	Items          []*types.ExtractedField
	Total          int
	PriorityCounts map[types.AuditPriority]int
}

// ListAuditQueue returns unverified fields with priority <= medium, ordered
// by (priority ASC, confidence ASC, created-at DESC).
func (s *Store) ListAuditQueue(filter AuditFilter, page, size int) (*AuditPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}

	where := " WHERE f.verified = FALSE AND f.audit_priority <= ?"
	args := []interface{}{int(types.PriorityMedium)}
	if filter.Priority != nil {
		where = " WHERE f.verified = FALSE AND f.audit_priority = ?"
		args = []interface{}{int(*filter.Priority)}
	}
	if filter.DocumentID != nil {
		where += " AND f.document_id = ?"
		args = append(args, *filter.DocumentID)
	}
	if filter.TemplateID != nil {
		where += " AND f.document_id IN (SELECT id FROM documents WHERE template_id = ?)"
		args = append(args, *filter.TemplateID)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM extracted_fields f"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit queue: %w", err)
	}

	query := fieldSelect + where +
		" ORDER BY f.audit_priority ASC, f.confidence ASC, f.created_at DESC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, append(args, size, page*size)...)
	if err != nil {
		return nil, fmt.Errorf("list audit queue: %w", err)
	}
	defer rows.Close()

	items, err := scanFields(rows)
	if err != nil {
		return nil, err
	}

	counts := make(map[types.AuditPriority]int)
	countRows, err := s.db.Query(
		"SELECT audit_priority, COUNT(*) FROM extracted_fields WHERE verified = FALSE GROUP BY audit_priority",
	)
	if err != nil {
		return nil, fmt.Errorf("count priorities: %w", err)
	}
	defer countRows.Close()
	for countRows.Next() {
		var p, n int
		if err := countRows.Scan(&p, &n); err != nil {
			return nil, err
		}
		counts[types.AuditPriority(p)] = n
	}

	return &AuditPage{Items: items, Total: total, PriorityCounts: counts}, nil
}

// NextAuditItem returns the highest-urgency unverified field after the
// given one, or nil when the queue is drained.
func (s *Store) NextAuditItem(afterFieldID int64) (*types.ExtractedField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := scanField(s.db.QueryRow(fieldSelect+
		" WHERE f.verified = FALSE AND f.audit_priority <= ? AND f.id != ?"+
		" ORDER BY f.audit_priority ASC, f.confidence ASC, f.created_at DESC LIMIT 1",
		int(types.PriorityMedium), afterFieldID))
	if err != nil {
		return nil, nil // empty queue is not an error
	}
	return f, nil
}
