package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"docsense/internal/types"
)

// =============================================================================
// CITATIONS (append-only)
// =============================================================================

// AppendCitation records one use of a field in a generated answer.
func (s *Store) AppendCitation(c *types.Citation) (*types.Citation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var linkJSON interface{}
	if c.AuditLink != nil {
		b, err := json.Marshal(c.AuditLink)
		if err != nil {
			return nil, fmt.Errorf("marshal audit link: %w", err)
		}
		linkJSON = string(b)
	}

	res, err := s.db.Exec(
		`INSERT INTO citations
		 (field_id, document_id, query_id, query_text, query_source, field_name,
		  confidence_at_citation, context_snippet, verified, needs_audit, audit_link)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.FieldID, c.DocumentID, c.QueryID, c.QueryText, string(c.QuerySource), c.FieldName,
		c.ConfidenceAtCitation, c.ContextSnippet, c.Verified, c.NeedsAudit, linkJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert citation: %w", err)
	}

	out := *c
	out.ID, _ = res.LastInsertId()
	return &out, nil
}

// MarkCitationAudited flags that the audit link behind a citation was acted
// on, optionally recording that the review produced a correction.
func (s *Store) MarkCitationAudited(citationID int64, correctionMade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE citations SET audit_link_clicked = TRUE, correction_made = ? WHERE id = ?",
		correctionMade, citationID,
	)
	if err != nil {
		return fmt.Errorf("mark citation audited: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("citation %d not found", citationID)
	}
	return nil
}

// GetCitationsByQuery returns the citations recorded for one query id.
func (s *Store) GetCitationsByQuery(queryID string) ([]*types.Citation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, field_id, document_id, query_id, query_text, query_source, field_name,
		        confidence_at_citation, context_snippet, verified, needs_audit, audit_link,
		        audit_link_clicked, correction_made, created_at
		 FROM citations WHERE query_id = ? ORDER BY id`, queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("load citations: %w", err)
	}
	defer rows.Close()

	var out []*types.Citation
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCitationsByField returns the citation history of one field.
func (s *Store) GetCitationsByField(fieldID int64) ([]*types.Citation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, field_id, document_id, query_id, query_text, query_source, field_name,
		        confidence_at_citation, context_snippet, verified, needs_audit, audit_link,
		        audit_link_clicked, correction_made, created_at
		 FROM citations WHERE field_id = ? ORDER BY created_at DESC, id DESC`, fieldID,
	)
	if err != nil {
		return nil, fmt.Errorf("load citations: %w", err)
	}
	defer rows.Close()

	var out []*types.Citation
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCitation(rows *sql.Rows) (*types.Citation, error) {
	var c types.Citation
	var source string
	var queryText, snippet, linkJSON sql.NullString

	err := rows.Scan(&c.ID, &c.FieldID, &c.DocumentID, &c.QueryID, &queryText, &source, &c.FieldName,
		&c.ConfidenceAtCitation, &snippet, &c.Verified, &c.NeedsAudit, &linkJSON,
		&c.AuditLinkClicked, &c.CorrectionMade, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan citation: %w", err)
	}
	c.QueryText = queryText.String
	c.QuerySource = types.QuerySource(source)
	c.ContextSnippet = snippet.String
	if linkJSON.Valid && linkJSON.String != "" {
		var link types.AuditLink
		if err := json.Unmarshal([]byte(linkJSON.String), &link); err == nil {
			c.AuditLink = &link
		}
	}
	return &c, nil
}
