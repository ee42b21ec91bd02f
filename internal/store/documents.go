package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"docsense/internal/logging"
	"docsense/internal/types"
)

// =============================================================================
// PHYSICAL FILES AND DOCUMENTS
// =============================================================================

// CreateDocument registers an upload. Duplicate-hash uploads reuse the
// existing physical file and get a fresh document row pointing at it.
func (s *Store) CreateDocument(filename, contentHash, storagePath string, sizeBytes int64) (*types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create document: %w", err)
	}
	defer tx.Rollback()

	var fileID int64
	var existingPath string
	err = tx.QueryRow(
		"SELECT id, storage_path FROM physical_files WHERE content_hash = ?", contentHash,
	).Scan(&fileID, &existingPath)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(
			"INSERT INTO physical_files (content_hash, storage_path, size_bytes) VALUES (?, ?, ?)",
			contentHash, storagePath, sizeBytes,
		)
		if err != nil {
			return nil, fmt.Errorf("insert physical file: %w", err)
		}
		fileID, _ = res.LastInsertId()
		existingPath = storagePath
	case err != nil:
		return nil, fmt.Errorf("lookup physical file: %w", err)
	default:
		logging.StoreDebug("Duplicate upload for hash %s, reusing file %d", contentHash, fileID)
	}

	res, err := tx.Exec(
		"INSERT INTO documents (filename, status, content_hash, actual_file_path) VALUES (?, ?, ?, ?)",
		filename, string(types.StatusUploaded), contentHash, existingPath,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	docID, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create document: %w", err)
	}

	return &types.Document{
		ID:             docID,
		Filename:       filename,
		Status:         types.StatusUploaded,
		ContentHash:    contentHash,
		ActualFilePath: existingPath,
		CreatedAt:      time.Now(),
	}, nil
}

// GetDocument loads one document row.
func (s *Store) GetDocument(id int64) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanDocument(s.db.QueryRow(
		`SELECT id, filename, status, template_id, parse_job_id, parse_result,
		        content_hash, actual_file_path, error_message, created_at, processed_at
		 FROM documents WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanDocument(row rowScanner) (*types.Document, error) {
	var d types.Document
	var status string
	var templateID sql.NullInt64
	var jobID, parseJSON, filePath, errMsg sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(&d.ID, &d.Filename, &status, &templateID, &jobID, &parseJSON,
		&d.ContentHash, &filePath, &errMsg, &d.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}

	d.Status = types.DocumentStatus(status)
	if templateID.Valid {
		d.TemplateID = &templateID.Int64
	}
	d.ParseJobID = jobID.String
	d.ActualFilePath = filePath.String
	d.ErrorMessage = errMsg.String
	if processedAt.Valid {
		d.ProcessedAt = &processedAt.Time
	}
	if parseJSON.Valid && parseJSON.String != "" {
		var pr types.ParseResult
		if err := json.Unmarshal([]byte(parseJSON.String), &pr); err != nil {
			return nil, fmt.Errorf("unmarshal cached parse result: %w", err)
		}
		d.ParseResult = &pr
	}
	return &d, nil
}

// UpdateDocumentStatus performs a state transition, rejecting illegal ones.
// The optional error message is recorded on the row; it is preserved when
// empty so retries keep the original failure context.
func (s *Store) UpdateDocumentStatus(id int64, status types.DocumentStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRow("SELECT status FROM documents WHERE id = ?", id).Scan(&current); err != nil {
		return fmt.Errorf("load current status: %w", err)
	}

	if err := types.ValidateTransition(types.DocumentStatus(current), status); err != nil {
		return err
	}

	if status == types.StatusCompleted {
		_, err = tx.Exec(
			"UPDATE documents SET status = ?, processed_at = CURRENT_TIMESTAMP, error_message = NULL WHERE id = ?",
			string(status), id,
		)
	} else if errorMessage != "" {
		_, err = tx.Exec(
			"UPDATE documents SET status = ?, error_message = ? WHERE id = ?",
			string(status), errorMessage, id,
		)
	} else {
		_, err = tx.Exec("UPDATE documents SET status = ? WHERE id = ?", string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	logging.StoreDebug("Document %d: %s -> %s", id, current, status)
	return nil
}

// SetDocumentTemplate records the matched (or user-chosen) template.
func (s *Store) SetDocumentTemplate(id, templateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE documents SET template_id = ? WHERE id = ?", templateID, id)
	if err != nil {
		return fmt.Errorf("set document template: %w", err)
	}
	return nil
}

// CacheParseResult stores the parse job id and the parsed payload
// atomically. Re-running with the same job id is a clean overwrite.
func (s *Store) CacheParseResult(id int64, jobID string, result *types.ParseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal parse result: %w", err)
	}

	res, err := s.db.Exec(
		"UPDATE documents SET parse_job_id = ?, parse_result = ? WHERE id = ?",
		jobID, string(payload), id,
	)
	if err != nil {
		return fmt.Errorf("cache parse result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %d not found", id)
	}
	return nil
}

// UpdateDocumentPath moves the document's file path after template-folder
// reorganization.
func (s *Store) UpdateDocumentPath(id int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE documents SET actual_file_path = ? WHERE id = ?", path, id)
	if err != nil {
		return fmt.Errorf("update document path: %w", err)
	}
	return nil
}

// ListDocuments returns documents filtered by status ("" = all), newest
// first. Failed documents remain listed with their error message.
func (s *Store) ListDocuments(status types.DocumentStatus, limit int) ([]*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, filename, status, template_id, parse_job_id, parse_result,
	                 content_hash, actual_file_path, error_message, created_at, processed_at
	          FROM documents`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.Document
	for rows.Next() {
		d, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
