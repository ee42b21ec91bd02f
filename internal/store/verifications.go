package store

import (
	"fmt"

	"docsense/internal/logging"
	"docsense/internal/types"
)

// =============================================================================
// VERIFICATIONS
// =============================================================================

// AppendVerification records a human review outcome and updates the field's
// verified state in one transaction. Verifications are append-only.
//
// A "correct" verification leaves the field row otherwise unchanged: only
// verified and verified_at are set. "incorrect" additionally stores the
// corrected value; "not_found" clears nothing but marks the field reviewed.
func (s *Store) AppendVerification(fieldID int64, action types.VerifyAction, correctedValue, notes, reviewerID string) (*types.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch action {
	case types.VerifyCorrect, types.VerifyIncorrect, types.VerifyNotFound:
	default:
		return nil, fmt.Errorf("unknown verification action %q", action)
	}
	if action == types.VerifyIncorrect && correctedValue == "" {
		return nil, fmt.Errorf("incorrect verification requires a corrected value")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin verification: %w", err)
	}
	defer tx.Rollback()

	var exists int64
	if err := tx.QueryRow("SELECT id FROM extracted_fields WHERE id = ?", fieldID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("field %d not found", fieldID)
	}

	res, err := tx.Exec(
		"INSERT INTO verifications (field_id, action, corrected_value, notes, reviewer_id) VALUES (?, ?, ?, ?, ?)",
		fieldID, string(action), correctedValue, notes, reviewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert verification: %w", err)
	}
	verID, _ := res.LastInsertId()

	if action == types.VerifyIncorrect {
		_, err = tx.Exec(
			"UPDATE extracted_fields SET verified = TRUE, verified_value = ?, verified_at = CURRENT_TIMESTAMP WHERE id = ?",
			correctedValue, fieldID,
		)
	} else {
		_, err = tx.Exec(
			"UPDATE extracted_fields SET verified = TRUE, verified_at = CURRENT_TIMESTAMP WHERE id = ?",
			fieldID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("update field verified state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit verification: %w", err)
	}

	logging.Get(logging.CategoryAudit).Info("Verification %d recorded: field=%d action=%s", verID, fieldID, action)
	return &types.Verification{
		ID:             verID,
		FieldID:        fieldID,
		Action:         action,
		CorrectedValue: correctedValue,
		Notes:          notes,
		ReviewerID:     reviewerID,
	}, nil
}

// GetVerifications returns the review history of one field, newest first.
func (s *Store) GetVerifications(fieldID int64) ([]*types.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, field_id, action, corrected_value, notes, reviewer_id, verified_at
		 FROM verifications WHERE field_id = ? ORDER BY verified_at DESC, id DESC`, fieldID,
	)
	if err != nil {
		return nil, fmt.Errorf("load verifications: %w", err)
	}
	defer rows.Close()

	var out []*types.Verification
	for rows.Next() {
		var v types.Verification
		var action string
		if err := rows.Scan(&v.ID, &v.FieldID, &action, &v.CorrectedValue, &v.Notes, &v.ReviewerID, &v.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		v.Action = types.VerifyAction(action)
		out = append(out, &v)
	}
	return out, rows.Err()
}
