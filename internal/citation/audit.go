package citation

import (
	"context"
	"fmt"

	"docsense/internal/logging"
	"docsense/internal/store"
	"docsense/internal/types"
)

// =============================================================================
// AUDIT QUEUE
// =============================================================================

// Reindexer rebuilds a document's search projection after a field changes.
type Reindexer interface {
	ReindexFromStore(ctx context.Context, docID int64) error
}

// Invalidator drops cached query responses that may embed stale field text.
type Invalidator interface {
	InvalidateCache()
}

// AuditQueue serves the human review workflow over prioritized fields.
type AuditQueue struct {
	store      *store.Store
	reindexer  Reindexer   // nil skips reindexing
	invalidate Invalidator // nil skips cache invalidation
}

// NewAuditQueue wires the queue. reindexer and invalidator may be nil.
func NewAuditQueue(st *store.Store, reindexer Reindexer, invalidator Invalidator) *AuditQueue {
	return &AuditQueue{store: st, reindexer: reindexer, invalidate: invalidator}
}

// List returns one page of the audit queue.
func (q *AuditQueue) List(filter store.AuditFilter, page, size int) (*store.AuditPage, error) {
	return q.store.ListAuditQueue(filter, page, size)
}

// VerifyResult is the outcome of one review action.
type VerifyResult struct {
	Field        *types.ExtractedField
	Verification *types.Verification
	// Next is the following queue item, so reviewers move through the queue
	// without re-listing. Nil when the queue is drained.
	Next *types.ExtractedField
}

// Verify applies one review action: the verification is appended, the
// document's search projection is rebuilt, and cached answers are dropped.
func (q *AuditQueue) Verify(ctx context.Context, fieldID int64, action types.VerifyAction, correctedValue, notes, reviewerID string) (*VerifyResult, error) {
	verification, err := q.store.AppendVerification(fieldID, action, correctedValue, notes, reviewerID)
	if err != nil {
		return nil, err
	}

	field, err := q.store.GetField(fieldID)
	if err != nil {
		return nil, fmt.Errorf("reload field %d: %w", fieldID, err)
	}

	if q.reindexer != nil {
		if err := q.reindexer.ReindexFromStore(ctx, field.DocumentID); err != nil {
			return nil, fmt.Errorf("reindex document %d: %w", field.DocumentID, err)
		}
	}
	if q.invalidate != nil {
		q.invalidate.InvalidateCache()
	}

	next, err := q.store.NextAuditItem(fieldID)
	if err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryAudit).Info("Field %d reviewed (%s) by %s", fieldID, action, reviewerID)
	return &VerifyResult{Field: field, Verification: verification, Next: next}, nil
}

// ResolveCitation marks a citation's audit link as acted on.
func (q *AuditQueue) ResolveCitation(citationID int64, correctionMade bool) error {
	if err := q.store.MarkCitationAudited(citationID, correctionMade); err != nil {
		return err
	}
	if correctionMade && q.invalidate != nil {
		q.invalidate.InvalidateCache()
	}
	return nil
}
