// Package citation closes the feedback loop between generated answers and
// field quality: every field value cited in an answer is recorded, and
// low-confidence citations carry an audit link back to the review queue.
package citation

import (
	"fmt"

	"docsense/internal/logging"
	"docsense/internal/retrieval"
	"docsense/internal/store"
	"docsense/internal/types"
)

// snippetRadius is how much answer text is kept on each side of a marker.
const snippetRadius = 100

// Tracker records citations for generated answers.
type Tracker struct {
	store           *store.Store
	reviewThreshold float64
}

// NewTracker wires a tracker against the store.
func NewTracker(st *store.Store, reviewThreshold float64) *Tracker {
	return &Tracker{store: st, reviewThreshold: reviewThreshold}
}

// Process parses the citation markers out of an answer and appends one
// citation per marker. Markers referencing fields that do not exist are
// dropped with a warning rather than failing the whole answer; the model
// occasionally invents field names.
func (t *Tracker) Process(queryID, queryText string, source types.QuerySource, answer string) ([]*types.Citation, error) {
	markers := retrieval.ParseMarkers(answer)
	if len(markers) == 0 {
		return nil, nil
	}

	citations := make([]*types.Citation, 0, len(markers))
	for _, m := range markers {
		field, err := t.store.GetFieldByName(m.DocumentID, m.FieldName)
		if err != nil {
			logging.Get(logging.CategoryAudit).Warn("Dropping citation of unknown field %s on document %d: %v", m.FieldName, m.DocumentID, err)
			continue
		}

		needsAudit := field.Confidence < t.reviewThreshold && !field.Verified
		c := &types.Citation{
			FieldID:              field.ID,
			DocumentID:           m.DocumentID,
			QueryID:              queryID,
			QueryText:            queryText,
			QuerySource:          source,
			FieldName:            m.FieldName,
			ConfidenceAtCitation: field.Confidence,
			ContextSnippet:       snippetAround(answer, m),
			Verified:             field.Verified,
			NeedsAudit:           needsAudit,
		}
		if needsAudit {
			c.AuditLink = &types.AuditLink{
				FieldID:    field.ID,
				DocumentID: m.DocumentID,
				FieldName:  m.FieldName,
			}
		}

		saved, err := t.store.AppendCitation(c)
		if err != nil {
			return nil, fmt.Errorf("append citation for field %d: %w", field.ID, err)
		}
		if err := t.store.RecordCitationUse(field.ID); err != nil {
			return nil, fmt.Errorf("record citation use for field %d: %w", field.ID, err)
		}
		citations = append(citations, saved)
	}

	logging.Get(logging.CategoryAudit).Info("Recorded %d citations for query %s", len(citations), queryID)
	return citations, nil
}

// Summary condenses the audit posture of one answer's citations.
type Summary struct {
	LowConfidenceCount int
	AuditRecommended   bool
}

// Summarize reports how many citations fell below the review threshold and
// whether the answer as a whole should prompt a review.
func Summarize(citations []*types.Citation) Summary {
	var s Summary
	for _, c := range citations {
		if c.NeedsAudit {
			s.LowConfidenceCount++
		}
	}
	s.AuditRecommended = s.LowConfidenceCount > 0
	return s
}

// snippetAround cuts the answer text surrounding one marker, marker included.
func snippetAround(answer string, m retrieval.FieldMarker) string {
	markerLen := len(fmt.Sprintf("[[FIELD:%s:%d]]", m.FieldName, m.DocumentID))

	start := m.Offset - snippetRadius
	if start < 0 {
		start = 0
	}
	end := m.Offset + markerLen + snippetRadius
	if end > len(answer) {
		end = len(answer)
	}
	return answer[start:end]
}
