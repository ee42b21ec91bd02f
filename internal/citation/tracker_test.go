package citation

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"docsense/internal/store"
	"docsense/internal/types"
)

func seedStore(t *testing.T) (*store.Store, int64) {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tpl, err := st.CreateTemplate(&types.Template{
		Name: "Invoice",
		Kind: types.KindInvoice,
		Fields: []types.FieldSpec{
			{Name: "invoice_total", Type: types.FieldNumber, Required: true},
			{Name: "vendor_name", Type: types.FieldText, Required: true},
		},
	})
	require.NoError(t, err)

	doc, err := st.CreateDocument("inv.pdf", "hash-c1", "files/inv.pdf", 100)
	require.NoError(t, err)
	require.NoError(t, st.SetDocumentTemplate(doc.ID, tpl.ID))

	fields := []*types.ExtractedField{
		{
			FieldName:        "invoice_total",
			FieldType:        types.FieldNumber,
			Value:            types.NumberValue("$1,250.00", 1250),
			Confidence:       0.45,
			ValidationStatus: types.ValidationValid,
			AuditPriority:    types.PriorityHigh,
		},
		{
			FieldName:        "vendor_name",
			FieldType:        types.FieldText,
			Value:            types.ScalarValue("Acme Corp"),
			Confidence:       0.95,
			ValidationStatus: types.ValidationValid,
			AuditPriority:    types.PriorityLow,
		},
	}
	require.NoError(t, st.UpsertExtractedFields(doc.ID, fields))
	return st, doc.ID
}

func TestProcessRecordsCitationsAndAuditLinks(t *testing.T) {
	st, docID := seedStore(t)
	tracker := NewTracker(st, 0.60)

	answer := "Acme Corp [[FIELD:vendor_name:" + itoa(docID) + "]] billed $1,250.00 [[FIELD:invoice_total:" + itoa(docID) + "]]."
	citations, err := tracker.Process("q-1", "who billed us", types.SourceAskAI, answer)
	require.NoError(t, err)
	require.Len(t, citations, 2)

	byField := make(map[string]*types.Citation)
	for _, c := range citations {
		byField[c.FieldName] = c
	}

	vendor := byField["vendor_name"]
	require.False(t, vendor.NeedsAudit)
	require.Nil(t, vendor.AuditLink)
	require.Equal(t, 0.95, vendor.ConfidenceAtCitation)

	// Below the review threshold and unverified: the citation carries the
	// audit link back to the queue.
	total := byField["invoice_total"]
	require.True(t, total.NeedsAudit)
	require.NotNil(t, total.AuditLink)
	require.Equal(t, "invoice_total", total.AuditLink.FieldName)
	require.Equal(t, docID, total.AuditLink.DocumentID)
	require.Contains(t, total.ContextSnippet, "[[FIELD:invoice_total:")

	// Usage counters advanced on both fields.
	f, err := st.GetFieldByName(docID, "invoice_total")
	require.NoError(t, err)
	require.Equal(t, 1, f.CitationCount)
	require.NotNil(t, f.LastCitedAt)

	stored, err := st.GetCitationsByQuery("q-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)

	summary := Summarize(citations)
	require.Equal(t, 1, summary.LowConfidenceCount)
	require.True(t, summary.AuditRecommended)
}

func TestProcessDropsUnknownFieldMarkers(t *testing.T) {
	st, docID := seedStore(t)
	tracker := NewTracker(st, 0.60)

	answer := "Value [[FIELD:no_such_field:" + itoa(docID) + "]] and Acme [[FIELD:vendor_name:" + itoa(docID) + "]]."
	citations, err := tracker.Process("q-2", "q", types.SourceAskAI, answer)
	require.NoError(t, err)
	require.Len(t, citations, 1)
	require.Equal(t, "vendor_name", citations[0].FieldName)
}

func TestVerifiedFieldCitesWithoutAudit(t *testing.T) {
	st, docID := seedStore(t)

	f, err := st.GetFieldByName(docID, "invoice_total")
	require.NoError(t, err)
	_, err = st.AppendVerification(f.ID, types.VerifyCorrect, "", "", "reviewer-1")
	require.NoError(t, err)

	tracker := NewTracker(st, 0.60)
	citations, err := tracker.Process("q-3", "q", types.SourceAskAI,
		"$1,250.00 [[FIELD:invoice_total:"+itoa(docID)+"]]")
	require.NoError(t, err)
	require.Len(t, citations, 1)
	require.True(t, citations[0].Verified)
	require.False(t, citations[0].NeedsAudit, "verified fields never re-enter the audit loop")
}

type recordingReindexer struct{ docs []int64 }

func (r *recordingReindexer) ReindexFromStore(_ context.Context, docID int64) error {
	r.docs = append(r.docs, docID)
	return nil
}

type recordingInvalidator struct{ calls int }

func (r *recordingInvalidator) InvalidateCache() { r.calls++ }

func TestVerifyCorrectionUpdatesFieldAndAdvancesQueue(t *testing.T) {
	st, docID := seedStore(t)
	reindexer := &recordingReindexer{}
	invalidator := &recordingInvalidator{}
	queue := NewAuditQueue(st, reindexer, invalidator)

	page, err := queue.List(store.AuditFilter{}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	fieldID := page.Items[0].ID

	res, err := queue.Verify(context.Background(), fieldID, types.VerifyIncorrect, "$1,450.00", "OCR misread", "reviewer-1")
	require.NoError(t, err)

	require.True(t, res.Field.Verified)
	require.Equal(t, "$1,450.00", res.Field.VerifiedValue)
	require.Equal(t, []int64{docID}, reindexer.docs)
	require.Equal(t, 1, invalidator.calls)
	require.Nil(t, res.Next, "queue is drained after the only pending item")

	// Verified fields leave the queue.
	page, err = queue.List(store.AuditFilter{}, 0, 10)
	require.NoError(t, err)
	require.Zero(t, page.Total)
}

func TestResolveCitationMarksAuditLink(t *testing.T) {
	st, docID := seedStore(t)
	invalidator := &recordingInvalidator{}
	queue := NewAuditQueue(st, nil, invalidator)

	tracker := NewTracker(st, 0.60)
	citations, err := tracker.Process("q-4", "q", types.SourceAskAI,
		"$1,250.00 [[FIELD:invoice_total:"+itoa(docID)+"]]")
	require.NoError(t, err)
	require.Len(t, citations, 1)

	require.NoError(t, queue.ResolveCitation(citations[0].ID, true))
	require.Equal(t, 1, invalidator.calls)

	stored, err := st.GetCitationsByQuery("q-4")
	require.NoError(t, err)
	require.True(t, stored[0].AuditLinkClicked)
	require.True(t, stored[0].CorrectionMade)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
