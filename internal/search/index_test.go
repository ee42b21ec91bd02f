package search

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"docsense/internal/types"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func invoiceDoc(id int64, vendor string, total float64, created string) SearchDoc {
	return SearchDoc{
		DocumentID:   id,
		TemplateID:   1,
		TemplateName: "Invoice",
		Filename:     fmt.Sprintf("invoice-%d.pdf", id),
		FullText:     fmt.Sprintf("INVOICE\nVendor: %s\nTotal: $%.2f", vendor, total),
		FieldValues: map[string]string{
			"invoice_number": fmt.Sprintf("INV-%d", 1000+id),
			"vendor_name":    vendor,
			"invoice_total":  fmt.Sprintf("%.2f", total),
			"invoice_date":   created,
		},
		IdentifierFields: []string{"invoice_number"},
		PrimaryFields:    []string{"vendor_name", "invoice_total", "invoice_date"},
		NumericFields:    map[string]float64{"invoice_total": total},
		DateFields:       map[string]time.Time{"invoice_date": day(created)},
		CreatedAt:        day(created),
	}
}

func TestSearchRanksIdentifierBandHighest(t *testing.T) {
	ix := NewIndex(DefaultWeights())

	// Doc 1 carries "acme" as an identifier-band value, doc 2 only in body.
	d1 := invoiceDoc(1, "Acme Corp", 100, "2026-01-10")
	d2 := invoiceDoc(2, "Globex", 100, "2026-01-11")
	d2.FullText += "\nreferred by acme"
	if err := ix.IndexDocument(d1); err != nil {
		t.Fatal(err)
	}
	if err := ix.IndexDocument(d2); err != nil {
		t.Fatal(err)
	}

	res := ix.Search(Query{TermGroups: [][]string{{"acme"}}})
	if res.Total != 2 {
		t.Fatalf("total = %d, want 2", res.Total)
	}
	if res.Hits[0].DocumentID != 1 {
		t.Errorf("top hit = %d, want 1 (weighted band)", res.Hits[0].DocumentID)
	}
	if res.Hits[0].Score != 1 {
		t.Errorf("top score = %f, want normalized 1", res.Hits[0].Score)
	}
}

func TestSynonymGroupDoesNotDoubleCount(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	d := invoiceDoc(1, "Acme", 100, "2026-01-10")
	d.FullText += "\nbill bill invoice" // both synonyms present
	if err := ix.IndexDocument(d); err != nil {
		t.Fatal(err)
	}
	d2 := invoiceDoc(2, "Globex", 100, "2026-01-10")
	if err := ix.IndexDocument(d2); err != nil {
		t.Fatal(err)
	}

	grouped := ix.Search(Query{TermGroups: [][]string{{"invoice", "bill"}}})
	split := ix.Search(Query{TermGroups: [][]string{{"invoice"}, {"bill"}}})
	if len(grouped.Hits) == 0 || len(split.Hits) == 0 {
		t.Fatal("expected hits in both runs")
	}
	// Grouped synonyms score on the best member only; split groups add up.
	if grouped.Hits[0].Score > split.Hits[0].Score {
		t.Errorf("grouped score %f should not exceed split score %f", grouped.Hits[0].Score, split.Hits[0].Score)
	}
}

func TestNumericAndDateFilters(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	for i, total := range []float64{1200, 6500, 9000} {
		if err := ix.IndexDocument(invoiceDoc(int64(i+1), "Acme", total, fmt.Sprintf("2026-0%d-15", i+1))); err != nil {
			t.Fatal(err)
		}
	}

	res := ix.Search(Query{Filters: []Filter{{
		Kind: FilterNumeric, Fields: []string{"invoice_total"}, Min: 5000, HasMin: true,
	}}})
	if res.Total != 2 {
		t.Fatalf("numeric filter total = %d, want 2", res.Total)
	}

	res = ix.Search(Query{Filters: []Filter{{
		Kind: FilterDate, Fields: []string{"invoice_date"},
		From: day("2026-02-01"), To: day("2026-02-28"),
	}}})
	if res.Total != 1 || res.Hits[0].DocumentID != 2 {
		t.Fatalf("date filter hits = %+v", res.Hits)
	}

	res = ix.Search(Query{Filters: []Filter{
		{Kind: FilterNumeric, Fields: []string{"invoice_total"}, Min: 5000, HasMin: true},
		{Kind: FilterTemplate, TemplateName: "Receipt"},
	}})
	if res.Total != 0 {
		t.Errorf("conjunction with wrong template should be empty, got %d", res.Total)
	}
}

func TestEntityFilter(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	ix.IndexDocument(invoiceDoc(1, "Pinecone Systems, Inc.", 100, "2026-01-10"))
	ix.IndexDocument(invoiceDoc(2, "Globex", 100, "2026-01-10"))

	res := ix.Search(Query{Filters: []Filter{{
		Kind: FilterEntity, Fields: []string{"vendor_name"}, Entity: "pinecone systems",
	}}})
	if res.Total != 1 || res.Hits[0].DocumentID != 1 {
		t.Fatalf("entity filter hits = %+v", res.Hits)
	}
}

func TestFuzzyFallbackFindsTypo(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	ix.IndexDocument(invoiceDoc(1, "Acme", 100, "2026-01-10"))

	q := Query{TermGroups: [][]string{{"invioce"}}}
	if res := ix.Search(q); res.Total != 0 {
		t.Fatalf("exact search for typo should miss, got %d", res.Total)
	}

	res := ix.SearchFuzzy(q, 0.3)
	if !res.FuzzyFallbackUsed {
		t.Error("diagnostic flag not set")
	}
	if res.Total == 0 {
		t.Fatal("fuzzy search should find the invoice")
	}
	if res.Hits[0].DocumentID != 1 {
		t.Errorf("hit = %d", res.Hits[0].DocumentID)
	}
}

func TestIndexDocumentIdempotent(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	doc := invoiceDoc(1, "Acme", 4200, "2026-01-10")

	if err := ix.IndexDocument(doc); err != nil {
		t.Fatal(err)
	}
	first, ok := ix.Snapshot(1)
	if !ok {
		t.Fatal("snapshot missing")
	}
	if err := ix.IndexDocument(doc); err != nil {
		t.Fatal(err)
	}
	second, _ := ix.Snapshot(1)

	if diff := cmp.Diff(string(first), string(second)); diff != "" {
		t.Errorf("re-index changed the entry (-first +second):\n%s", diff)
	}
	if ix.Size() != 1 {
		t.Errorf("size = %d, want 1", ix.Size())
	}
}

func TestFieldCapRejectsOversizedDocument(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	doc := invoiceDoc(1, "Acme", 100, "2026-01-10")
	doc.FieldValues = make(map[string]string)
	for i := 0; i <= maxDynamicFields; i++ {
		doc.FieldValues[fmt.Sprintf("f%d", i)] = "x"
	}
	if err := ix.IndexDocument(doc); err == nil {
		t.Fatal("expected rejection past the field cap")
	}
}

func TestLongValuesStoredButNotKeywordIndexed(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	doc := invoiceDoc(1, "Acme", 100, "2026-01-10")
	long := strings.Repeat("zanzibarmagneto ", 20) // > 256 chars, absent from body
	doc.FieldValues["terms_and_conditions"] = long
	if err := ix.IndexDocument(doc); err != nil {
		t.Fatal(err)
	}

	if res := ix.Search(Query{TermGroups: [][]string{{"zanzibarmagneto"}}}); res.Total != 0 {
		t.Errorf("over-cap value should not be keyword searchable, got %d hits", res.Total)
	}
	// The value is still on the stored doc.
	res := ix.Search(Query{TermGroups: [][]string{{"acme"}}})
	if res.Total != 1 || res.Hits[0].Doc.FieldValues["terms_and_conditions"] != long {
		t.Error("long value should survive on the stored document")
	}
}

func TestFindSimilarTemplates(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	ix.IndexTemplateSignature(types.SignatureDoc{
		TemplateID: 1, TemplateName: "Invoice",
		FieldNames: []string{"invoice_number", "vendor_name", "invoice_total", "invoice_date"},
		SampleText: "INVOICE Total Amount Due",
	})
	ix.IndexTemplateSignature(types.SignatureDoc{
		TemplateID: 2, TemplateName: "Contract",
		FieldNames: []string{"contract_title", "effective_date", "party_a", "party_b"},
		SampleText: "AGREEMENT between the parties",
	})

	scores := ix.FindSimilarTemplates(
		[]string{"invoice_number", "vendor_name", "total"},
		"INVOICE #1001 Amount Due", 3)
	if len(scores) == 0 {
		t.Fatal("no template scores")
	}
	if scores[0].TemplateID != 1 {
		t.Errorf("best template = %d, want Invoice", scores[0].TemplateID)
	}
	if scores[0].Score <= 0 || scores[0].Score > 1 {
		t.Errorf("score out of range: %f", scores[0].Score)
	}

	// Re-indexing after a field edit replaces the fingerprint.
	ix.IndexTemplateSignature(types.SignatureDoc{
		TemplateID: 1, TemplateName: "Invoice",
		FieldNames: []string{"po_number", "shipping_address"},
		Version:    2,
	})
	scores = ix.FindSimilarTemplates([]string{"invoice_number", "vendor_name"}, "", 3)
	if len(scores) > 0 && scores[0].TemplateID == 1 && scores[0].Score > 0.5 {
		t.Errorf("old fingerprint still ranking: %+v", scores[0])
	}
}

func TestSimilarByVector(t *testing.T) {
	ix := NewIndex(DefaultWeights())
	d1 := invoiceDoc(1, "Acme", 100, "2026-01-10")
	d1.Vector = []float32{1, 0}
	d2 := invoiceDoc(2, "Globex", 100, "2026-01-10")
	d2.Vector = []float32{0, 1}
	d3 := invoiceDoc(3, "NoVector", 100, "2026-01-10")
	ix.IndexDocument(d1)
	ix.IndexDocument(d2)
	ix.IndexDocument(d3)

	hits := ix.SimilarByVector([]float32{0.9, 0.1}, 2)
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].DocumentID != 1 {
		t.Errorf("nearest = %d, want 1", hits[0].DocumentID)
	}
}
