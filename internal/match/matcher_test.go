package match

import (
	"context"
	"testing"

	"docsense/internal/llm"
	"docsense/internal/search"
	"docsense/internal/types"
)

func contractParse() *types.ParseResult {
	return &types.ParseResult{
		Chunks: []types.ParseChunk{
			{Page: 1, Text: "BYOC Services Addendum"},
			{Page: 1, Text: "Effective Date: June 5, 2025"},
			{Page: 1, Text: "Party A: Pinecone Systems, Inc."},
			{Page: 1, Text: "Party B: Example Customer LLC"},
			{Page: 2, Text: "Termination Clause: either party may terminate"},
		},
		FullText: "BYOC Services Addendum ...",
	}
}

func testIndex() *search.Index {
	ix := search.NewIndex(search.DefaultWeights())
	ix.IndexTemplateSignature(types.SignatureDoc{
		TemplateID: 1, TemplateName: "Contract",
		FieldNames: []string{"contract_title", "effective_date", "party_a", "party_b", "termination_clause"},
		SampleText: "AGREEMENT effective date party termination",
	})
	ix.IndexTemplateSignature(types.SignatureDoc{
		TemplateID: 2, TemplateName: "Invoice",
		FieldNames: []string{"invoice_number", "vendor_name", "invoice_total"},
		SampleText: "INVOICE total amount due",
	})
	return ix
}

func templateList() func() ([]*types.Template, error) {
	return func() ([]*types.Template, error) {
		return []*types.Template{
			{ID: 1, Name: "Contract", Kind: types.KindContract, Fields: []types.FieldSpec{
				{Name: "contract_title"}, {Name: "effective_date"}, {Name: "party_a"}, {Name: "party_b"},
			}},
			{ID: 2, Name: "Invoice", Kind: types.KindInvoice, Fields: []types.FieldSpec{
				{Name: "invoice_number"}, {Name: "vendor_name"}, {Name: "invoice_total"},
			}},
		}, nil
	}
}

func TestCandidateFieldNames(t *testing.T) {
	candidates := CandidateFieldNames(contractParse())
	if len(candidates) == 0 {
		t.Fatal("no candidates derived")
	}

	want := map[string]bool{"effective_date": true, "party_a": true, "termination_clause": true}
	found := 0
	for _, c := range candidates {
		if want[c] {
			found++
		}
	}
	if found < 2 {
		t.Errorf("colon labels missing from candidates: %v", candidates)
	}
}

func TestFastMatchSkipsLLM(t *testing.T) {
	fake := llm.NewFake() // empty script: any call would fail the test
	m := New(testIndex(), fake, templateList(), Config{
		FastMatchThreshold: 0.4, CreateNewThreshold: 0.6, EnableLLMFallback: true,
	})

	d, err := m.Match(context.Background(), contractParse())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if d.Source != SourceFastMatch {
		t.Fatalf("source = %s, want fast_match (confidence %.2f)", d.Source, d.Confidence)
	}
	if d.TemplateID == nil || *d.TemplateID != 1 {
		t.Errorf("template = %v, want 1", d.TemplateID)
	}
	if fake.CallCount() != 0 {
		t.Errorf("llm was called %d times on the fast path", fake.CallCount())
	}
}

func TestLLMFallbackBelowGate(t *testing.T) {
	fake := llm.NewFake(`{"template_id": 1, "confidence": 0.82, "reasoning": "addendum with parties"}`)
	m := New(testIndex(), fake, templateList(), Config{
		FastMatchThreshold: 0.99, CreateNewThreshold: 0.6, EnableLLMFallback: true,
	})

	d, err := m.Match(context.Background(), contractParse())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if d.Source != SourceLLMFallback {
		t.Fatalf("source = %s, want llm_fallback", d.Source)
	}
	if d.TemplateID == nil || *d.TemplateID != 1 {
		t.Errorf("template = %v", d.TemplateID)
	}
	if fake.CallCount() != 1 {
		t.Errorf("llm calls = %d, want 1", fake.CallCount())
	}
}

func TestNeedsNewTemplate(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"null template", `{"template_id": null, "confidence": 0.3, "reasoning": "no match"}`},
		{"low confidence", `{"template_id": 2, "confidence": 0.4, "reasoning": "weak"}`},
		{"unknown id", `{"template_id": 99, "confidence": 0.9, "reasoning": "hallucinated"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := llm.NewFake(tt.reply)
			m := New(testIndex(), fake, templateList(), Config{
				FastMatchThreshold: 0.99, CreateNewThreshold: 0.6, EnableLLMFallback: true,
			})
			d, err := m.Match(context.Background(), contractParse())
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if d.Source != SourceNeedsNewTemplate {
				t.Errorf("source = %s, want needs_new_template", d.Source)
			}
			if d.TemplateID != nil {
				t.Errorf("template = %v, want nil", d.TemplateID)
			}
		})
	}
}

func TestLLMDisabled(t *testing.T) {
	fake := llm.NewFake()
	m := New(testIndex(), fake, templateList(), Config{
		FastMatchThreshold: 0.99, CreateNewThreshold: 0.6, EnableLLMFallback: false,
	})
	d, err := m.Match(context.Background(), contractParse())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if d.Source != SourceNeedsNewTemplate {
		t.Errorf("source = %s", d.Source)
	}
	if fake.CallCount() != 0 {
		t.Errorf("llm calls = %d, want 0 when disabled", fake.CallCount())
	}
}
