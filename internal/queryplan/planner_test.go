package queryplan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsense/internal/llm"
	"docsense/internal/search"
	"docsense/internal/store"
)

type staticFields map[string][]string

func (s staticFields) TemplateFields() map[string][]string { return s }

var testFields = staticFields{
	"Invoice":  {"invoice_number", "vendor_name", "invoice_total", "invoice_date"},
	"Payment":  {"payment_amount", "payment_date"},
	"Contract": {"contract_value", "party_name", "start_date", "end_date"},
}

func testClock() time.Time {
	return time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
}

func newTestPlanner(client llm.Client) *Planner {
	return New(search.NewRegistry(), testFields, client, Config{}).WithClock(testClock)
}

func TestAmountRangeTakesFastPath(t *testing.T) {
	fake := llm.NewFake()
	p := newTestPlanner(fake)

	plan, err := p.Plan(context.Background(), "invoices over $5000", Options{})
	require.NoError(t, err)

	require.Equal(t, IntentFilter, plan.Intent)
	require.False(t, plan.UseLLMRefinement)
	require.Zero(t, fake.CallCount(), "fast path must not call the model")

	require.Len(t, plan.Filters, 1)
	f := plan.Filters[0]
	require.Equal(t, search.FilterNumeric, f.Kind)
	require.True(t, f.HasMin)
	require.False(t, f.HasMax)
	require.Equal(t, 5000.0, f.Min)
	// Amount expands across every template that carries a monetary field.
	require.Equal(t, []string{"contract_value", "invoice_total", "payment_amount"}, f.Fields)
}

func TestBetweenRange(t *testing.T) {
	p := newTestPlanner(nil)

	plan, err := p.Plan(context.Background(), "invoices between $1,000 and $5,000", Options{})
	require.NoError(t, err)

	require.Len(t, plan.Filters, 1)
	f := plan.Filters[0]
	require.True(t, f.HasMin)
	require.True(t, f.HasMax)
	require.Equal(t, 1000.0, f.Min)
	require.Equal(t, 5000.0, f.Max)
}

func TestPinnedTemplateNarrowsExpansion(t *testing.T) {
	p := newTestPlanner(nil)

	plan, err := p.Plan(context.Background(), "invoices over $5000", Options{PinnedTemplate: "Invoice"})
	require.NoError(t, err)

	require.Len(t, plan.Filters, 2)
	require.Equal(t, search.FilterTemplate, plan.Filters[0].Kind)
	require.Equal(t, "Invoice", plan.Filters[0].TemplateName)

	num := plan.Filters[1]
	require.Equal(t, search.FilterNumeric, num.Kind)
	require.Equal(t, []string{"invoice_total"}, num.Fields)
}

func TestQuarterComparisonWithUserCanonical(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.UpsertCanonicalMapping(&store.CanonicalMapping{
		CanonicalName: "revenue",
		Aliases:       []string{"sales", "income"},
		FieldMappings: map[string]string{
			"Invoice":  "invoice_total",
			"Payment":  "payment_amount",
			"Contract": "contract_value",
		},
		AggregationType: "sum",
	}))

	reg := search.NewRegistry()
	require.NoError(t, reg.Reload(st))
	p := New(reg, testFields, nil, Config{}).WithClock(testClock)

	plan, err := p.Plan(context.Background(), "revenue this quarter vs last quarter", Options{})
	require.NoError(t, err)

	require.Equal(t, IntentCompare, plan.Intent)
	require.False(t, plan.UseLLMRefinement)
	require.NotNil(t, plan.Aggregation)
	require.Equal(t, "sum", plan.Aggregation.Type)
	require.Equal(t, "revenue", plan.Aggregation.Canonical)
	require.Equal(t, []string{"contract_value", "invoice_total", "payment_amount"}, plan.Aggregation.Fields)

	require.Len(t, plan.Aggregation.TimeBuckets, 2)
	this, last := plan.Aggregation.TimeBuckets[0], plan.Aggregation.TimeBuckets[1]
	require.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), this.From)
	require.Equal(t, time.Date(2026, 9, 30, 23, 59, 59, 0, time.UTC), this.To)
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), last.From)
	require.Equal(t, time.Date(2026, 6, 30, 23, 59, 59, 0, time.UTC), last.To)
}

func TestAggregateIntentBuildsSum(t *testing.T) {
	p := newTestPlanner(nil)

	plan, err := p.Plan(context.Background(), "total amount paid last month", Options{})
	require.NoError(t, err)

	require.Equal(t, IntentAggregate, plan.Intent)
	require.NotNil(t, plan.Aggregation)
	require.Equal(t, "sum", plan.Aggregation.Type)
	require.Equal(t, "amount", plan.Aggregation.Canonical)

	var dateFilter *search.Filter
	for i := range plan.Filters {
		if plan.Filters[i].Kind == search.FilterDate {
			dateFilter = &plan.Filters[i]
		}
	}
	require.NotNil(t, dateFilter)
	require.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), dateFilter.From)
	require.Equal(t, time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC), dateFilter.To)
}

func TestLowConfidencePlanIsRefined(t *testing.T) {
	fake := llm.NewFake(`{
		"intent": "compare",
		"term_groups": [],
		"entity_filters": [
			{"fields": ["party_name", "vendor_name"], "value": "Acme Corp"},
			{"fields": ["party_name", "vendor_name"], "value": "Globex Industries"}
		],
		"confidence": 0.9
	}`)
	p := newTestPlanner(fake)

	plan, err := p.Plan(context.Background(), "compare Acme Corp against Globex Industries", Options{})
	require.NoError(t, err)

	require.Equal(t, 1, fake.CallCount())
	require.True(t, plan.UseLLMRefinement)
	require.Equal(t, IntentCompare, plan.Intent)
	require.Equal(t, 0.9, plan.Confidence)

	var entities []string
	for _, f := range plan.Filters {
		if f.Kind == search.FilterEntity {
			entities = append(entities, f.Entity)
		}
	}
	require.Equal(t, []string{"Acme Corp", "Globex Industries"}, entities)
}

func TestRefinementFailureFallsBackToHeuristics(t *testing.T) {
	fake := llm.NewFake()
	fake.Err = context.DeadlineExceeded
	p := newTestPlanner(fake)

	plan, err := p.Plan(context.Background(), "compare Acme Corp against Globex Industries", Options{})
	require.NoError(t, err)
	require.True(t, plan.UseLLMRefinement)
	require.Equal(t, IntentCompare, plan.Intent)
	require.Less(t, plan.Confidence, 0.70)
}

func TestSynonymExpansionCapped(t *testing.T) {
	p := New(search.NewRegistry(), testFields, nil, Config{MaxExpansions: 2}).WithClock(testClock)

	plan, err := p.Plan(context.Background(), "vendor invoice", Options{})
	require.NoError(t, err)

	byHead := make(map[string][]string)
	for _, g := range plan.TermGroups {
		byHead[g[0]] = g
	}
	require.Equal(t, []string{"vendor", "supplier", "seller"}, byHead["vendor"])
	require.LessOrEqual(t, len(byHead["invoice"]), 3)
}

func TestCacheKeyNormalization(t *testing.T) {
	filters := []search.Filter{{Kind: search.FilterNumeric, Fields: []string{"invoice_total"}, Min: 5000, HasMin: true}}

	require.Equal(t,
		CacheKey("  Invoices  OVER $5000 ", "", filters),
		CacheKey("invoices over $5000", "", filters))

	require.NotEqual(t,
		CacheKey("invoices over $5000", "", filters),
		CacheKey("invoices over $5000", "Invoice", filters))

	other := []search.Filter{{Kind: search.FilterNumeric, Fields: []string{"invoice_total"}, Min: 9000, HasMin: true}}
	require.NotEqual(t,
		CacheKey("invoices over $5000", "", filters),
		CacheKey("invoices over $5000", "", other))
}

func TestResolveDatePhrases(t *testing.T) {
	now := testClock()
	tests := []struct {
		query string
		from  time.Time
		to    time.Time
	}{
		{"invoices from last month",
			time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC)},
		{"contracts signed this quarter",
			time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 9, 30, 23, 59, 59, 0, time.UTC)},
		{"payments in q1 2026",
			time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)},
		{"receipts during 2025",
			time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)},
		{"uploads from the last 30 days",
			now.AddDate(0, 0, -30),
			now},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			dr, ok := resolveDatePhrase(tt.query, now)
			require.True(t, ok)
			require.Equal(t, tt.from, dr.From)
			require.Equal(t, tt.to, dr.To)
		})
	}

	_, ok := resolveDatePhrase("show me everything", now)
	require.False(t, ok)
}
