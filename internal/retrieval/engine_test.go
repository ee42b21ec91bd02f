package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsense/internal/llm"
	"docsense/internal/queryplan"
	"docsense/internal/search"
)

func testClock() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func seedIndex(t *testing.T) *search.Index {
	t.Helper()
	ix := search.NewIndex(search.DefaultWeights())

	docs := []search.SearchDoc{
		{
			DocumentID: 1, TemplateID: 1, TemplateName: "Invoice", Filename: "inv-acme.pdf",
			FullText:      "INVOICE Acme Corp Total $7,500.00 Date 2026-08-05",
			FieldValues:   map[string]string{"invoice_total": "$7,500.00", "invoice_date": "2026-08-05", "vendor_name": "Acme Corp"},
			NumericFields: map[string]float64{"invoice_total": 7500},
			DateFields:    map[string]time.Time{"invoice_date": time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)},
			CreatedAt:     time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			DocumentID: 2, TemplateID: 1, TemplateName: "Invoice", Filename: "inv-globex.pdf",
			FullText:      "INVOICE Globex Total $3,200.00 Date 2026-05-14",
			FieldValues:   map[string]string{"invoice_total": "$3,200.00", "invoice_date": "2026-05-14", "vendor_name": "Globex"},
			NumericFields: map[string]float64{"invoice_total": 3200},
			DateFields:    map[string]time.Time{"invoice_date": time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC)},
			CreatedAt:     time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			DocumentID: 3, TemplateID: 1, TemplateName: "Invoice", Filename: "inv-initech.pdf",
			FullText:       "INVOICE Initech Total $5,800.00 Date 2026-04-02",
			FieldValues:    map[string]string{"invoice_total": "$5,800.00", "invoice_date": "2026-04-02", "vendor_name": "Initech"},
			NumericFields:  map[string]float64{"invoice_total": 5800},
			DateFields:     map[string]time.Time{"invoice_date": time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)},
			VerifiedFields: map[string]bool{"invoice_total": true},
			CreatedAt:      time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, d := range docs {
		require.NoError(t, ix.IndexDocument(d))
	}
	return ix
}

func newTestEngine(t *testing.T, client llm.Client) (*Engine, *search.Index) {
	t.Helper()
	ix := seedIndex(t)
	reg := search.NewRegistry()
	planner := queryplan.New(reg, ix, nil, queryplan.Config{}).WithClock(testClock)
	eng := NewEngine(ix, planner, reg, client, nil, DefaultConfig())
	return eng, ix
}

func TestRangeQueryAnswersWithCitations(t *testing.T) {
	fake := llm.NewFake("Two invoices match: $7,500.00 [[FIELD:invoice_total:1]] and $5,800.00 [[FIELD:invoice_total:3]].")
	eng, _ := newTestEngine(t, fake)

	resp, err := eng.Ask(context.Background(), "invoice over $5000", Options{})
	require.NoError(t, err)

	require.Len(t, resp.Hits, 2)
	ids := map[int64]bool{}
	for _, h := range resp.Hits {
		ids[h.DocumentID] = true
	}
	require.True(t, ids[1])
	require.True(t, ids[3])

	require.False(t, resp.Diagnostics.FuzzyFallbackUsed)
	require.False(t, resp.Diagnostics.UsedLLMRefinement)
	require.True(t, resp.Diagnostics.AnswerCited)
	require.Equal(t, 1, fake.CallCount())
	require.Len(t, ParseMarkers(resp.Answer), 2)
}

func TestResponsesAreCachedUntilInvalidated(t *testing.T) {
	fake := llm.NewFake(
		"$7,500.00 [[FIELD:invoice_total:1]]",
		"$7,500.00 [[FIELD:invoice_total:1]]",
	)
	eng, _ := newTestEngine(t, fake)

	first, err := eng.Ask(context.Background(), "invoice over $5000", Options{})
	require.NoError(t, err)
	require.False(t, first.Diagnostics.CacheHit)

	second, err := eng.Ask(context.Background(), "invoice over $5000", Options{})
	require.NoError(t, err)
	require.True(t, second.Diagnostics.CacheHit)
	require.NotEqual(t, first.QueryID, second.QueryID)
	require.Equal(t, 1, fake.CallCount(), "cached response must not re-run the model")

	eng.InvalidateCache()
	third, err := eng.Ask(context.Background(), "invoice over $5000", Options{})
	require.NoError(t, err)
	require.False(t, third.Diagnostics.CacheHit)
	require.Equal(t, 2, fake.CallCount())
}

func TestCacheTTLDefault(t *testing.T) {
	require.Equal(t, 300*time.Second, DefaultConfig().CacheTTL)
	// The zero-value fallback inside the cache matches the config default.
	require.Equal(t, DefaultConfig().CacheTTL, newQueryCache(0, 0).ttl)
}

type memPersistence struct {
	entries map[string][]byte
}

func newMemPersistence() *memPersistence {
	return &memPersistence{entries: make(map[string][]byte)}
}

func (m *memPersistence) GetCachedResponse(key string) ([]byte, bool) {
	data, ok := m.entries[key]
	return data, ok
}

func (m *memPersistence) PutCachedResponse(key, _ string, response []byte, _ time.Time) error {
	m.entries[key] = response
	return nil
}

func (m *memPersistence) ClearCachedResponses() error {
	m.entries = make(map[string][]byte)
	return nil
}

func TestPersistedCacheSurvivesEngineRestart(t *testing.T) {
	persist := newMemPersistence()

	fake := llm.NewFake("$7,500.00 [[FIELD:invoice_total:1]]")
	first, _ := newTestEngine(t, fake)
	first.UsePersistentCache(persist)

	resp, err := first.Ask(context.Background(), "invoice over $5000", Options{})
	require.NoError(t, err)
	require.False(t, resp.Diagnostics.CacheHit)
	require.Equal(t, 1, fake.CallCount())

	// A fresh engine has a cold in-memory cache but reads the persisted row.
	second, _ := newTestEngine(t, fake)
	second.UsePersistentCache(persist)

	resp, err = second.Ask(context.Background(), "invoice over $5000", Options{})
	require.NoError(t, err)
	require.True(t, resp.Diagnostics.CacheHit)
	require.Equal(t, 1, fake.CallCount())

	second.InvalidateCache()
	require.Empty(t, persist.entries, "invalidation drops the persisted rows too")
}

func TestQuarterComparisonAggregation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	resp, err := eng.Ask(context.Background(), "total amount this quarter vs last quarter", Options{})
	require.NoError(t, err)

	agg := resp.Aggregation
	require.NotNil(t, agg)
	require.Equal(t, "sum", agg.Type)
	require.Len(t, agg.Buckets, 2)

	this, last := agg.Buckets[0], agg.Buckets[1]
	require.Equal(t, "this quarter", this.Label)
	require.Equal(t, 7500.0, this.Value)
	require.Equal(t, 1, this.Count)
	require.Equal(t, "last quarter", last.Label)
	require.Equal(t, 9000.0, last.Value)
	require.Equal(t, 2, last.Count)

	require.Equal(t, -1500.0, agg.Delta)
	require.InDelta(t, -16.67, agg.DeltaPct, 0.01)
	require.NotEmpty(t, resp.Answer)
}

func TestCountAggregation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	resp, err := eng.Ask(context.Background(), "how many invoice files", Options{})
	require.NoError(t, err)
	require.NotNil(t, resp.Aggregation)
	require.Equal(t, "count", resp.Aggregation.Type)
	require.Equal(t, 3, resp.Aggregation.Count)
}

func TestTypoFallsBackToFuzzyMatching(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	resp, err := eng.Ask(context.Background(), "invioce", Options{SkipAnswer: true})
	require.NoError(t, err)
	require.True(t, resp.Diagnostics.FuzzyFallbackUsed)
	require.NotEmpty(t, resp.Hits)
}

func TestZeroResultsSuggestReformulations(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	resp, err := eng.Ask(context.Background(), "purchase zzqwx", Options{SkipAnswer: true})
	require.NoError(t, err)
	require.Empty(t, resp.Hits)
	require.NotEmpty(t, resp.Suggestions)
	require.Contains(t, resp.Suggestions, "order zzqwx")
}

func TestVerifiedFieldsBoostRanking(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	resp, err := eng.Ask(context.Background(), "", Options{PinnedTemplate: "Invoice", SkipAnswer: true})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 3)
	require.Equal(t, int64(3), resp.Hits[0].DocumentID, "document with a verified field ranks first on ties")
}

func TestUncitedAnswerRetriedOnce(t *testing.T) {
	fake := llm.NewFake(
		"The total is $7,500.00.",
		"The total is $7,500.00 [[FIELD:invoice_total:1]].",
	)
	eng, _ := newTestEngine(t, fake)

	resp, err := eng.Ask(context.Background(), "invoice over $5000", Options{})
	require.NoError(t, err)
	require.Equal(t, 2, fake.CallCount())
	require.True(t, resp.Diagnostics.AnswerCited)
}

func TestParseMarkers(t *testing.T) {
	markers := ParseMarkers("x [[FIELD:invoice_total:12]] y [[FIELD:vendor_name:7]] z")
	require.Len(t, markers, 2)
	require.Equal(t, "invoice_total", markers[0].FieldName)
	require.Equal(t, int64(12), markers[0].DocumentID)
	require.Equal(t, "vendor_name", markers[1].FieldName)
	require.Equal(t, int64(7), markers[1].DocumentID)
	require.Less(t, markers[0].Offset, markers[1].Offset)
}
