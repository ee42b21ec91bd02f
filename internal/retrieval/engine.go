// Package retrieval executes query plans against the search index: keyword
// ranking with fuzzy fallback, optional semantic reranking, aggregation,
// grounded answer generation, and response caching.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"docsense/internal/embedding"
	"docsense/internal/llm"
	"docsense/internal/logging"
	"docsense/internal/queryplan"
	"docsense/internal/search"
)

// Config holds the retrieval knobs.
type Config struct {
	TopK                 int
	FuzzyThreshold       float64
	SemanticTopK         int
	RRFConstant          float64
	SemanticAlpha        float64
	EnableSemanticRerank bool
	Timeout              time.Duration
	CacheSize            int
	CacheTTL             time.Duration
}

// DefaultConfig returns the standard retrieval settings.
func DefaultConfig() Config {
	return Config{
		TopK:           50,
		FuzzyThreshold: 0.3,
		SemanticTopK:   10,
		RRFConstant:    60,
		SemanticAlpha:  0.5,
		Timeout:        300 * time.Second,
		CacheSize:      512,
		CacheTTL:       300 * time.Second,
	}
}

// CachePersistence carries cached responses across processes. The store's
// query_cache table implements it.
type CachePersistence interface {
	GetCachedResponse(key string) ([]byte, bool)
	PutCachedResponse(key, queryID string, response []byte, expiresAt time.Time) error
	ClearCachedResponses() error
}

// Engine answers queries over the indexed document set.
type Engine struct {
	index    *search.Index
	planner  *queryplan.Planner
	registry *search.Registry
	llm      llm.Client       // nil disables answer generation
	embedder embedding.Engine // nil disables semantic reranking
	cache    *queryCache
	persist  CachePersistence // nil keeps the cache in-process only
	cfg      Config
}

// NewEngine wires a retrieval engine. llmClient and embedder may be nil.
func NewEngine(ix *search.Index, planner *queryplan.Planner, reg *search.Registry, llmClient llm.Client, embedder embedding.Engine, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 50
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = 0.3
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = 60
	}
	if cfg.SemanticAlpha <= 0 || cfg.SemanticAlpha > 1 {
		cfg.SemanticAlpha = 0.5
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &Engine{
		index:    ix,
		planner:  planner,
		registry: reg,
		llm:      llmClient,
		embedder: embedder,
		cache:    newQueryCache(cfg.CacheSize, cfg.CacheTTL),
		cfg:      cfg,
	}
}

// UsePersistentCache backs the response cache with a persisted table so
// cached answers survive process restarts.
func (e *Engine) UsePersistentCache(p CachePersistence) {
	e.persist = p
}

// Options narrows one query.
type Options struct {
	PinnedTemplate string
	// SkipAnswer returns hits and aggregates without generating prose.
	SkipAnswer bool
	Source     string // surface issuing the query, recorded on citations
}

// DocHit is one matched document in a response.
type DocHit struct {
	DocumentID   int64             `json:"document_id"`
	TemplateName string            `json:"template_name"`
	Filename     string            `json:"filename"`
	Score        float64           `json:"score"`
	Fields       map[string]string `json:"fields,omitempty"`
	Verified     map[string]bool   `json:"verified,omitempty"`
}

// Diagnostics reports how a response was produced.
type Diagnostics struct {
	Intent            string        `json:"intent"`
	PlanConfidence    float64       `json:"plan_confidence"`
	UsedLLMRefinement bool          `json:"used_llm_refinement"`
	FuzzyFallbackUsed bool          `json:"fuzzy_fallback_used"`
	SemanticRerank    bool          `json:"semantic_rerank"`
	CacheHit          bool          `json:"cache_hit"`
	AnswerCited       bool          `json:"answer_cited"`
	TotalMatches      int           `json:"total_matches"`
	Elapsed           time.Duration `json:"elapsed"`
}

// Response is the full result of one query.
type Response struct {
	QueryID     string             `json:"query_id"`
	Query       string             `json:"query"`
	Answer      string             `json:"answer,omitempty"`
	Hits        []DocHit           `json:"hits"`
	Aggregation *AggregationResult `json:"aggregation,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	Diagnostics Diagnostics        `json:"diagnostics"`
}

// Ask plans and executes one query end to end.
func (e *Engine) Ask(ctx context.Context, query string, opts Options) (*Response, error) {
	startTime := time.Now()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	plan, err := e.planner.Plan(ctx, query, queryplan.Options{PinnedTemplate: opts.PinnedTemplate})
	if err != nil {
		return nil, fmt.Errorf("plan query: %w", err)
	}

	cacheKey := queryplan.CacheKey(query, opts.PinnedTemplate, plan.Filters)
	if cached, ok := e.lookupCache(cacheKey); ok {
		resp := *cached
		resp.QueryID = uuid.NewString()
		resp.Diagnostics.CacheHit = true
		resp.Diagnostics.Elapsed = time.Since(startTime)
		logging.Retrieval("Cache hit for %q", query)
		return &resp, nil
	}

	hits, fuzzyUsed, total := e.executeSearch(plan)

	reranked := false
	if e.cfg.EnableSemanticRerank && e.embedder != nil && len(hits) > 0 {
		hits = e.semanticRerank(ctx, query, hits)
		reranked = true
	}
	applyVerifiedBoost(hits)

	resp := &Response{
		QueryID: uuid.NewString(),
		Query:   query,
		Hits:    toDocHits(hits),
		Diagnostics: Diagnostics{
			Intent:            string(plan.Intent),
			PlanConfidence:    plan.Confidence,
			UsedLLMRefinement: plan.UseLLMRefinement,
			FuzzyFallbackUsed: fuzzyUsed,
			SemanticRerank:    reranked,
			TotalMatches:      total,
		},
	}

	if plan.Aggregation != nil {
		resp.Aggregation = computeAggregation(plan.Aggregation, hits, e.aggregationDateFields(opts.PinnedTemplate))
		resp.Answer = formatAggregation(resp.Aggregation)
	}

	switch {
	case len(hits) == 0:
		resp.Answer = "No matching documents were found."
		resp.Suggestions = reformulations(query, plan)
	case resp.Answer == "" && !opts.SkipAnswer && e.llm != nil:
		answer, cited, err := e.generateAnswer(ctx, query, hits)
		if err != nil {
			return nil, err
		}
		resp.Answer = answer
		resp.Diagnostics.AnswerCited = cited
	}

	resp.Diagnostics.Elapsed = time.Since(startTime)
	e.storeCache(cacheKey, resp)
	logging.Retrieval("Query %q: %d hits in %v", query, total, resp.Diagnostics.Elapsed)
	return resp, nil
}

// lookupCache checks the in-process cache, then the persisted table.
func (e *Engine) lookupCache(key string) (*Response, bool) {
	if resp, ok := e.cache.get(key); ok {
		return resp, true
	}
	if e.persist == nil {
		return nil, false
	}
	data, ok := e.persist.GetCachedResponse(key)
	if !ok {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("Dropping undecodable cached response: %v", err)
		return nil, false
	}
	e.cache.put(key, &resp)
	return &resp, true
}

// storeCache writes a response to both cache layers.
func (e *Engine) storeCache(key string, resp *Response) {
	e.cache.put(key, resp)
	if e.persist == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := e.persist.PutCachedResponse(key, resp.QueryID, data, time.Now().Add(e.cache.ttl)); err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("Could not persist cached response: %v", err)
	}
}

// InvalidateCache drops all cached responses. Called whenever a field value
// changes, since cached answers embed field text.
func (e *Engine) InvalidateCache() {
	e.cache.clear()
	if e.persist != nil {
		if err := e.persist.ClearCachedResponses(); err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Could not clear persisted cache: %v", err)
		}
	}
}

// executeSearch runs the keyword query and falls back to trigram matching
// when the exact pass finds nothing for a text query.
func (e *Engine) executeSearch(plan *queryplan.Plan) ([]search.Hit, bool, int) {
	q := search.Query{TermGroups: plan.TermGroups, Filters: plan.Filters, TopK: e.cfg.TopK}

	res := e.index.Search(q)
	if res.Total > 0 || len(plan.TermGroups) == 0 {
		return res.Hits, false, res.Total
	}

	fuzzy := e.index.SearchFuzzy(q, e.cfg.FuzzyThreshold)
	return fuzzy.Hits, true, fuzzy.Total
}

// semanticRerank fuses the keyword ranking with a vector ranking through
// reciprocal rank fusion.
func (e *Engine) semanticRerank(ctx context.Context, query string, hits []search.Hit) []search.Hit {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("Query embedding failed, keeping keyword order: %v", err)
		return hits
	}
	semantic := e.index.SimilarByVector(vec, e.cfg.SemanticTopK)

	scores := make(map[int64]float64, len(hits))
	docs := make(map[int64]*search.SearchDoc, len(hits))
	for rank, h := range hits {
		scores[h.DocumentID] += e.cfg.SemanticAlpha / (e.cfg.RRFConstant + float64(rank+1))
		docs[h.DocumentID] = h.Doc
	}
	for rank, h := range semantic {
		// Vector-only hits do not enter: filters already narrowed the set.
		if _, ok := docs[h.DocumentID]; !ok {
			continue
		}
		scores[h.DocumentID] += (1 - e.cfg.SemanticAlpha) / (e.cfg.RRFConstant + float64(rank+1))
	}

	fused := make([]search.Hit, 0, len(scores))
	for id, s := range scores {
		fused = append(fused, search.Hit{DocumentID: id, Score: s, Doc: docs[id]})
	}
	sortHits(fused)
	return fused
}

// applyVerifiedBoost nudges documents with human-verified fields up the
// ranking, capped so verification never dominates relevance.
func applyVerifiedBoost(hits []search.Hit) {
	for i := range hits {
		n := len(hits[i].Doc.VerifiedFields)
		if n > 3 {
			n = 3
		}
		hits[i].Score += 0.02 * float64(n)
	}
	sortHits(hits)
}

func sortHits(hits []search.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Doc.CreatedAt.Equal(hits[j].Doc.CreatedAt) {
			return hits[i].Doc.CreatedAt.After(hits[j].Doc.CreatedAt)
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
}

func toDocHits(hits []search.Hit) []DocHit {
	out := make([]DocHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, DocHit{
			DocumentID:   h.DocumentID,
			TemplateName: h.Doc.TemplateName,
			Filename:     h.Doc.Filename,
			Score:        h.Score,
			Fields:       h.Doc.FieldValues,
			Verified:     h.Doc.VerifiedFields,
		})
	}
	return out
}

// aggregationDateFields expands the date canonical for bucket assignment.
func (e *Engine) aggregationDateFields(pin string) []string {
	c, ok := e.registry.Resolve("date")
	if !ok {
		return nil
	}
	return c.ExpandFields(e.index.TemplateFields(), pin)
}

// reformulations suggests replacement queries built from the synonym
// dictionary when a query matched nothing.
func reformulations(query string, plan *queryplan.Plan) []string {
	lower := strings.ToLower(query)
	var out []string
	for _, group := range plan.TermGroups {
		head := group[0]
		for _, syn := range queryplan.Synonyms(head) {
			if !strings.Contains(lower, head) {
				continue
			}
			out = append(out, strings.Replace(lower, head, syn, 1))
			if len(out) >= 3 {
				return out
			}
		}
	}
	return out
}

// formatAggregation renders an aggregate as prose.
func formatAggregation(agg *AggregationResult) string {
	switch {
	case len(agg.Buckets) >= 2 && agg.Type != "date_histogram":
		current, previous := agg.Buckets[0], agg.Buckets[1]
		direction := "up"
		if agg.Delta < 0 {
			direction = "down"
		}
		return fmt.Sprintf("%s: %.2f (%d documents), %s: %.2f (%d documents), %s %.2f (%+.1f%%)",
			current.Label, current.Value, current.Count,
			previous.Label, previous.Value, previous.Count,
			direction, abs(agg.Delta), agg.DeltaPct)

	case agg.Type == "count":
		return fmt.Sprintf("%d matching documents.", agg.Count)

	case agg.Type == "sum":
		return fmt.Sprintf("Total: %.2f across %d documents.", agg.Value, agg.Count)

	case agg.Type == "avg":
		return fmt.Sprintf("Average: %.2f across %d documents.", agg.Value, agg.Count)

	case agg.Type == "terms":
		parts := make([]string, 0, len(agg.Terms))
		for _, tc := range agg.Terms {
			parts = append(parts, fmt.Sprintf("%s (%d)", tc.Term, tc.Count))
		}
		return "Top values: " + strings.Join(parts, ", ")

	case agg.Type == "date_histogram":
		parts := make([]string, 0, len(agg.Buckets))
		for _, b := range agg.Buckets {
			parts = append(parts, fmt.Sprintf("%s: %d", b.Label, b.Count))
		}
		return "By month: " + strings.Join(parts, ", ")
	}
	return ""
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
