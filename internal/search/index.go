package search

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"docsense/internal/embedding"
	"docsense/internal/logging"
)

// maxDynamicFields caps how many fields a single document may contribute to
// the index.
const maxDynamicFields = 1000

// BM25 constants.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// SearchDoc is the denormalized, indexable representation of a document.
// IdentifierFields and PrimaryFields name the field values indexed at the
// higher weight bands; everything else lands in the base band with the body
// text.
type SearchDoc struct {
	DocumentID   int64
	TemplateID   int64
	TemplateName string
	Filename     string
	FullText     string

	FieldValues      map[string]string
	IdentifierFields []string
	PrimaryFields    []string

	NumericFields  map[string]float64
	DateFields     map[string]time.Time
	VerifiedFields map[string]bool

	Vector    []float32
	CreatedAt time.Time
}

// Weights are the three keyword bands. Identifiers and filename index at A,
// template-declared primary fields at B, body text at C.
type Weights struct {
	A float64
	B float64
	C float64
}

// DefaultWeights returns the standard 3/2/1 banding.
func DefaultWeights() Weights { return Weights{A: 3, B: 2, C: 1} }

type indexedDoc struct {
	doc    SearchDoc
	terms  map[string]float64 // term -> weighted tf
	length float64
}

// Index is the in-process search index. All state is guarded by one RWMutex;
// queries take the read lock.
type Index struct {
	mu       sync.RWMutex
	docs     map[int64]*indexedDoc
	postings map[string]map[int64]float64 // term -> docID -> weighted tf
	sigs     map[int64]*signatureEntry
	weights  Weights
	totalLen float64
}

// NewIndex creates an empty index with the given band weights.
func NewIndex(w Weights) *Index {
	if w.A <= 0 {
		w = DefaultWeights()
	}
	return &Index{
		docs:     make(map[int64]*indexedDoc),
		postings: make(map[string]map[int64]float64),
		sigs:     make(map[int64]*signatureEntry),
		weights:  w,
	}
}

// IndexDocument writes or rewrites a document. The write is idempotent:
// indexing the same SearchDoc twice produces an identical entry. Documents
// over the dynamic field cap are rejected.
func (ix *Index) IndexDocument(doc SearchDoc) error {
	if len(doc.FieldValues) > maxDynamicFields {
		return fmt.Errorf("document %d has %d fields, cap is %d", doc.DocumentID, len(doc.FieldValues), maxDynamicFields)
	}

	terms := ix.buildTerms(&doc)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(doc.DocumentID)

	entry := &indexedDoc{doc: doc, terms: terms}
	for term, tf := range terms {
		if ix.postings[term] == nil {
			ix.postings[term] = make(map[int64]float64)
		}
		ix.postings[term][doc.DocumentID] = tf
		entry.length += tf
	}
	ix.docs[doc.DocumentID] = entry
	ix.totalLen += entry.length

	logging.Index("Indexed document %d: %d fields, %d terms", doc.DocumentID, len(doc.FieldValues), len(terms))
	return nil
}

// RemoveDocument drops a document from the index.
func (ix *Index) RemoveDocument(docID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
}

func (ix *Index) removeLocked(docID int64) {
	old, ok := ix.docs[docID]
	if !ok {
		return
	}
	for term := range old.terms {
		delete(ix.postings[term], docID)
		if len(ix.postings[term]) == 0 {
			delete(ix.postings, term)
		}
	}
	ix.totalLen -= old.length
	delete(ix.docs, docID)
}

// buildTerms computes the weighted term frequencies for a document. Field
// values over the keyword cap are stored but contribute no terms.
func (ix *Index) buildTerms(doc *SearchDoc) map[string]float64 {
	terms := make(map[string]float64)
	addBand := func(text string, weight float64) {
		for _, tok := range Tokenize(text) {
			terms[tok] += weight
		}
	}
	addValue := func(value string, weight float64) {
		if len(value) > maxKeywordLen {
			return
		}
		addBand(value, weight)
	}

	identifier := make(map[string]bool, len(doc.IdentifierFields))
	for _, f := range doc.IdentifierFields {
		identifier[f] = true
	}
	primary := make(map[string]bool, len(doc.PrimaryFields))
	for _, f := range doc.PrimaryFields {
		primary[f] = true
	}

	addBand(doc.Filename, ix.weights.A)
	addBand(doc.TemplateName, ix.weights.B)
	for name, value := range doc.FieldValues {
		switch {
		case identifier[name]:
			addValue(value, ix.weights.A)
		case primary[name]:
			addValue(value, ix.weights.B)
		default:
			addValue(value, ix.weights.C)
		}
	}
	addBand(doc.FullText, ix.weights.C)
	return terms
}

// Snapshot returns a deterministic serialization of one indexed entry, used
// to check that re-indexing is a byte-for-byte no-op.
func (ix *Index) Snapshot(docID int64) ([]byte, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entry, ok := ix.docs[docID]
	if !ok {
		return nil, false
	}
	termNames := make([]string, 0, len(entry.terms))
	for t := range entry.terms {
		termNames = append(termNames, t)
	}
	sort.Strings(termNames)

	type pair struct {
		Term string  `json:"term"`
		TF   float64 `json:"tf"`
	}
	snap := struct {
		Doc   SearchDoc `json:"doc"`
		Terms []pair    `json:"terms"`
	}{Doc: entry.doc}
	for _, t := range termNames {
		snap.Terms = append(snap.Terms, pair{Term: t, TF: entry.terms[t]})
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, false
	}
	return b, true
}

// TemplateFields returns the union of indexed field names per template name,
// the input canonical expansion works over.
func (ix *Index) TemplateFields() map[string][]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	sets := make(map[string]map[string]bool)
	for _, entry := range ix.docs {
		tmpl := entry.doc.TemplateName
		if sets[tmpl] == nil {
			sets[tmpl] = make(map[string]bool)
		}
		for name := range entry.doc.FieldValues {
			sets[tmpl][name] = true
		}
	}
	out := make(map[string][]string, len(sets))
	for tmpl, set := range sets {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		out[tmpl] = names
	}
	return out
}

// Size returns the number of indexed documents.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// =============================================================================
// QUERY EXECUTION
// =============================================================================

// FilterKind discriminates Filter.
type FilterKind int

const (
	FilterNumeric FilterKind = iota
	FilterDate
	FilterEntity
	FilterTemplate
)

// Filter is one conjunct of a planned query. Fields is a disjunction of
// concrete field names (canonical expansion happens before the filter
// reaches the index).
type Filter struct {
	Kind   FilterKind
	Fields []string

	Min, Max       float64
	HasMin, HasMax bool

	From, To time.Time

	Entity      string
	FuzzyEntity bool

	TemplateName string
}

// Query is an executable index query: conjunctive filters plus a free-text
// part expressed as OR-groups of synonyms.
type Query struct {
	TermGroups [][]string
	Filters    []Filter
	TopK       int
}

// Hit is one scored result. Doc points at the indexed snapshot; callers
// treat it as read-only.
type Hit struct {
	DocumentID int64
	Score      float64
	Doc        *SearchDoc
}

// Result carries ordered hits plus execution diagnostics.
type Result struct {
	Hits              []Hit
	Total             int
	FuzzyFallbackUsed bool
}

// Search executes a query: filters narrow the candidate set, the text part
// ranks it with band-weighted BM25. Scores are normalized to [0,1].
func (ix *Index) Search(q Query) *Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	topK := q.TopK
	if topK <= 0 {
		topK = 50
	}

	candidates := ix.filterLocked(q.Filters)
	if len(q.TermGroups) == 0 {
		hits := make([]Hit, 0, len(candidates))
		for id := range candidates {
			hits = append(hits, Hit{DocumentID: id, Score: 1, Doc: &ix.docs[id].doc})
		}
		sortHits(hits)
		return &Result{Hits: trim(hits, topK), Total: len(hits)}
	}

	scores := ix.scoreLocked(q.TermGroups, candidates)
	hits := normalize(scores, ix.docs)
	sortHits(hits)
	return &Result{Hits: trim(hits, topK), Total: len(hits)}
}

// SearchFuzzy re-runs the text part with trigram matching: each query token
// is mapped onto vocabulary terms whose trigram similarity clears the
// threshold, and matches are discounted by that similarity.
func (ix *Index) SearchFuzzy(q Query, threshold float64) *Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if threshold <= 0 {
		threshold = 0.3
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 50
	}

	candidates := ix.filterLocked(q.Filters)
	scores := make(map[int64]float64)
	for _, group := range q.TermGroups {
		for _, token := range group {
			for term, posting := range ix.postings {
				sim := TrigramSimilarity(token, term)
				if sim < threshold {
					continue
				}
				for docID, tf := range posting {
					if candidates != nil && !candidates[docID] {
						continue
					}
					scores[docID] += sim * tf
				}
			}
		}
	}

	hits := normalize(scores, ix.docs)
	sortHits(hits)
	logging.Retrieval("Fuzzy fallback: %d hits at threshold %.2f", len(hits), threshold)
	return &Result{Hits: trim(hits, topK), Total: len(hits), FuzzyFallbackUsed: true}
}

// filterLocked returns the set of doc ids passing every filter, or nil when
// there are no filters (meaning: all documents are candidates).
func (ix *Index) filterLocked(filters []Filter) map[int64]bool {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[int64]bool)
	for id, entry := range ix.docs {
		ok := true
		for i := range filters {
			if !matchFilter(&filters[i], &entry.doc) {
				ok = false
				break
			}
		}
		if ok {
			out[id] = true
		}
	}
	return out
}

func matchFilter(f *Filter, doc *SearchDoc) bool {
	switch f.Kind {
	case FilterTemplate:
		return strings.EqualFold(doc.TemplateName, f.TemplateName)

	case FilterNumeric:
		for _, field := range f.Fields {
			v, ok := doc.NumericFields[field]
			if !ok {
				continue
			}
			if f.HasMin && v < f.Min {
				continue
			}
			if f.HasMax && v > f.Max {
				continue
			}
			return true
		}
		return false

	case FilterDate:
		for _, field := range f.Fields {
			t, ok := doc.DateFields[field]
			if !ok {
				continue
			}
			if !f.From.IsZero() && t.Before(f.From) {
				continue
			}
			if !f.To.IsZero() && t.After(f.To) {
				continue
			}
			return true
		}
		return false

	case FilterEntity:
		want := strings.ToLower(f.Entity)
		for _, field := range f.Fields {
			got, ok := doc.FieldValues[field]
			if !ok {
				continue
			}
			lower := strings.ToLower(got)
			if lower == want || strings.Contains(lower, want) {
				return true
			}
			if f.FuzzyEntity && TrigramSimilarity(lower, want) >= 0.3 {
				return true
			}
		}
		return false
	}
	return false
}

// scoreLocked runs band-weighted BM25. Within an OR-group of synonyms, a
// document scores on its best member so synonym expansion cannot inflate a
// single match.
func (ix *Index) scoreLocked(groups [][]string, candidates map[int64]bool) map[int64]float64 {
	n := float64(len(ix.docs))
	if n == 0 {
		return nil
	}
	avgLen := ix.totalLen / n

	scores := make(map[int64]float64)
	for _, group := range groups {
		groupBest := make(map[int64]float64)
		for _, token := range group {
			posting, ok := ix.postings[token]
			if !ok {
				continue
			}
			df := float64(len(posting))
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			for docID, tf := range posting {
				if candidates != nil && !candidates[docID] {
					continue
				}
				docLen := ix.docs[docID].length
				norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
				if s := idf * norm; s > groupBest[docID] {
					groupBest[docID] = s
				}
			}
		}
		for docID, s := range groupBest {
			scores[docID] += s
		}
	}
	return scores
}

func normalize(scores map[int64]float64, docs map[int64]*indexedDoc) []Hit {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		if max > 0 {
			s /= max
		}
		hits = append(hits, Hit{DocumentID: id, Score: s, Doc: &docs[id].doc})
	}
	return hits
}

func sortHits(hits []Hit) {
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

func trim(hits []Hit, k int) []Hit {
	if len(hits) > k {
		return hits[:k]
	}
	return hits
}

// =============================================================================
// VECTOR SECTION
// =============================================================================

// SimilarByVector scans indexed vectors and returns the k nearest documents
// by cosine similarity. Documents without a vector are skipped.
func (ix *Index) SimilarByVector(query []float32, k int) []Hit {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]int64, 0, len(ix.docs))
	for id, entry := range ix.docs {
		if len(entry.doc.Vector) > 0 {
			ids = append(ids, id)
		}
	}
	// Stable corpus order so equal similarities rank deterministically.
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	corpus := make([][]float32, 0, len(ids))
	for _, id := range ids {
		corpus = append(corpus, ix.docs[id].doc.Vector)
	}

	var hits []Hit
	for _, r := range embedding.FindTopK(query, corpus, k) {
		id := ids[r.Index]
		hits = append(hits, Hit{DocumentID: id, Score: r.Similarity, Doc: &ix.docs[id].doc})
	}
	return hits
}
