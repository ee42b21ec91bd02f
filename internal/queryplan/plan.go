// Package queryplan turns natural-language queries into executable plans:
// intent detection, filter extraction, canonical resolution, synonym
// expansion, and the fast-path versus LLM-refinement decision.
package queryplan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"docsense/internal/search"
)

// Intent classifies what the caller wants done with the hits.
type Intent string

const (
	IntentSearch    Intent = "search"
	IntentRetrieve  Intent = "retrieve"
	IntentFilter    Intent = "filter"
	IntentAggregate Intent = "aggregate"
	IntentCompare   Intent = "compare"
)

// DateRange is one concrete interval computed from the current date.
type DateRange struct {
	From  time.Time
	To    time.Time
	Label string
}

// Aggregation describes what to compute over the filtered set. Fields is
// the canonical expansion at planning time.
type Aggregation struct {
	Type        string // sum | avg | count | terms | date_histogram
	Canonical   string
	Fields      []string
	TimeBuckets []DateRange
}

// Plan is the executable form of a query.
type Plan struct {
	Intent           Intent
	Filters          []search.Filter
	TermGroups       [][]string
	Aggregation      *Aggregation
	SortBy           string
	Confidence       float64
	UseLLMRefinement bool
	PinnedTemplate   string
}

// CacheKey derives the query-cache key from the normalized query text and a
// stable hash of the filter set.
func CacheKey(query string, pinnedTemplate string, filters []search.Filter) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")

	parts := make([]string, 0, len(filters)+1)
	parts = append(parts, "tmpl="+strings.ToLower(pinnedTemplate))
	for _, f := range filters {
		parts = append(parts, fmt.Sprintf("%d|%s|%v|%v|%.4f|%.4f|%s|%s|%s",
			f.Kind, strings.Join(f.Fields, ","), f.HasMin, f.HasMax, f.Min, f.Max,
			f.From.Format(time.RFC3339), f.To.Format(time.RFC3339), strings.ToLower(f.Entity)))
	}
	sort.Strings(parts)

	h := sha256.Sum256([]byte(norm + "\x00" + strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:16])
}
