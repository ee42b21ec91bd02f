package retrieval

import (
	"sort"
	"time"

	"docsense/internal/queryplan"
	"docsense/internal/search"
)

// =============================================================================
// AGGREGATION EXECUTION
// =============================================================================

// BucketResult is one time bucket of a comparison or histogram.
type BucketResult struct {
	Label string    `json:"label"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Value float64   `json:"value"`
	Count int       `json:"count"`
}

// TermCount is one bucket of a terms aggregation.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// AggregationResult is the computed aggregate over the matched set.
type AggregationResult struct {
	Type   string   `json:"type"`
	Fields []string `json:"fields,omitempty"`

	Value float64 `json:"value"`
	Count int     `json:"count"`

	Terms   []TermCount    `json:"terms,omitempty"`
	Buckets []BucketResult `json:"buckets,omitempty"`

	// Delta compares the first bucket against the second when the plan
	// carries time buckets.
	Delta    float64 `json:"delta,omitempty"`
	DeltaPct float64 `json:"delta_pct,omitempty"`
}

// computeAggregation evaluates the plan's aggregation over the hit set.
// Documents missing every aggregation field are skipped, not treated as zero.
func computeAggregation(agg *queryplan.Aggregation, hits []search.Hit, dateFields []string) *AggregationResult {
	out := &AggregationResult{Type: agg.Type, Fields: agg.Fields}

	if len(agg.TimeBuckets) > 0 {
		return computeBuckets(agg, hits, dateFields)
	}

	switch agg.Type {
	case "count":
		out.Count = len(hits)
		out.Value = float64(len(hits))

	case "sum", "avg":
		for _, h := range hits {
			if v, ok := numericValue(h.Doc, agg.Fields); ok {
				out.Value += v
				out.Count++
			}
		}
		if agg.Type == "avg" && out.Count > 0 {
			out.Value /= float64(out.Count)
		}

	case "terms":
		counts := make(map[string]int)
		for _, h := range hits {
			for _, f := range agg.Fields {
				if v, ok := h.Doc.FieldValues[f]; ok && v != "" {
					counts[v]++
					break
				}
			}
		}
		for term, n := range counts {
			out.Terms = append(out.Terms, TermCount{Term: term, Count: n})
		}
		sort.Slice(out.Terms, func(i, j int) bool {
			if out.Terms[i].Count != out.Terms[j].Count {
				return out.Terms[i].Count > out.Terms[j].Count
			}
			return out.Terms[i].Term < out.Terms[j].Term
		})

	case "date_histogram":
		out.Buckets = monthlyHistogram(hits, agg.Fields)
		for _, b := range out.Buckets {
			out.Count += b.Count
		}
	}
	return out
}

// computeBuckets evaluates a per-bucket sum and the bucket-over-bucket delta.
func computeBuckets(agg *queryplan.Aggregation, hits []search.Hit, dateFields []string) *AggregationResult {
	out := &AggregationResult{Type: agg.Type, Fields: agg.Fields}

	for _, bucket := range agg.TimeBuckets {
		br := BucketResult{Label: bucket.Label, From: bucket.From, To: bucket.To}
		for _, h := range hits {
			d, ok := dateValue(h.Doc, dateFields)
			if !ok || d.Before(bucket.From) || d.After(bucket.To) {
				continue
			}
			if v, vok := numericValue(h.Doc, agg.Fields); vok {
				br.Value += v
				br.Count++
			} else if agg.Type == "count" {
				br.Count++
			}
		}
		if agg.Type == "count" {
			br.Value = float64(br.Count)
		}
		out.Buckets = append(out.Buckets, br)
	}

	if len(out.Buckets) >= 2 {
		current, previous := out.Buckets[0], out.Buckets[1]
		out.Delta = current.Value - previous.Value
		if previous.Value != 0 {
			out.DeltaPct = out.Delta / previous.Value * 100
		}
	}
	return out
}

// monthlyHistogram buckets hits by calendar month of their first date field.
func monthlyHistogram(hits []search.Hit, fields []string) []BucketResult {
	byMonth := make(map[time.Time]*BucketResult)
	for _, h := range hits {
		d, ok := dateValue(h.Doc, fields)
		if !ok {
			continue
		}
		month := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, d.Location())
		b, exists := byMonth[month]
		if !exists {
			b = &BucketResult{
				Label: month.Format("2006-01"),
				From:  month,
				To:    month.AddDate(0, 1, 0).Add(-time.Second),
			}
			byMonth[month] = b
		}
		b.Count++
		if v, vok := numericValue(h.Doc, fields); vok {
			b.Value += v
		}
	}

	months := make([]time.Time, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	out := make([]BucketResult, 0, len(months))
	for _, m := range months {
		out = append(out, *byMonth[m])
	}
	return out
}

// numericValue returns the document's value for the first present field.
func numericValue(doc *search.SearchDoc, fields []string) (float64, bool) {
	for _, f := range fields {
		if v, ok := doc.NumericFields[f]; ok {
			return v, true
		}
	}
	return 0, false
}

func dateValue(doc *search.SearchDoc, fields []string) (time.Time, bool) {
	for _, f := range fields {
		if d, ok := doc.DateFields[f]; ok {
			return d, true
		}
	}
	// Fall back to any date the document carries, preferring a stable pick.
	names := make([]string, 0, len(doc.DateFields))
	for name := range doc.DateFields {
		names = append(names, name)
	}
	if len(names) == 0 {
		return time.Time{}, false
	}
	sort.Strings(names)
	return doc.DateFields[names[0]], true
}
