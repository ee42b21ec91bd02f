package queryplan

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// DATE PHRASE RESOLUTION
// =============================================================================

var (
	quarterPattern   = regexp.MustCompile(`\bq([1-4])\s*(\d{4})\b`)
	lastNDaysPattern = regexp.MustCompile(`\blast\s+(\d+)\s+days?\b`)
	yearPattern      = regexp.MustCompile(`\b(?:in|for|during)\s+(\d{4})\b`)
)

// resolveDatePhrase maps a relative date phrase onto a concrete interval
// anchored at now. The second return reports whether the phrase resolved.
func resolveDatePhrase(query string, now time.Time) (DateRange, bool) {
	q := strings.ToLower(query)

	switch {
	case strings.Contains(q, "today"):
		start := now.Truncate(24 * time.Hour)
		return DateRange{From: start, To: start.AddDate(0, 0, 1).Add(-time.Second), Label: "today"}, true

	case strings.Contains(q, "this week"):
		weekday := int(now.Weekday())
		start := now.AddDate(0, 0, -weekday).Truncate(24 * time.Hour)
		return DateRange{From: start, To: now, Label: "this week"}, true

	case strings.Contains(q, "last month"):
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: first.AddDate(0, -1, 0), To: first.Add(-time.Second), Label: "last month"}, true

	case strings.Contains(q, "this month"):
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: first, To: now, Label: "this month"}, true

	case strings.Contains(q, "this quarter"):
		return quarterOf(now, 0), true

	case strings.Contains(q, "last quarter"):
		return quarterOf(now, -1), true

	case strings.Contains(q, "ytd") || strings.Contains(q, "year to date"):
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: start, To: now, Label: "ytd"}, true

	case strings.Contains(q, "last year"):
		start := time.Date(now.Year()-1, 1, 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: start, To: start.AddDate(1, 0, 0).Add(-time.Second), Label: "last year"}, true
	}

	if m := lastNDaysPattern.FindStringSubmatch(q); m != nil {
		n, _ := strconv.Atoi(m[1])
		return DateRange{From: now.AddDate(0, 0, -n), To: now, Label: "last " + m[1] + " days"}, true
	}
	if m := quarterPattern.FindStringSubmatch(q); m != nil {
		qn, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		start := time.Date(year, time.Month((qn-1)*3+1), 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: start, To: start.AddDate(0, 3, 0).Add(-time.Second), Label: "q" + m[1] + " " + m[2]}, true
	}
	if m := yearPattern.FindStringSubmatch(q); m != nil {
		year, _ := strconv.Atoi(m[1])
		start := time.Date(year, 1, 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: start, To: start.AddDate(1, 0, 0).Add(-time.Second), Label: m[1]}, true
	}

	return DateRange{}, false
}

// quarterOf returns the calendar quarter offset quarters away from now's.
func quarterOf(now time.Time, offset int) DateRange {
	qn := (int(now.Month()) - 1) / 3
	start := time.Date(now.Year(), time.Month(qn*3+1), 1, 0, 0, 0, 0, now.Location())
	start = start.AddDate(0, 3*offset, 0)
	label := "this quarter"
	if offset < 0 {
		label = "last quarter"
	}
	return DateRange{From: start, To: start.AddDate(0, 3, 0).Add(-time.Second), Label: label}
}

// compareBuckets returns the two intervals of a "this vs last" comparison.
func compareBuckets(query string, now time.Time) ([]DateRange, bool) {
	q := strings.ToLower(query)
	if strings.Contains(q, "quarter") && (strings.Contains(q, " vs ") || strings.Contains(q, "versus") || strings.Contains(q, "compared")) {
		return []DateRange{quarterOf(now, 0), quarterOf(now, -1)}, true
	}
	if strings.Contains(q, "month") && (strings.Contains(q, " vs ") || strings.Contains(q, "versus") || strings.Contains(q, "compared")) {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return []DateRange{
			{From: first, To: now, Label: "this month"},
			{From: first.AddDate(0, -1, 0), To: first.Add(-time.Second), Label: "last month"},
		}, true
	}
	return nil, false
}
