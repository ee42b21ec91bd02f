package queryplan

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"docsense/internal/llm"
	"docsense/internal/logging"
	"docsense/internal/search"
)

// FieldSource exposes the slice of the index the planner needs: which
// concrete fields exist, per template.
type FieldSource interface {
	TemplateFields() map[string][]string
}

// Config holds planner thresholds.
type Config struct {
	FastPathThreshold float64 // plans at or above this skip LLM refinement
	MaxExpansions     int     // synonyms added per token
}

// Planner builds Plans from query strings.
type Planner struct {
	registry *search.Registry
	fields   FieldSource
	llm      llm.Client // nil disables refinement
	cfg      Config
	now      func() time.Time
}

// New creates a planner. client may be nil when LLM refinement is off.
func New(registry *search.Registry, fields FieldSource, client llm.Client, cfg Config) *Planner {
	if cfg.FastPathThreshold <= 0 {
		cfg.FastPathThreshold = 0.70
	}
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = 3
	}
	return &Planner{registry: registry, fields: fields, llm: client, cfg: cfg, now: time.Now}
}

// WithClock fixes the planner's notion of "now" for tests.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// Options narrows a single planning call.
type Options struct {
	// PinnedTemplate restricts the query to one template. Canonical
	// expansion is skipped: field references resolve under that template
	// only.
	PinnedTemplate string
}

// Plan builds a plan for the query. When the heuristic confidence falls
// below the fast-path threshold and an LLM is configured, the plan is
// refined through a constrained JSON completion.
func (p *Planner) Plan(ctx context.Context, query string, opts Options) (*Plan, error) {
	startTime := time.Now()

	plan := p.heuristicPlan(query, opts)
	logging.Planner("Heuristic plan: intent=%s filters=%d confidence=%.2f", plan.Intent, len(plan.Filters), plan.Confidence)

	if plan.Confidence >= p.cfg.FastPathThreshold || p.llm == nil {
		plan.UseLLMRefinement = false
		logging.Planner("Fast path taken in %v", time.Since(startTime))
		return plan, nil
	}

	plan.UseLLMRefinement = true
	refined, err := p.refine(ctx, query, plan, opts)
	if err != nil {
		// Refinement is best-effort: fall back to the heuristic plan.
		logging.Get(logging.CategoryPlanner).Warn("LLM refinement failed, using heuristic plan: %v", err)
		return plan, nil
	}
	logging.Planner("LLM-refined plan: intent=%s confidence=%.2f in %v", refined.Intent, refined.Confidence, time.Since(startTime))
	return refined, nil
}

// =============================================================================
// HEURISTIC PLANNING
// =============================================================================

var (
	overPattern    = regexp.MustCompile(`(?:over|above|more than|greater than|>=?|at least)\s*\$?\s*([\d,]+(?:\.\d+)?)[kK]?`)
	underPattern   = regexp.MustCompile(`(?:under|below|less than|<=?|at most)\s*\$?\s*([\d,]+(?:\.\d+)?)[kK]?`)
	betweenPattern = regexp.MustCompile(`between\s*\$?\s*([\d,]+(?:\.\d+)?)\s*(?:and|-)\s*\$?\s*([\d,]+(?:\.\d+)?)`)
	quotedPattern  = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	properNounRun  = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)\b`)
)

func (p *Planner) heuristicPlan(query string, opts Options) *Plan {
	plan := &Plan{
		Intent:         detectIntent(query),
		Confidence:     1.0,
		PinnedTemplate: opts.PinnedTemplate,
	}
	penalty := func(amount float64) {
		plan.Confidence -= amount
		if plan.Confidence < 0 {
			plan.Confidence = 0
		}
	}

	templateFields := p.fields.TemplateFields()
	consumed := query

	if opts.PinnedTemplate != "" {
		plan.Filters = append(plan.Filters, search.Filter{Kind: search.FilterTemplate, TemplateName: opts.PinnedTemplate})
	}

	// Numeric ranges resolve against the canonical the query names, or fall
	// back to `amount`.
	numericFields := p.resolveNumericFields(query, templateFields, opts.PinnedTemplate)
	if len(numericFields) == 0 {
		penalty(0.1)
	}
	if m := betweenPattern.FindStringSubmatch(strings.ToLower(query)); m != nil {
		plan.Filters = append(plan.Filters, search.Filter{
			Kind: search.FilterNumeric, Fields: numericFields,
			Min: parseAmount(m[1]), HasMin: true, Max: parseAmount(m[2]), HasMax: true,
		})
		consumed = strings.Replace(consumed, m[0], "", 1)
	} else {
		if m := overPattern.FindStringSubmatch(strings.ToLower(query)); m != nil {
			plan.Filters = append(plan.Filters, search.Filter{
				Kind: search.FilterNumeric, Fields: numericFields, Min: parseAmount(m[1]), HasMin: true,
			})
		}
		if m := underPattern.FindStringSubmatch(strings.ToLower(query)); m != nil {
			plan.Filters = append(plan.Filters, search.Filter{
				Kind: search.FilterNumeric, Fields: numericFields, Max: parseAmount(m[1]), HasMax: true,
			})
		}
	}

	// Date phrases become a range on the `date` canonical.
	if buckets, ok := compareBuckets(query, p.now()); ok {
		plan.Intent = IntentCompare
		agg := p.buildAggregation(query, templateFields, opts.PinnedTemplate)
		agg.TimeBuckets = buckets
		plan.Aggregation = agg
	} else if dr, ok := resolveDatePhrase(query, p.now()); ok {
		plan.Filters = append(plan.Filters, search.Filter{
			Kind: search.FilterDate, Fields: p.dateFields(templateFields, opts.PinnedTemplate),
			From: dr.From, To: dr.To,
		})
	}

	// Entities: quoted strings first, then proper-noun runs.
	entities := extractEntities(query)
	if len(entities) > 0 {
		entityFields := p.canonicalFields("entity_name", templateFields, opts.PinnedTemplate)
		if len(entityFields) == 0 {
			penalty(0.2)
		} else {
			for _, ent := range entities {
				plan.Filters = append(plan.Filters, search.Filter{
					Kind: search.FilterEntity, Fields: entityFields, Entity: ent, FuzzyEntity: true,
				})
			}
		}
		if len(entities) > 1 {
			penalty(0.1) // multiple entities is usually ambiguous
		}
	}

	if plan.Intent == IntentAggregate && plan.Aggregation == nil {
		plan.Aggregation = p.buildAggregation(query, templateFields, opts.PinnedTemplate)
		if len(plan.Aggregation.Fields) == 0 {
			penalty(0.3)
		}
	}
	if plan.Intent == IntentCompare && plan.Aggregation == nil {
		// Compare without resolvable buckets needs the LLM.
		penalty(0.4)
	}

	plan.TermGroups = p.expandTerms(consumed)
	if len(plan.TermGroups) == 0 && len(plan.Filters) == 0 {
		penalty(0.5)
	}
	return plan
}

func detectIntent(query string) Intent {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, " vs ") || strings.Contains(q, "versus") || strings.Contains(q, "compare"):
		return IntentCompare
	case strings.Contains(q, "how many") || strings.Contains(q, "how much") ||
		strings.Contains(q, "total ") || strings.Contains(q, "average") ||
		strings.Contains(q, "sum of") || strings.Contains(q, "count"):
		return IntentAggregate
	case overPattern.MatchString(q) || underPattern.MatchString(q) || betweenPattern.MatchString(q):
		return IntentFilter
	case strings.Contains(q, "find") || strings.Contains(q, "search"):
		return IntentSearch
	default:
		return IntentRetrieve
	}
}

func (p *Planner) resolveNumericFields(query string, templateFields map[string][]string, pin string) []string {
	q := strings.ToLower(query)
	for _, tok := range strings.Fields(q) {
		tok = strings.Trim(tok, ".,?!")
		c, ok := p.registry.Resolve(tok)
		if ok && (c.AggregationType == "sum" || c.AggregationType == "avg") {
			if fields := c.ExpandFields(templateFields, pin); len(fields) > 0 {
				return fields
			}
		}
	}
	return p.canonicalFields("amount", templateFields, pin)
}

func (p *Planner) dateFields(templateFields map[string][]string, pin string) []string {
	return p.canonicalFields("date", templateFields, pin)
}

func (p *Planner) canonicalFields(name string, templateFields map[string][]string, pin string) []string {
	c, ok := p.registry.Resolve(name)
	if !ok {
		return nil
	}
	return c.ExpandFields(templateFields, pin)
}

// buildAggregation picks the aggregation canonical named in the query, or
// falls back to amount/sum.
func (p *Planner) buildAggregation(query string, templateFields map[string][]string, pin string) *Aggregation {
	q := strings.ToLower(query)
	if strings.Contains(q, "how many") || strings.Contains(q, "count") {
		return &Aggregation{Type: "count"}
	}

	aggType := "sum"
	if strings.Contains(q, "average") || strings.Contains(q, "avg") || strings.Contains(q, "mean") {
		aggType = "avg"
	}
	for _, tok := range strings.Fields(q) {
		tok = strings.Trim(tok, ".,?!")
		if c, ok := p.registry.Resolve(tok); ok && (c.AggregationType == "sum" || c.AggregationType == "avg") {
			return &Aggregation{Type: aggType, Canonical: c.Name, Fields: c.ExpandFields(templateFields, pin)}
		}
	}
	if c, ok := p.registry.Resolve("amount"); ok {
		return &Aggregation{Type: aggType, Canonical: c.Name, Fields: c.ExpandFields(templateFields, pin)}
	}
	return &Aggregation{Type: aggType}
}

func extractEntities(query string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[strings.ToLower(s)] {
			seen[strings.ToLower(s)] = true
			out = append(out, s)
		}
	}
	for _, m := range quotedPattern.FindAllStringSubmatch(query, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}
	for _, m := range properNounRun.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	return out
}

// =============================================================================
// SYNONYM EXPANSION
// =============================================================================

var synonyms = map[string][]string{
	"invoice":  {"bill", "receipt"},
	"bill":     {"invoice", "receipt"},
	"receipt":  {"invoice", "bill"},
	"vendor":   {"supplier", "seller"},
	"supplier": {"vendor", "seller"},
	"contract": {"agreement", "addendum"},
	"total":    {"amount", "sum"},
	"amount":   {"total", "sum"},
	"payment":  {"remittance"},
	"purchase": {"order", "po"},
	"customer": {"client", "buyer"},
}

// Synonyms returns the known reformulations of a token, used both for
// expansion and for zero-result suggestions.
func Synonyms(token string) []string {
	return synonyms[strings.ToLower(strings.TrimSpace(token))]
}

// expandTerms tokenizes the free-text remainder and widens each token into
// an OR-group of synonyms, capped at MaxExpansions per token.
func (p *Planner) expandTerms(text string) [][]string {
	var groups [][]string
	for _, tok := range search.Tokenize(text) {
		group := []string{tok}
		for _, syn := range synonyms[tok] {
			if len(group) > p.cfg.MaxExpansions {
				break
			}
			group = append(group, syn)
		}
		groups = append(groups, group)
	}
	return groups
}

func parseAmount(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	mult := 1.0
	if strings.HasSuffix(strings.ToLower(s), "k") {
		mult = 1000
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n * mult
}
