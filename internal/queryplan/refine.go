package queryplan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"docsense/internal/search"
)

// =============================================================================
// LLM PLAN REFINEMENT
// =============================================================================

const refineSystem = `You refine structured query plans for a document field database.
You receive the user's question, the draft plan, and the canonical fields that
exist in the database. Correct the draft: fix the intent, drop filters that do
not match the question, add filters the heuristics missed, and pick the right
fields from the provided list. Never invent field names.

Respond with ONLY a JSON object:
{
  "intent": "search" | "retrieve" | "filter" | "aggregate" | "compare",
  "term_groups": [["token", "synonym"], ...],
  "numeric_filters": [{"fields": [...], "min": number|null, "max": number|null}],
  "date_filters": [{"fields": [...], "from": "YYYY-MM-DD", "to": "YYYY-MM-DD"}],
  "entity_filters": [{"fields": [...], "value": "..."}],
  "aggregation": {"type": "sum|avg|count", "fields": [...]} | null,
  "confidence": 0.0-1.0
}`

type refineReply struct {
	Intent         string     `json:"intent"`
	TermGroups     [][]string `json:"term_groups"`
	NumericFilters []struct {
		Fields []string `json:"fields"`
		Min    *float64 `json:"min"`
		Max    *float64 `json:"max"`
	} `json:"numeric_filters"`
	DateFilters []struct {
		Fields []string `json:"fields"`
		From   string   `json:"from"`
		To     string   `json:"to"`
	} `json:"date_filters"`
	EntityFilters []struct {
		Fields []string `json:"fields"`
		Value  string   `json:"value"`
	} `json:"entity_filters"`
	Aggregation *struct {
		Type   string   `json:"type"`
		Fields []string `json:"fields"`
	} `json:"aggregation"`
	Confidence float64 `json:"confidence"`
}

// refine asks the model to correct a low-confidence draft plan. Known fields
// are sent so the model can only pick from what actually exists.
func (p *Planner) refine(ctx context.Context, query string, draft *Plan, opts Options) (*Plan, error) {
	fieldCatalog := p.describeFields(opts.PinnedTemplate)

	prompt := fmt.Sprintf(`Question: %s

Draft plan:
%s

Available fields:
%s

Today is %s. Return the corrected plan as JSON.`,
		query, describePlan(draft), fieldCatalog, p.now().Format("2006-01-02"))

	var reply refineReply
	if _, err := p.llm.CompleteJSON(ctx, refineSystem, prompt, &reply); err != nil {
		return nil, err
	}
	return p.applyReply(draft, &reply), nil
}

func (p *Planner) applyReply(draft *Plan, reply *refineReply) *Plan {
	plan := &Plan{
		Intent:           draft.Intent,
		Confidence:       reply.Confidence,
		UseLLMRefinement: true,
		PinnedTemplate:   draft.PinnedTemplate,
		SortBy:           draft.SortBy,
	}
	switch Intent(reply.Intent) {
	case IntentSearch, IntentRetrieve, IntentFilter, IntentAggregate, IntentCompare:
		plan.Intent = Intent(reply.Intent)
	}

	if plan.PinnedTemplate != "" {
		plan.Filters = append(plan.Filters, search.Filter{Kind: search.FilterTemplate, TemplateName: plan.PinnedTemplate})
	}
	for _, nf := range reply.NumericFilters {
		f := search.Filter{Kind: search.FilterNumeric, Fields: nf.Fields}
		if nf.Min != nil {
			f.Min, f.HasMin = *nf.Min, true
		}
		if nf.Max != nil {
			f.Max, f.HasMax = *nf.Max, true
		}
		if f.HasMin || f.HasMax {
			plan.Filters = append(plan.Filters, f)
		}
	}
	for _, df := range reply.DateFilters {
		from, errF := time.Parse("2006-01-02", df.From)
		to, errT := time.Parse("2006-01-02", df.To)
		if errF != nil || errT != nil {
			continue
		}
		plan.Filters = append(plan.Filters, search.Filter{Kind: search.FilterDate, Fields: df.Fields, From: from, To: to})
	}
	for _, ef := range reply.EntityFilters {
		if ef.Value == "" {
			continue
		}
		plan.Filters = append(plan.Filters, search.Filter{Kind: search.FilterEntity, Fields: ef.Fields, Entity: ef.Value, FuzzyEntity: true})
	}
	if reply.Aggregation != nil {
		plan.Aggregation = &Aggregation{Type: reply.Aggregation.Type, Fields: reply.Aggregation.Fields}
		if draft.Aggregation != nil {
			plan.Aggregation.Canonical = draft.Aggregation.Canonical
			plan.Aggregation.TimeBuckets = draft.Aggregation.TimeBuckets
		}
	}
	plan.TermGroups = reply.TermGroups
	if len(plan.TermGroups) == 0 {
		plan.TermGroups = draft.TermGroups
	}
	return plan
}

func describePlan(plan *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "intent: %s\n", plan.Intent)
	for _, g := range plan.TermGroups {
		fmt.Fprintf(&b, "terms: %s\n", strings.Join(g, " OR "))
	}
	for _, f := range plan.Filters {
		switch f.Kind {
		case search.FilterNumeric:
			fmt.Fprintf(&b, "numeric filter on %s: min=%v(%.2f) max=%v(%.2f)\n", strings.Join(f.Fields, ","), f.HasMin, f.Min, f.HasMax, f.Max)
		case search.FilterDate:
			fmt.Fprintf(&b, "date filter on %s: %s .. %s\n", strings.Join(f.Fields, ","), f.From.Format("2006-01-02"), f.To.Format("2006-01-02"))
		case search.FilterEntity:
			fmt.Fprintf(&b, "entity filter on %s: %q\n", strings.Join(f.Fields, ","), f.Entity)
		case search.FilterTemplate:
			fmt.Fprintf(&b, "template: %s\n", f.TemplateName)
		}
	}
	if plan.Aggregation != nil {
		fmt.Fprintf(&b, "aggregation: %s over %s\n", plan.Aggregation.Type, strings.Join(plan.Aggregation.Fields, ","))
	}
	return b.String()
}

// describeFields renders the canonical catalog the model may pick from.
func (p *Planner) describeFields(pin string) string {
	templateFields := p.fields.TemplateFields()

	var lines []string
	for _, name := range p.registry.Names() {
		c, ok := p.registry.Resolve(name)
		if !ok {
			continue
		}
		fields := c.ExpandFields(templateFields, pin)
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", c.Name, c.AggregationType, strings.Join(fields, ", ")))
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return "(none indexed yet)"
	}
	return strings.Join(lines, "\n")
}
