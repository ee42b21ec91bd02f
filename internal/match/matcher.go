// Package match picks the template that best describes a parsed document:
// signature lookup first, LLM classification only when the fast path is not
// confident enough.
package match

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"docsense/internal/llm"
	"docsense/internal/logging"
	"docsense/internal/search"
	"docsense/internal/types"
)

// Source records which path produced a match decision.
type Source string

const (
	SourceFastMatch        Source = "fast_match"
	SourceLLMFallback      Source = "llm_fallback"
	SourceNeedsNewTemplate Source = "needs_new_template"
	// SourceRequested marks a template pinned by the uploader, bypassing
	// the matcher entirely.
	SourceRequested Source = "requested"
)

// Decision is the matcher's verdict for one parsed document.
type Decision struct {
	TemplateID *int64
	Confidence float64
	Source     Source
	Reasoning  string
}

// SignatureSearcher is the slice of the search index the matcher needs.
type SignatureSearcher interface {
	FindSimilarTemplates(fieldNames []string, sampleText string, topK int) []search.TemplateScore
}

// Config holds the matcher thresholds.
type Config struct {
	FastMatchThreshold float64 // best signature score at or above this commits without the LLM
	CreateNewThreshold float64 // below this, even the LLM verdict means "new template needed"
	EnableLLMFallback  bool
}

// Matcher implements the hybrid template match.
type Matcher struct {
	index     SignatureSearcher
	llm       llm.Client
	templates func() ([]*types.Template, error)
	cfg       Config
}

// New creates a matcher. templates supplies the current template list for
// the LLM classification prompt.
func New(index SignatureSearcher, client llm.Client, templates func() ([]*types.Template, error), cfg Config) *Matcher {
	if cfg.FastMatchThreshold <= 0 {
		cfg.FastMatchThreshold = 0.70
	}
	if cfg.CreateNewThreshold <= 0 {
		cfg.CreateNewThreshold = 0.60
	}
	return &Matcher{index: index, llm: client, templates: templates, cfg: cfg}
}

// Match classifies a parsed document.
func (m *Matcher) Match(ctx context.Context, parsed *types.ParseResult) (*Decision, error) {
	startTime := time.Now()

	candidates := CandidateFieldNames(parsed)
	sample := sampleText(parsed, 8)
	scores := m.index.FindSimilarTemplates(candidates, sample, 3)

	if len(scores) > 0 && scores[0].Score >= m.cfg.FastMatchThreshold {
		best := scores[0]
		logging.Get(logging.CategoryMatch).Info("Fast match: template=%d score=%.2f in %v", best.TemplateID, best.Score, time.Since(startTime))
		id := best.TemplateID
		return &Decision{TemplateID: &id, Confidence: best.Score, Source: SourceFastMatch}, nil
	}

	if !m.cfg.EnableLLMFallback {
		conf := 0.0
		if len(scores) > 0 {
			conf = scores[0].Score
		}
		return &Decision{Confidence: conf, Source: SourceNeedsNewTemplate}, nil
	}

	decision, err := m.llmClassify(ctx, sample, scores)
	if err != nil {
		return nil, fmt.Errorf("llm classification: %w", err)
	}
	logging.Get(logging.CategoryMatch).Info("LLM match: template=%v confidence=%.2f in %v",
		decision.TemplateID, decision.Confidence, time.Since(startTime))
	return decision, nil
}

const classifySystem = `You classify business documents against known templates.
Given a document excerpt and candidate templates with their field lists, decide
which template the document belongs to. Respond with JSON:
{"template_id": <int or null>, "confidence": <0..1>, "reasoning": "<short>"}
Use null when no candidate fits.`

type classifyReply struct {
	TemplateID *int64  `json:"template_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (m *Matcher) llmClassify(ctx context.Context, sample string, scores []search.TemplateScore) (*Decision, error) {
	templates, err := m.templates()
	if err != nil {
		return nil, err
	}

	// Offer the signature candidates first, then the rest, capped.
	offered := orderTemplates(templates, scores)
	if len(offered) > 8 {
		offered = offered[:8]
	}

	var sb strings.Builder
	sb.WriteString("Document excerpt:\n")
	sb.WriteString(sample)
	sb.WriteString("\n\nCandidate templates:\n")
	for _, tpl := range offered {
		fmt.Fprintf(&sb, "- id=%d name=%q kind=%s fields=[%s]\n", tpl.ID, tpl.Name, tpl.Kind, strings.Join(tpl.FieldNames(), ", "))
	}

	var reply classifyReply
	if _, err := m.llm.CompleteJSON(ctx, classifySystem, sb.String(), &reply); err != nil {
		return nil, err
	}

	if reply.TemplateID == nil || reply.Confidence < m.cfg.CreateNewThreshold {
		return &Decision{Confidence: reply.Confidence, Source: SourceNeedsNewTemplate, Reasoning: reply.Reasoning}, nil
	}

	// Sanity: the model must pick one of the offered templates.
	for _, tpl := range offered {
		if tpl.ID == *reply.TemplateID {
			return &Decision{TemplateID: reply.TemplateID, Confidence: reply.Confidence, Source: SourceLLMFallback, Reasoning: reply.Reasoning}, nil
		}
	}
	return &Decision{Confidence: reply.Confidence, Source: SourceNeedsNewTemplate,
		Reasoning: fmt.Sprintf("model picked unknown template %d", *reply.TemplateID)}, nil
}

func orderTemplates(all []*types.Template, scores []search.TemplateScore) []*types.Template {
	rank := make(map[int64]int, len(scores))
	for i, s := range scores {
		rank[s.TemplateID] = i + 1
	}
	sorted := make([]*types.Template, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank[sorted[i].ID], rank[sorted[j].ID]
		if ri == 0 {
			ri = len(scores) + 2
		}
		if rj == 0 {
			rj = len(scores) + 2
		}
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted
}

// =============================================================================
// CANDIDATE FIELD-NAME DERIVATION
// =============================================================================

var (
	labelColonPattern = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z0-9 _/#.-]{1,40}?)\s*:`)
	capitalizedRun    = regexp.MustCompile(`\b([A-Z][A-Za-z]+(?:\s+[A-Z][A-Za-z]+){0,3})\b`)
)

// CandidateFieldNames derives a field-name candidate set from parsed chunks:
// keys before colons, capitalized labels, and tokens that recur as headers
// across pages.
func CandidateFieldNames(parsed *types.ParseResult) []string {
	counts := make(map[string]int)
	add := func(label string, weight int) {
		norm := normalizeLabel(label)
		if norm != "" {
			counts[norm] += weight
		}
	}

	for _, chunk := range parsed.Chunks {
		for _, m := range labelColonPattern.FindAllStringSubmatch(chunk.Text, -1) {
			add(m[1], 3)
		}
		for _, m := range capitalizedRun.FindAllStringSubmatch(chunk.Text, -1) {
			add(m[1], 1)
		}
	}

	type labelCount struct {
		label string
		count int
	}
	ranked := make([]labelCount, 0, len(counts))
	for label, count := range counts {
		ranked = append(ranked, labelCount{label, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].label < ranked[j].label
	})
	if len(ranked) > 32 {
		ranked = ranked[:32]
	}

	out := make([]string, len(ranked))
	for i, lc := range ranked {
		out[i] = lc.label
	}
	return out
}

func normalizeLabel(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	label = strings.Trim(label, "#.-/ ")
	if len(label) < 3 || len(label) > 40 {
		return ""
	}
	fields := strings.Fields(label)
	if len(fields) > 4 {
		return ""
	}
	return strings.Join(fields, "_")
}

func sampleText(parsed *types.ParseResult, maxChunks int) string {
	var sb strings.Builder
	for i, chunk := range parsed.Chunks {
		if i >= maxChunks {
			break
		}
		sb.WriteString(chunk.Text)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return parsed.FullText
	}
	return sb.String()
}
