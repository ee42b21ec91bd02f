package search

import (
	"sort"
	"strings"

	"docsense/internal/logging"
	"docsense/internal/types"
)

// =============================================================================
// TEMPLATE SIGNATURE INDEX
// =============================================================================

type signatureEntry struct {
	sig         types.SignatureDoc
	fieldSet    map[string]bool
	sampleTerms map[string]bool
}

// IndexTemplateSignature writes or overwrites a template fingerprint. Called
// on template creation and on every signature_version bump.
func (ix *Index) IndexTemplateSignature(sig types.SignatureDoc) {
	entry := &signatureEntry{
		sig:         sig,
		fieldSet:    make(map[string]bool, len(sig.FieldNames)),
		sampleTerms: make(map[string]bool),
	}
	for _, name := range sig.FieldNames {
		entry.fieldSet[strings.ToLower(name)] = true
		// Field names like "invoice_number" also match their parts.
		for _, tok := range Tokenize(strings.ReplaceAll(name, "_", " ")) {
			entry.fieldSet[tok] = true
		}
	}
	for _, tok := range Tokenize(sig.SampleText) {
		entry.sampleTerms[tok] = true
	}

	ix.mu.Lock()
	ix.sigs[sig.TemplateID] = entry
	ix.mu.Unlock()

	logging.Index("Indexed template signature: template=%d version=%d fields=%d",
		sig.TemplateID, sig.Version, len(sig.FieldNames))
}

// RemoveTemplateSignature drops a template fingerprint.
func (ix *Index) RemoveTemplateSignature(templateID int64) {
	ix.mu.Lock()
	delete(ix.sigs, templateID)
	ix.mu.Unlock()
}

// TemplateScore is one FindSimilarTemplates hit.
type TemplateScore struct {
	TemplateID   int64
	TemplateName string
	Score        float64 // normalized to [0,1]
	Overlap      int     // candidate field names matching the signature
}

// FindSimilarTemplates runs a more-like-this query against the signature
// index: candidate field names dominate the score, sample text contributes a
// smaller share. Results come back best first, ties broken by overlap count
// then template name.
func (ix *Index) FindSimilarTemplates(fieldNames []string, sampleText string, topK int) []TemplateScore {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if topK <= 0 {
		topK = 3
	}

	candidates := make([]string, 0, len(fieldNames))
	seen := make(map[string]bool)
	for _, name := range fieldNames {
		lower := strings.ToLower(strings.TrimSpace(name))
		if lower != "" && !seen[lower] {
			seen[lower] = true
			candidates = append(candidates, lower)
		}
	}
	sampleTokens := Tokenize(sampleText)

	var scores []TemplateScore
	for _, entry := range ix.sigs {
		fieldHits := 0
		for _, cand := range candidates {
			if entry.fieldSet[cand] {
				fieldHits++
				continue
			}
			for _, tok := range Tokenize(strings.ReplaceAll(cand, "_", " ")) {
				if entry.fieldSet[tok] {
					fieldHits++
					break
				}
			}
		}
		sampleHits := 0
		for _, tok := range sampleTokens {
			if entry.sampleTerms[tok] || entry.fieldSet[tok] {
				sampleHits++
			}
		}

		var fieldScore, sampleScore float64
		if len(candidates) > 0 {
			fieldScore = float64(fieldHits) / float64(len(candidates))
		}
		if len(sampleTokens) > 0 {
			sampleScore = float64(sampleHits) / float64(len(sampleTokens))
		}

		// Field-name overlap is the strong signal; sample text fills in when
		// label extraction found little.
		score := 0.8*fieldScore + 0.2*sampleScore
		if len(candidates) == 0 {
			score = sampleScore
		}
		if score <= 0 {
			continue
		}
		scores = append(scores, TemplateScore{
			TemplateID:   entry.sig.TemplateID,
			TemplateName: entry.sig.TemplateName,
			Score:        score,
			Overlap:      fieldHits,
		})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		if scores[i].Overlap != scores[j].Overlap {
			return scores[i].Overlap > scores[j].Overlap
		}
		return scores[i].TemplateName < scores[j].TemplateName
	})
	if len(scores) > topK {
		scores = scores[:topK]
	}
	return scores
}
