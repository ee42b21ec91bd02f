package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"docsense/internal/logging"
	"docsense/internal/search"
)

// =============================================================================
// ANSWER GENERATION
// =============================================================================

const answerSystem = `You answer questions about a private document collection.
You are given the question and the matching documents with their extracted
field values. Answer from the provided values only; if they do not contain
the answer, say so.

Every field value you use in the answer MUST be followed by a citation marker
of the exact form [[FIELD:field_name:document_id]], using the field name and
document id the value came from. Do not cite values you did not use.`

const citationRetryNote = `

Your previous answer contained no citation markers. Rewrite it so every field
value used carries its [[FIELD:field_name:document_id]] marker.`

// answerContextDocs caps how many hits feed the answer prompt.
const answerContextDocs = 8

var fieldMarkerPattern = regexp.MustCompile(`\[\[FIELD:([A-Za-z0-9_]+):(\d+)\]\]`)

// FieldMarker is one parsed citation marker from a generated answer.
type FieldMarker struct {
	FieldName  string
	DocumentID int64
	// Offset is the marker's byte position in the answer, used to cut the
	// surrounding snippet.
	Offset int
}

// ParseMarkers extracts the citation markers from an answer in order.
func ParseMarkers(answer string) []FieldMarker {
	var out []FieldMarker
	for _, m := range fieldMarkerPattern.FindAllStringSubmatchIndex(answer, -1) {
		name := answer[m[2]:m[3]]
		var docID int64
		fmt.Sscanf(answer[m[4]:m[5]], "%d", &docID)
		out = append(out, FieldMarker{FieldName: name, DocumentID: docID, Offset: m[0]})
	}
	return out
}

// generateAnswer produces a grounded answer over the top hits. An answer
// without citation markers is retried once with a stricter instruction; if
// the retry is still uncited the answer is returned with cited=false so the
// caller can surface it as unattributed.
func (e *Engine) generateAnswer(ctx context.Context, query string, hits []search.Hit) (answer string, cited bool, err error) {
	prompt := buildAnswerPrompt(query, hits)

	answer, usage, err := e.llm.Complete(ctx, answerSystem, prompt)
	if err != nil {
		return "", false, fmt.Errorf("answer generation: %w", err)
	}
	if len(ParseMarkers(answer)) > 0 {
		return answer, true, nil
	}

	logging.Retrieval("Uncited answer (%d tokens), retrying with citation instruction", usage.OutputTokens)
	answer2, _, err := e.llm.Complete(ctx, answerSystem, prompt+citationRetryNote)
	if err != nil {
		return answer, false, nil
	}
	if len(ParseMarkers(answer2)) > 0 {
		return answer2, true, nil
	}
	return answer2, false, nil
}

// buildAnswerPrompt renders the hit set as a document/field context block.
func buildAnswerPrompt(query string, hits []search.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nDocuments:\n", query)

	n := len(hits)
	if n > answerContextDocs {
		n = answerContextDocs
	}
	for _, h := range hits[:n] {
		fmt.Fprintf(&b, "\n[document %d] %s (template: %s)\n", h.DocumentID, h.Doc.Filename, h.Doc.TemplateName)

		names := make([]string, 0, len(h.Doc.FieldValues))
		for name := range h.Doc.FieldValues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			verified := ""
			if h.Doc.VerifiedFields[name] {
				verified = " (verified)"
			}
			fmt.Fprintf(&b, "  %s: %s%s\n", name, h.Doc.FieldValues[name], verified)
		}
	}
	return b.String()
}
