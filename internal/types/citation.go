package types

import "time"

// =============================================================================
// CITATIONS
// =============================================================================

// QuerySource identifies the surface that issued the query behind a citation.
type QuerySource string

const (
	SourceAskAI     QuerySource = "ask_ai"
	SourceMCPSearch QuerySource = "mcp_search"
	SourceMCPRAG    QuerySource = "mcp_rag"
)

// Citation records one use of an ExtractedField in one generated answer.
// Citations are append-only.
type Citation struct {
	ID                   int64
	FieldID              int64
	DocumentID           int64
	QueryID              string
	QueryText            string
	QuerySource          QuerySource
	FieldName            string
	ConfidenceAtCitation float64
	ContextSnippet       string
	Verified             bool
	NeedsAudit           bool
	AuditLink            *AuditLink
	AuditLinkClicked     bool
	CorrectionMade       bool
	CreatedAt            time.Time
}

// AuditLink carries the identifiers a caller needs to build a review URL
// for a low-confidence citation. The URL schema itself is out of scope.
type AuditLink struct {
	FieldID    int64  `json:"field_id"`
	DocumentID int64  `json:"document_id"`
	FieldName  string `json:"field_name"`
}
