// Package types defines the core data model shared across the docsense
// pipeline: documents, templates, extracted fields, citations, and the
// audit-priority function that drives the review queue.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// DOCUMENT STATE MACHINE
// =============================================================================

// DocumentStatus is the lifecycle state of one ingestion of a physical file.
type DocumentStatus string

const (
	StatusUploaded          DocumentStatus = "uploaded"
	StatusAnalyzing         DocumentStatus = "analyzing"
	StatusTemplateMatched   DocumentStatus = "template_matched"
	StatusTemplateSuggested DocumentStatus = "template_suggested"
	StatusTemplateNeeded    DocumentStatus = "template_needed"
	StatusProcessing        DocumentStatus = "processing"
	StatusCompleted         DocumentStatus = "completed"
	StatusError             DocumentStatus = "error"
)

// legalTransitions maps each status to the set of statuses it may move to.
// "error" is reachable from any in-flight state; retry by operator action
// moves an errored document back to analyzing.
var legalTransitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:          {StatusAnalyzing, StatusError},
	StatusAnalyzing:         {StatusTemplateMatched, StatusTemplateSuggested, StatusTemplateNeeded, StatusError},
	StatusTemplateMatched:   {StatusProcessing, StatusError},
	StatusTemplateSuggested: {StatusTemplateMatched, StatusProcessing, StatusError},
	StatusTemplateNeeded:    {StatusTemplateMatched, StatusProcessing, StatusError},
	StatusProcessing:        {StatusCompleted, StatusError},
	StatusCompleted:         {},
	StatusError:             {StatusAnalyzing},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for illegal transitions.
func ValidateTransition(from, to DocumentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal document status transition: %s -> %s", from, to)
	}
	return nil
}

// =============================================================================
// PHYSICAL FILES AND DOCUMENTS
// =============================================================================

// PhysicalFile is the underlying bytes of an upload. One physical file may
// back many documents; the content hash uniquely identifies the bytes.
type PhysicalFile struct {
	ID          int64
	ContentHash string // SHA-256 hex
	StoragePath string
	SizeBytes   int64
	CreatedAt   time.Time
}

// ParseChunk is one positioned span of text returned by the external parser.
type ParseChunk struct {
	Page int          `json:"page"`
	BBox *BoundingBox `json:"bbox,omitempty"`
	Text string       `json:"text"`
}

// ParseResult is the structured parse payload cached on a document.
type ParseResult struct {
	Chunks   []ParseChunk `json:"chunks"`
	FullText string       `json:"full_text"`
}

// Valid reports whether the parser returned a usable structure.
func (p *ParseResult) Valid() bool {
	return p != nil && p.FullText != "" && len(p.Chunks) > 0
}

// Document is one ingestion of a PhysicalFile under a chosen template.
// The store row is the single source of truth for Status.
type Document struct {
	ID             int64
	Filename       string
	Status         DocumentStatus
	TemplateID     *int64
	ParseJobID     string       // opaque id from the parser, "" until parsed
	ParseResult    *ParseResult // cached parse payload, nil until parsed
	ContentHash    string
	ActualFilePath string
	ErrorMessage   string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// JobRef returns the jobid:// source reference for pipelined extraction.
// Empty when the document has not been parsed yet.
func (d *Document) JobRef() string {
	if d.ParseJobID == "" {
		return ""
	}
	return "jobid://" + d.ParseJobID
}
