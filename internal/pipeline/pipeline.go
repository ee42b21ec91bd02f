// Package pipeline drives batch ingestion: hashing, parsing, template
// matching, extraction, and indexing, with a bounded worker pool and
// per-file error isolation.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"docsense/internal/extract"
	"docsense/internal/logging"
	"docsense/internal/match"
	"docsense/internal/parser"
	"docsense/internal/store"
	"docsense/internal/types"
)

// ErrorCode classifies a per-file failure.
type ErrorCode string

const (
	ErrParse      ErrorCode = "parse_failed"
	ErrNoTemplate ErrorCode = "no_template"
	ErrExtract    ErrorCode = "extract_failed"
	ErrIndex      ErrorCode = "index_failed"
)

// llmMatchCost approximates the spend of one LLM template classification,
// used for the batch cost estimate.
const llmMatchCost = 0.003

// Config holds the ingestion knobs.
type Config struct {
	Workers     int           // concurrent files, default 8
	FileTimeout time.Duration // per-file deadline, default 60s
	StorageRoot string        // base directory for document paths
}

// Pipeline runs documents through parse, match, extract, and index.
type Pipeline struct {
	store     *store.Store
	parser    parser.Client
	matcher   *match.Matcher
	extractor *extract.Extractor
	cfg       Config
}

// New wires an ingestion pipeline.
func New(st *store.Store, pc parser.Client, m *match.Matcher, ex *extract.Extractor, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = 60 * time.Second
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = "documents"
	}
	return &Pipeline{store: st, parser: pc, matcher: m, extractor: ex, cfg: cfg}
}

// FileInput is one upload. TemplateID pins the template for this file,
// bypassing the matcher.
type FileInput struct {
	Filename   string
	Data       []byte
	TemplateID *int64
}

// FileResult is the outcome for one file.
type FileResult struct {
	Filename   string
	DocumentID int64
	TemplateID *int64
	Source     match.Source
	Code       ErrorCode // empty on success
	Error      string
}

// Analytics summarizes matcher behavior over a batch.
type Analytics struct {
	FastMatches  int
	LLMMatches   int
	CostEstimate float64
}

// BatchResult is the outcome of one Ingest call.
type BatchResult struct {
	Succeeded []FileResult
	Failed    []FileResult
	Analytics Analytics
	Elapsed   time.Duration
}

// Ingest runs a batch through the pipeline. Files fail independently; the
// returned error covers only batch-level problems such as a canceled context.
func (p *Pipeline) Ingest(ctx context.Context, files []FileInput) (*BatchResult, error) {
	startTime := time.Now()

	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i, f := range files {
		g.Go(func() error {
			results[i] = p.processFile(gctx, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := &BatchResult{Elapsed: time.Since(startTime)}
	for _, r := range results {
		if r.Code == "" {
			batch.Succeeded = append(batch.Succeeded, r)
		} else {
			batch.Failed = append(batch.Failed, r)
		}
		switch r.Source {
		case match.SourceFastMatch:
			batch.Analytics.FastMatches++
		case match.SourceLLMFallback:
			batch.Analytics.LLMMatches++
		}
	}
	batch.Analytics.CostEstimate = float64(batch.Analytics.LLMMatches) * llmMatchCost

	logging.Pipeline("Batch done: %d ok, %d failed in %v (fast=%d llm=%d cost=$%.4f)",
		len(batch.Succeeded), len(batch.Failed), batch.Elapsed,
		batch.Analytics.FastMatches, batch.Analytics.LLMMatches, batch.Analytics.CostEstimate)
	return batch, nil
}

// processFile takes one upload from bytes to completed. Each stage writes
// its status transition before the next stage starts, so a timeout leaves
// the document resumable at the stage it reached.
func (p *Pipeline) processFile(ctx context.Context, f FileInput) FileResult {
	if p.cfg.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FileTimeout)
		defer cancel()
	}

	sum := sha256.Sum256(f.Data)
	contentHash := hex.EncodeToString(sum[:])
	storagePath := filepath.Join(p.cfg.StorageRoot, "inbox", f.Filename)

	doc, err := p.store.CreateDocument(f.Filename, contentHash, storagePath, int64(len(f.Data)))
	if err != nil {
		return FileResult{Filename: f.Filename, Code: ErrParse, Error: err.Error()}
	}
	res := FileResult{Filename: f.Filename, DocumentID: doc.ID}

	if err := p.store.UpdateDocumentStatus(doc.ID, types.StatusAnalyzing, ""); err != nil {
		return p.fail(res, ErrParse, err)
	}

	jobID, parsed, err := p.parser.Parse(ctx, f.Filename, f.Data)
	if err != nil {
		return p.fail(res, ErrParse, err)
	}
	// Cache before matching: a later timeout must not force a re-parse.
	if err := p.store.CacheParseResult(doc.ID, jobID, parsed); err != nil {
		return p.fail(res, ErrParse, err)
	}

	return p.processParsed(ctx, res, parsed, f.TemplateID)
}

// Retry resumes an errored document. The cached parse result is reused;
// parsing only reruns when the document never got one.
func (p *Pipeline) Retry(ctx context.Context, docID int64) (FileResult, error) {
	doc, err := p.store.GetDocument(docID)
	if err != nil {
		return FileResult{}, err
	}
	if doc.Status != types.StatusError {
		return FileResult{}, fmt.Errorf("document %d is %s, only errored documents can be retried", docID, doc.Status)
	}
	if err := p.store.UpdateDocumentStatus(docID, types.StatusAnalyzing, ""); err != nil {
		return FileResult{}, err
	}

	res := FileResult{Filename: doc.Filename, DocumentID: doc.ID}
	if doc.ParseResult == nil {
		return res, fmt.Errorf("document %d has no cached parse result, re-upload the file", docID)
	}
	logging.Pipeline("Retrying document %d from cached parse job %s", docID, doc.ParseJobID)
	// A previously matched template is kept; only unmatched documents go
	// back through the matcher.
	return p.processParsed(ctx, res, doc.ParseResult, doc.TemplateID), nil
}

// Assign resolves a waiting document: the reviewer confirms the suggested
// template or picks another, and the document resumes from its cached parse
// result. templateID 0 accepts the recorded suggestion.
func (p *Pipeline) Assign(ctx context.Context, docID, templateID int64) (FileResult, error) {
	doc, err := p.store.GetDocument(docID)
	if err != nil {
		return FileResult{}, err
	}
	if doc.Status != types.StatusTemplateSuggested && doc.Status != types.StatusTemplateNeeded {
		return FileResult{}, fmt.Errorf("document %d is %s, only documents waiting for a template can be assigned", docID, doc.Status)
	}
	if templateID == 0 {
		if doc.TemplateID == nil {
			return FileResult{}, fmt.Errorf("document %d has no suggested template, pass a template id", docID)
		}
		templateID = *doc.TemplateID
	}
	if doc.ParseResult == nil {
		return FileResult{}, fmt.Errorf("document %d has no cached parse result, re-upload the file", docID)
	}
	logging.Pipeline("Assigning template %d to document %d", templateID, docID)
	res := FileResult{Filename: doc.Filename, DocumentID: doc.ID}
	return p.processParsed(ctx, res, doc.ParseResult, &templateID), nil
}

// processParsed runs match, extract, and index over a parsed document.
// A non-nil pinned template skips the matcher.
func (p *Pipeline) processParsed(ctx context.Context, res FileResult, parsed *types.ParseResult, pinned *int64) FileResult {
	docID := res.DocumentID

	var templateID *int64
	if pinned != nil {
		if _, err := p.store.GetTemplate(*pinned); err != nil {
			return p.fail(res, ErrNoTemplate, fmt.Errorf("requested template %d: %w", *pinned, err))
		}
		templateID = pinned
		res.Source = match.SourceRequested
	} else {
		decision, err := p.matcher.Match(ctx, parsed)
		if err != nil {
			return p.fail(res, ErrNoTemplate, err)
		}
		res.Source = decision.Source

		if decision.TemplateID == nil {
			// Not an error state: the document waits for a template.
			if serr := p.store.UpdateDocumentStatus(docID, types.StatusTemplateNeeded, ""); serr != nil {
				return p.fail(res, ErrNoTemplate, serr)
			}
			res.Code = ErrNoTemplate
			res.Error = decision.Reasoning
			return res
		}
		if decision.Source == match.SourceLLMFallback {
			// An LLM verdict is a suggestion, not a match: record it and
			// park the document until a reviewer confirms or overrides.
			if serr := p.store.SetDocumentTemplate(docID, *decision.TemplateID); serr != nil {
				return p.fail(res, ErrNoTemplate, serr)
			}
			if serr := p.store.UpdateDocumentStatus(docID, types.StatusTemplateSuggested, ""); serr != nil {
				return p.fail(res, ErrNoTemplate, serr)
			}
			res.TemplateID = decision.TemplateID
			res.Code = ErrNoTemplate
			res.Error = fmt.Sprintf("template %d suggested at confidence %.2f, awaiting confirmation", *decision.TemplateID, decision.Confidence)
			return res
		}
		templateID = decision.TemplateID
	}

	if err := p.store.SetDocumentTemplate(docID, *templateID); err != nil {
		return p.fail(res, ErrNoTemplate, err)
	}
	if err := p.store.UpdateDocumentStatus(docID, types.StatusTemplateMatched, ""); err != nil {
		return p.fail(res, ErrNoTemplate, err)
	}
	res.TemplateID = templateID

	if err := p.reorganize(docID, *templateID, res.Filename); err != nil {
		return p.fail(res, ErrNoTemplate, err)
	}

	if err := p.store.UpdateDocumentStatus(docID, types.StatusProcessing, ""); err != nil {
		return p.fail(res, ErrExtract, err)
	}
	if err := p.extractor.Run(ctx, docID); err != nil {
		code := ErrExtract
		if errors.Is(err, extract.ErrIndexing) {
			code = ErrIndex
		}
		return p.fail(res, code, err)
	}

	if err := p.store.UpdateDocumentStatus(docID, types.StatusCompleted, ""); err != nil {
		return p.fail(res, ErrIndex, err)
	}
	return res
}

// reorganize moves the document's logical path under its template folder.
func (p *Pipeline) reorganize(docID, templateID int64, filename string) error {
	tpl, err := p.store.GetTemplate(templateID)
	if err != nil {
		return err
	}
	newPath := filepath.Join(p.cfg.StorageRoot, folderName(tpl.Name), filename)
	return p.store.UpdateDocumentPath(docID, newPath)
}

func (p *Pipeline) fail(res FileResult, code ErrorCode, err error) FileResult {
	res.Code = code
	res.Error = err.Error()
	if res.DocumentID != 0 {
		if serr := p.store.UpdateDocumentStatus(res.DocumentID, types.StatusError, err.Error()); serr != nil {
			logging.Get(logging.CategoryPipeline).Warn("Could not record error state for document %d: %v", res.DocumentID, serr)
		}
	}
	return res
}

// folderName turns a template name into a stable directory name.
func folderName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unsorted"
	}
	return b.String()
}
