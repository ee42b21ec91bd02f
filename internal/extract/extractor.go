// Package extract runs schema-guided extraction for a matched document:
// structured extraction against the cached parse job, validation, audit
// prioritization, and the ordered store + index writes.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"docsense/internal/embedding"
	"docsense/internal/logging"
	"docsense/internal/parser"
	"docsense/internal/search"
	"docsense/internal/store"
	"docsense/internal/types"
	"docsense/internal/validate"
)

// ErrIndexing marks a failure in the search projection step. The stored
// fields are intact when this is returned; the index can be rebuilt.
var ErrIndexing = errors.New("search indexing failed")

// Extractor produces validated, prioritized extracted fields for documents
// whose template is known and whose parse result is cached.
type Extractor struct {
	store     *store.Store
	parser    parser.Client
	index     *search.Index
	registry  *search.Registry
	validator *validate.Validator
	embedder  embedding.Engine // nil when the semantic section is disabled

	reviewThreshold float64
	highConfidence  float64
}

// New wires an extractor. embedder may be nil.
func New(st *store.Store, pc parser.Client, ix *search.Index, reg *search.Registry, v *validate.Validator, emb embedding.Engine, reviewThreshold, highConfidence float64) *Extractor {
	return &Extractor{
		store:           st,
		parser:          pc,
		index:           ix,
		registry:        reg,
		validator:       v,
		embedder:        emb,
		reviewThreshold: reviewThreshold,
		highConfidence:  highConfidence,
	}
}

// Run extracts, validates, stores, and indexes one document. The store write
// and the index write are ordered; an index failure surfaces as an error
// without rolling back the stored fields, since the index is rebuildable
// from the store.
func (e *Extractor) Run(ctx context.Context, docID int64) error {
	startTime := time.Now()

	doc, err := e.store.GetDocument(docID)
	if err != nil {
		return fmt.Errorf("load document %d: %w", docID, err)
	}
	if doc.TemplateID == nil {
		return fmt.Errorf("document %d has no template", docID)
	}
	if doc.ParseJobID == "" {
		return fmt.Errorf("document %d has no cached parse job", docID)
	}

	tpl, err := e.store.GetTemplate(*doc.TemplateID)
	if err != nil {
		return fmt.Errorf("load template %d: %w", *doc.TemplateID, err)
	}

	// The cached job id is the only legal source ref here. Re-uploading
	// bytes for an already parsed document is a bug, not a fallback.
	raw, err := e.parser.ExtractStructured(ctx, doc.JobRef(), tpl.Fields)
	if err != nil {
		return fmt.Errorf("structured extraction: %w", err)
	}

	fields, err := e.normalize(tpl, raw)
	if err != nil {
		return err
	}

	inputs := make(map[string]validate.Input, len(fields))
	for _, f := range fields {
		inputs[f.FieldName] = validate.Input{Value: f.Value, Confidence: f.Confidence}
	}
	results := e.validator.ValidateFields(tpl, inputs)

	for _, f := range fields {
		res := results[f.FieldName]
		f.ValidationStatus = res.Status
		f.ValidationErrors = res.Errors
		f.AuditPriority = types.ComputeAuditPriority(f.Confidence, f.ValidationStatus, e.reviewThreshold, e.highConfidence)
	}

	if err := e.store.UpsertExtractedFields(docID, fields); err != nil {
		return fmt.Errorf("store fields: %w", err)
	}

	if err := e.IndexDocument(ctx, doc, tpl, fields); err != nil {
		return fmt.Errorf("%w: document %d: %v", ErrIndexing, docID, err)
	}

	logging.Get(logging.CategoryExtract).Info("Extracted document %d: %d fields in %v", docID, len(fields), time.Since(startTime))
	return nil
}

// rawField is the parse service's per-field payload.
type rawField struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Page       *int            `json:"page,omitempty"`
	BBox       *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		W float64 `json:"w"`
		H float64 `json:"h"`
	} `json:"bbox,omitempty"`
}

// normalize turns the raw extraction payload into ExtractedFields, one per
// FieldSpec. Missing fields become null values at zero confidence.
func (e *Extractor) normalize(tpl *types.Template, raw map[string]json.RawMessage) ([]*types.ExtractedField, error) {
	fields := make([]*types.ExtractedField, 0, len(tpl.Fields))
	for i := range tpl.Fields {
		spec := &tpl.Fields[i]
		f := &types.ExtractedField{
			FieldName: spec.Name,
			FieldType: spec.Type,
			Value:     types.NullValue(),
		}

		if payload, ok := raw[spec.Name]; ok {
			var rf rawField
			if err := json.Unmarshal(payload, &rf); err != nil {
				return nil, fmt.Errorf("field %q: malformed extraction payload: %w", spec.Name, err)
			}
			value, err := decodeValue(spec.Type, rf.Value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", spec.Name, err)
			}
			f.Value = value
			f.Confidence = rf.Confidence
			f.SourcePage = rf.Page
			if rf.BBox != nil {
				f.SourceBBox = types.SanitizeBBox(&types.BoundingBox{X: rf.BBox.X, Y: rf.BBox.Y, W: rf.BBox.W, H: rf.BBox.H})
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// decodeValue maps a raw JSON value onto the tagged FieldValue variant.
func decodeValue(ftype types.FieldType, raw json.RawMessage) (types.FieldValue, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return types.NullValue(), nil
	}

	switch ftype {
	case types.FieldNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return types.NumberValue(trimJSONString(raw), n), nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return types.FieldValue{}, fmt.Errorf("cannot decode number: %s", raw)
		}
		n, perr := strconv.ParseFloat(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(s), "$"), ",", ""), 64)
		if perr != nil {
			// Keep the raw text; validation reports the type error.
			return types.ScalarValue(s), nil
		}
		return types.NumberValue(s, n), nil

	case types.FieldArray:
		var items []interface{}
		if err := json.Unmarshal(raw, &items); err != nil {
			return types.FieldValue{}, fmt.Errorf("cannot decode array: %s", raw)
		}
		strs := make([]string, len(items))
		for i, it := range items {
			strs[i] = stringify(it)
		}
		return types.ArrayValue(strs), nil

	case types.FieldTable:
		var tbl struct {
			Headers []string   `json:"headers"`
			Rows    [][]string `json:"rows"`
		}
		if err := json.Unmarshal(raw, &tbl); err != nil {
			return types.FieldValue{}, fmt.Errorf("cannot decode table: %s", raw)
		}
		return types.TableValue(tbl.Headers, tbl.Rows), nil

	case types.FieldArrayOfObjects:
		var objs []map[string]interface{}
		if err := json.Unmarshal(raw, &objs); err != nil {
			return types.FieldValue{}, fmt.Errorf("cannot decode object array: %s", raw)
		}
		flat := make([]map[string]string, len(objs))
		for i, obj := range objs {
			flat[i] = make(map[string]string, len(obj))
			for k, v := range obj {
				flat[i][k] = stringify(v)
			}
		}
		return types.ObjectsValue(flat), nil

	default:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return types.ScalarValue(s), nil
		}
		return types.ScalarValue(trimJSONString(raw)), nil
	}
}

func trimJSONString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// =============================================================================
// SEARCH PROJECTION
// =============================================================================

// IndexDocument projects a document and its stored fields into the search
// index. Safe to re-run: the projection is deterministic for a given store
// state.
func (e *Extractor) IndexDocument(ctx context.Context, doc *types.Document, tpl *types.Template, fields []*types.ExtractedField) error {
	sd := search.SearchDoc{
		DocumentID:     doc.ID,
		TemplateID:     tpl.ID,
		TemplateName:   tpl.Name,
		Filename:       doc.Filename,
		FieldValues:    make(map[string]string, len(fields)),
		NumericFields:  make(map[string]float64),
		DateFields:     make(map[string]time.Time),
		VerifiedFields: make(map[string]bool),
		CreatedAt:      doc.CreatedAt,
	}
	if doc.ParseResult != nil {
		sd.FullText = doc.ParseResult.FullText
	}

	for _, f := range fields {
		text := f.EffectiveText()
		if text == "" {
			continue
		}
		sd.FieldValues[f.FieldName] = text
		if f.Verified {
			sd.VerifiedFields[f.FieldName] = true
		}
		switch f.FieldType {
		case types.FieldNumber:
			if n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(text), "$"), ",", ""), 64); err == nil {
				sd.NumericFields[f.FieldName] = n
			}
		case types.FieldDate:
			if d, err := validate.ParseDate(text); err == nil {
				sd.DateFields[f.FieldName] = d
			}
		}
		sd.IdentifierFields, sd.PrimaryFields = e.classifyBands(sd.IdentifierFields, sd.PrimaryFields, f.FieldName)
	}
	// Deterministic band order keeps the projection byte-stable across
	// re-index runs regardless of field iteration order.
	sort.Strings(sd.IdentifierFields)
	sort.Strings(sd.PrimaryFields)

	if e.embedder != nil && sd.FullText != "" {
		vec, err := e.embedder.Embed(ctx, sd.FullText)
		if err != nil {
			// Semantic section is optional: log and index without a vector.
			logging.Get(logging.CategoryEmbedding).Warn("Embed failed for document %d, indexing without vector: %v", doc.ID, err)
		} else {
			sd.Vector = vec
		}
	}

	return e.index.IndexDocument(sd)
}

// classifyBands assigns a field to the identifier or primary keyword band
// via the canonical registry.
func (e *Extractor) classifyBands(identifiers, primaries []string, fieldName string) ([]string, []string) {
	if c, ok := e.registry.Resolve("identifier"); ok && canonicalMatches(c, fieldName) {
		return append(identifiers, fieldName), primaries
	}
	for _, name := range []string{"amount", "date", "entity_name"} {
		if c, ok := e.registry.Resolve(name); ok && canonicalMatches(c, fieldName) {
			return identifiers, append(primaries, fieldName)
		}
	}
	return identifiers, primaries
}

func canonicalMatches(c *search.Canonical, fieldName string) bool {
	fields := c.ExpandFields(map[string][]string{"": {fieldName}}, "")
	return len(fields) > 0
}

// ReindexFromStore rebuilds the search projection of one document from its
// stored state, used after verification updates and for reconciliation.
func (e *Extractor) ReindexFromStore(ctx context.Context, docID int64) error {
	doc, err := e.store.GetDocument(docID)
	if err != nil {
		return err
	}
	if doc.TemplateID == nil {
		return fmt.Errorf("document %d has no template", docID)
	}
	tpl, err := e.store.GetTemplate(*doc.TemplateID)
	if err != nil {
		return err
	}
	fields, err := e.store.GetFieldsByDocument(docID)
	if err != nil {
		return err
	}
	return e.IndexDocument(ctx, doc, tpl, fields)
}
