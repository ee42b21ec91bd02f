package types

import (
	"sort"
	"strings"
	"time"
)

// =============================================================================
// TEMPLATES AND FIELD SPECS
// =============================================================================

// FieldType enumerates the declared type of a template field.
type FieldType string

const (
	FieldText           FieldType = "text"
	FieldNumber         FieldType = "number"
	FieldDate           FieldType = "date"
	FieldBoolean        FieldType = "boolean"
	FieldArray          FieldType = "array"
	FieldTable          FieldType = "table"
	FieldArrayOfObjects FieldType = "array_of_objects"
)

// IsStructured reports whether values of this type are stored as JSON
// rather than a scalar string.
func (t FieldType) IsStructured() bool {
	switch t {
	case FieldArray, FieldTable, FieldArrayOfObjects:
		return true
	}
	return false
}

// TemplateKind discriminates the business-rule set applied by the validator.
type TemplateKind string

const (
	KindInvoice       TemplateKind = "invoice"
	KindReceipt       TemplateKind = "receipt"
	KindContract      TemplateKind = "contract"
	KindPurchaseOrder TemplateKind = "purchase_order"
	KindGeneric       TemplateKind = "generic"
)

// FieldSpec declares one extractable field of a template.
type FieldSpec struct {
	Name                string    `json:"name"`
	Type                FieldType `json:"type"`
	Required            bool      `json:"required"`
	Description         string    `json:"description,omitempty"`
	ExtractionHints     []string  `json:"extraction_hints,omitempty"`
	ConfidenceThreshold float64   `json:"confidence_threshold,omitempty"` // per-field override, 0 = use global
}

// Template is a named collection of FieldSpecs. Field names are unique
// within a template. Every edit bumps SignatureVersion, which triggers a
// re-index of the template's signature document.
type Template struct {
	ID               int64
	Name             string
	Kind             TemplateKind
	Fields           []FieldSpec
	SignatureVersion int64
	SampleText       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FieldNames returns the field names in declaration order.
func (t *Template) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the spec with the given name, or nil.
func (t *Template) Field(name string) *FieldSpec {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// Signature returns the template fingerprint indexed for MoreLikeThis
// matching: the space-joined sorted field names plus optional sample text.
func (t *Template) Signature() SignatureDoc {
	names := t.FieldNames()
	sort.Strings(names)
	return SignatureDoc{
		TemplateID:   t.ID,
		TemplateName: t.Name,
		FieldNames:   names,
		FieldText:    strings.Join(names, " "),
		SampleText:   t.SampleText,
		Version:      t.SignatureVersion,
	}
}

// SignatureDoc is the per-template fingerprint held by the signature index.
type SignatureDoc struct {
	TemplateID   int64
	TemplateName string
	FieldNames   []string
	FieldText    string
	SampleText   string
	Version      int64
}
