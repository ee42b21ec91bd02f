package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// FIELD VALUES (tagged variant)
// =============================================================================

// FieldValueKind tags the shape carried by a FieldValue.
type FieldValueKind string

const (
	ValueNull           FieldValueKind = "null"
	ValueScalar         FieldValueKind = "scalar"
	ValueNumber         FieldValueKind = "number"
	ValueArray          FieldValueKind = "array"
	ValueTable          FieldValueKind = "table"
	ValueArrayOfObjects FieldValueKind = "array_of_objects"
)

// FieldValue is the tagged variant holding one extracted value. Scalar and
// number values round-trip through the Scalar field; structured values
// (array, table, array_of_objects) use the dedicated fields and serialize
// to JSON in storage.
type FieldValue struct {
	Kind    FieldValueKind      `json:"kind"`
	Scalar  string              `json:"scalar,omitempty"`
	Number  float64             `json:"number,omitempty"`
	Array   []string            `json:"array,omitempty"`
	Headers []string            `json:"headers,omitempty"`
	Rows    [][]string          `json:"rows,omitempty"`
	Objects []map[string]string `json:"objects,omitempty"`
}

// NullValue returns the null variant.
func NullValue() FieldValue { return FieldValue{Kind: ValueNull} }

// ScalarValue wraps a plain string value.
func ScalarValue(s string) FieldValue { return FieldValue{Kind: ValueScalar, Scalar: s} }

// NumberValue wraps a numeric value, keeping the original text form.
func NumberValue(raw string, n float64) FieldValue {
	return FieldValue{Kind: ValueNumber, Scalar: raw, Number: n}
}

// ArrayValue wraps a list of scalar elements.
func ArrayValue(elems []string) FieldValue { return FieldValue{Kind: ValueArray, Array: elems} }

// TableValue wraps tabular data with a header row.
func TableValue(headers []string, rows [][]string) FieldValue {
	return FieldValue{Kind: ValueTable, Headers: headers, Rows: rows}
}

// ObjectsValue wraps an array of flat objects.
func ObjectsValue(objs []map[string]string) FieldValue {
	return FieldValue{Kind: ValueArrayOfObjects, Objects: objs}
}

// IsNull reports whether the variant carries no value.
func (v FieldValue) IsNull() bool { return v.Kind == ValueNull || v.Kind == "" }

// IsStructured reports whether the value serializes as JSON in storage.
func (v FieldValue) IsStructured() bool {
	switch v.Kind {
	case ValueArray, ValueTable, ValueArrayOfObjects:
		return true
	}
	return false
}

// Text returns the human-readable form of the value for indexing and
// answer prompts.
func (v FieldValue) Text() string {
	switch v.Kind {
	case ValueScalar, ValueNumber:
		return v.Scalar
	case ValueArray:
		out := ""
		for i, e := range v.Array {
			if i > 0 {
				out += ", "
			}
			out += e
		}
		return out
	case ValueTable:
		b, _ := json.Marshal(map[string]interface{}{"headers": v.Headers, "rows": v.Rows})
		return string(b)
	case ValueArrayOfObjects:
		b, _ := json.Marshal(v.Objects)
		return string(b)
	}
	return ""
}

// MarshalStorage splits the value into the (field_value, field_value_json)
// column pair: structured kinds populate only the JSON column, scalar kinds
// only the text column.
func (v FieldValue) MarshalStorage() (scalar *string, structured *string, err error) {
	if v.IsNull() {
		return nil, nil, nil
	}
	if v.IsStructured() {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal structured field value: %w", err)
		}
		s := string(b)
		return nil, &s, nil
	}
	s := v.Scalar
	return &s, nil, nil
}

// UnmarshalStorage reconstructs a FieldValue from the column pair.
func UnmarshalStorage(fieldType FieldType, scalar, structured *string) (FieldValue, error) {
	if structured != nil {
		var v FieldValue
		if err := json.Unmarshal([]byte(*structured), &v); err != nil {
			return NullValue(), fmt.Errorf("unmarshal structured field value: %w", err)
		}
		return v, nil
	}
	if scalar == nil {
		return NullValue(), nil
	}
	if fieldType == FieldNumber {
		var n float64
		if _, err := fmt.Sscanf(*scalar, "%g", &n); err == nil {
			return NumberValue(*scalar, n), nil
		}
	}
	return ScalarValue(*scalar), nil
}

// =============================================================================
// BOUNDING BOXES
// =============================================================================

// BoundingBox locates a value on a page: x, y, width, height in page units.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// maxBBoxCoord is the sanity ceiling for any bbox coordinate.
const maxBBoxCoord = 10000

// Valid reports whether the box passes index-time sanitation: coordinates
// within [0, 10000] and strictly positive width and height.
func (b *BoundingBox) Valid() bool {
	if b == nil {
		return false
	}
	if b.X < 0 || b.Y < 0 || b.X > maxBBoxCoord || b.Y > maxBBoxCoord {
		return false
	}
	if b.W <= 0 || b.H <= 0 || b.W > maxBBoxCoord || b.H > maxBBoxCoord {
		return false
	}
	return true
}

// SanitizeBBox replaces invalid boxes with nil.
func SanitizeBBox(b *BoundingBox) *BoundingBox {
	if b.Valid() {
		return b
	}
	return nil
}

// =============================================================================
// EXTRACTED FIELDS AND AUDIT PRIORITY
// =============================================================================

// ValidationStatus is the validator's verdict for one field.
type ValidationStatus string

const (
	ValidationValid     ValidationStatus = "valid"
	ValidationWarning   ValidationStatus = "warning"
	ValidationError     ValidationStatus = "error"
	ValidationUnchecked ValidationStatus = "unchecked"
)

// AuditPriority orders the human review queue. Lower is more urgent.
type AuditPriority int

const (
	PriorityCritical AuditPriority = 0
	PriorityHigh     AuditPriority = 1
	PriorityMedium   AuditPriority = 2
	PriorityLow      AuditPriority = 3
)

// ComputeAuditPriority derives the queue priority from extraction confidence
// and the validation verdict. Pure function: the stored priority must always
// equal this computation for the thresholds in effect. Confidence exactly
// equal to reviewThreshold does NOT count as needing review (strict <).
func ComputeAuditPriority(confidence float64, status ValidationStatus, reviewThreshold, highConfidence float64) AuditPriority {
	needsReview := confidence < reviewThreshold
	switch {
	case needsReview && status == ValidationError:
		return PriorityCritical
	case needsReview:
		return PriorityHigh
	case status == ValidationError:
		return PriorityHigh
	case status == ValidationWarning:
		return PriorityMedium
	case confidence >= highConfidence && status == ValidationValid:
		return PriorityLow
	default:
		// Confident enough to skip review but not high-confidence valid:
		// still low urgency, the queue filters on priority <= medium.
		return PriorityLow
	}
}

// ExtractedField is one value extracted from one document for one FieldSpec.
type ExtractedField struct {
	ID               int64
	DocumentID       int64
	FieldName        string
	FieldType        FieldType
	Value            FieldValue
	Confidence       float64
	SourcePage       *int
	SourceBBox       *BoundingBox
	ValidationStatus ValidationStatus
	ValidationErrors []string
	AuditPriority    AuditPriority
	Verified         bool
	VerifiedValue    string
	VerifiedAt       *time.Time
	CitationCount    int
	LastCitedAt      *time.Time
	CreatedAt        time.Time
}

// EffectiveText returns the verified value when present, the extracted
// value otherwise. Answer generation and indexing both read through this.
func (f *ExtractedField) EffectiveText() string {
	if f.Verified && f.VerifiedValue != "" {
		return f.VerifiedValue
	}
	return f.Value.Text()
}

// =============================================================================
// VERIFICATIONS
// =============================================================================

// VerifyAction is the outcome of one human review.
type VerifyAction string

const (
	VerifyCorrect   VerifyAction = "correct"
	VerifyIncorrect VerifyAction = "incorrect"
	VerifyNotFound  VerifyAction = "not_found"
)

// Verification is an append-only record of a human review outcome.
type Verification struct {
	ID             int64
	FieldID        int64
	Action         VerifyAction
	CorrectedValue string
	Notes          string
	ReviewerID     string
	VerifiedAt     time.Time
}
