package types

import (
	"testing"
)

func TestComputeAuditPriority(t *testing.T) {
	const review = 0.60
	const high = 0.85

	tests := []struct {
		name       string
		confidence float64
		status     ValidationStatus
		want       AuditPriority
	}{
		{"LowConfidenceError", 0.30, ValidationError, PriorityCritical},
		{"LowConfidenceValid", 0.30, ValidationValid, PriorityHigh},
		{"LowConfidenceWarning", 0.59, ValidationWarning, PriorityHigh},
		{"ConfidentError", 0.92, ValidationError, PriorityHigh},
		{"ConfidentWarning", 0.75, ValidationWarning, PriorityMedium},
		{"HighConfidenceValid", 0.90, ValidationValid, PriorityLow},
		{"MidConfidenceValid", 0.70, ValidationValid, PriorityLow},
		// Boundary: confidence exactly at the review threshold is NOT
		// below it, so no review is needed.
		{"ExactlyAtThresholdValid", 0.60, ValidationValid, PriorityLow},
		{"ExactlyAtThresholdError", 0.60, ValidationError, PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeAuditPriority(tt.confidence, tt.status, review, high)
			if got != tt.want {
				t.Errorf("ComputeAuditPriority(%v, %s) = %d, want %d", tt.confidence, tt.status, got, tt.want)
			}
		})
	}
}

func TestComputeAuditPriorityPurity(t *testing.T) {
	// The priority must be a pure function of its inputs across threshold
	// configurations: same inputs, same output, every time.
	thresholds := []float64{0.5, 0.6, 0.7}
	confidences := []float64{0.0, 0.3, 0.5, 0.6, 0.7, 0.85, 1.0}
	statuses := []ValidationStatus{ValidationValid, ValidationWarning, ValidationError}

	for _, th := range thresholds {
		for _, c := range confidences {
			for _, s := range statuses {
				first := ComputeAuditPriority(c, s, th, 0.85)
				for i := 0; i < 3; i++ {
					if got := ComputeAuditPriority(c, s, th, 0.85); got != first {
						t.Fatalf("priority not pure for (%v, %s, %v): %d then %d", c, s, th, first, got)
					}
				}
				if first < PriorityCritical || first > PriorityLow {
					t.Fatalf("priority out of range for (%v, %s, %v): %d", c, s, th, first)
				}
			}
		}
	}
}

func TestFieldValueStorageRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		ftype FieldType
		value FieldValue
	}{
		{"Scalar", FieldText, ScalarValue("Pinecone Systems, Inc.")},
		{"Number", FieldNumber, NumberValue("1234.56", 1234.56)},
		{"Array", FieldArray, ArrayValue([]string{"a", "b", "c"})},
		{"Table", FieldTable, TableValue([]string{"item", "qty"}, [][]string{{"widget", "2"}})},
		{"Objects", FieldArrayOfObjects, ObjectsValue([]map[string]string{{"name": "x"}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scalar, structured, err := tt.value.MarshalStorage()
			if err != nil {
				t.Fatalf("MarshalStorage: %v", err)
			}

			// Invariant: structured kinds populate only the JSON column.
			if tt.value.IsStructured() {
				if scalar != nil || structured == nil {
					t.Fatalf("structured value stored wrong: scalar=%v structured=%v", scalar, structured)
				}
			} else {
				if scalar == nil || structured != nil {
					t.Fatalf("scalar value stored wrong: scalar=%v structured=%v", scalar, structured)
				}
			}

			got, err := UnmarshalStorage(tt.ftype, scalar, structured)
			if err != nil {
				t.Fatalf("UnmarshalStorage: %v", err)
			}
			if got.Text() != tt.value.Text() {
				t.Errorf("round trip text = %q, want %q", got.Text(), tt.value.Text())
			}
		})
	}
}

func TestBoundingBoxSanitize(t *testing.T) {
	tests := []struct {
		name string
		box  *BoundingBox
		keep bool
	}{
		{"Valid", &BoundingBox{X: 10, Y: 20, W: 100, H: 30}, true},
		{"ZeroWidth", &BoundingBox{X: 10, Y: 20, W: 0, H: 30}, false},
		{"NegativeHeight", &BoundingBox{X: 10, Y: 20, W: 100, H: -1}, false},
		{"HugeCoordinate", &BoundingBox{X: 10001, Y: 20, W: 100, H: 30}, false},
		{"NegativeOrigin", &BoundingBox{X: -5, Y: 20, W: 100, H: 30}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeBBox(tt.box)
			if tt.keep && got == nil {
				t.Error("valid bbox was dropped")
			}
			if !tt.keep && got != nil {
				t.Error("invalid bbox survived sanitation")
			}
		})
	}
}

func TestDocumentTransitions(t *testing.T) {
	tests := []struct {
		from, to DocumentStatus
		ok       bool
	}{
		{StatusUploaded, StatusAnalyzing, true},
		{StatusAnalyzing, StatusTemplateMatched, true},
		{StatusAnalyzing, StatusTemplateNeeded, true},
		{StatusTemplateMatched, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusError, true},
		{StatusError, StatusAnalyzing, true},
		{StatusCompleted, StatusProcessing, false},
		{StatusUploaded, StatusCompleted, false},
		{StatusCompleted, StatusError, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTemplateSignature(t *testing.T) {
	tpl := &Template{
		ID:   7,
		Name: "Invoice",
		Kind: KindInvoice,
		Fields: []FieldSpec{
			{Name: "vendor_name", Type: FieldText},
			{Name: "invoice_total", Type: FieldNumber},
			{Name: "invoice_date", Type: FieldDate},
		},
		SignatureVersion: 3,
		SampleText:       "INVOICE #1001",
	}

	sig := tpl.Signature()
	if sig.TemplateID != 7 || sig.Version != 3 {
		t.Errorf("signature identity wrong: %+v", sig)
	}
	// Field names are sorted so the fingerprint is stable across edits
	// that only reorder fields.
	if sig.FieldText != "invoice_date invoice_total vendor_name" {
		t.Errorf("FieldText = %q", sig.FieldText)
	}
}
