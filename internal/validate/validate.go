// Package validate enforces schema types and per-kind business rules on
// extracted field maps, producing a validation status per field with
// confidence-adjusted severity.
package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"docsense/internal/logging"
	"docsense/internal/types"
)

// Rule bounds, shared across template kinds.
const (
	// monetaryCap is the sanity ceiling on any monetary value.
	monetaryCap = 100_000_000.0

	// Dates may sit this far into the future / past before a rule fires.
	maxFutureDays = 30
	maxPastYears  = 10

	// subtotal + tax must match total within this relative tolerance.
	totalTolerance = 0.01
)

// Severity is the base weight of a failed rule before confidence adjustment.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// Result is the validation outcome of one field.
type Result struct {
	Status types.ValidationStatus
	Errors []string
}

// Validator checks extracted values against their FieldSpecs and the
// template kind's business rules.
type Validator struct {
	reviewThreshold float64
	highConfidence  float64
	now             func() time.Time
}

// New creates a validator with the given thresholds.
func New(reviewThreshold, highConfidence float64) *Validator {
	return &Validator{
		reviewThreshold: reviewThreshold,
		highConfidence:  highConfidence,
		now:             time.Now,
	}
}

// WithClock fixes the validator's notion of "now" for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Input is one extracted value with its confidence.
type Input struct {
	Value      types.FieldValue
	Confidence float64
}

// ValidateFields checks every FieldSpec of the template against the
// extracted map and returns a Result per field name.
func (v *Validator) ValidateFields(tpl *types.Template, fields map[string]Input) map[string]Result {
	out := make(map[string]Result, len(tpl.Fields))
	for i := range tpl.Fields {
		spec := &tpl.Fields[i]
		in, ok := fields[spec.Name]
		if !ok {
			in = Input{Value: types.NullValue()}
		}
		out[spec.Name] = v.validateField(tpl, spec, in, fields)
	}
	return out
}

type issue struct {
	severity Severity
	business bool // business rules get confidence-adjusted severity
	msg      string
}

func (v *Validator) validateField(tpl *types.Template, spec *types.FieldSpec, in Input, all map[string]Input) Result {
	var issues []issue

	if in.Value.Kind == types.ValueNull {
		if spec.Required {
			issues = append(issues, issue{severity: SeverityError, msg: fmt.Sprintf("required field %q is missing", spec.Name)})
		}
		return v.finish(spec.Name, in.Confidence, issues)
	}

	issues = append(issues, v.checkType(spec, in.Value)...)
	issues = append(issues, v.checkBusinessRules(tpl, spec, in, all)...)
	return v.finish(spec.Name, in.Confidence, issues)
}

// finish folds issues into a status, applying the confidence adjustment to
// business-rule failures: a confident extractor hitting a failed rule is
// almost certainly a real problem, a hesitant one may just be guessing.
func (v *Validator) finish(name string, confidence float64, issues []issue) Result {
	if len(issues) == 0 {
		return Result{Status: types.ValidationValid}
	}

	res := Result{Status: types.ValidationValid}
	for _, is := range issues {
		sev := is.severity
		if is.business {
			if confidence >= v.highConfidence {
				sev = SeverityError
			} else if confidence < v.reviewThreshold {
				sev = SeverityWarning
			}
		}
		if sev == SeverityError {
			res.Status = types.ValidationError
		} else if res.Status != types.ValidationError {
			res.Status = types.ValidationWarning
		}
		res.Errors = append(res.Errors, is.msg)
	}
	logging.Get(logging.CategoryValidate).Debug("Field %q: status=%s issues=%d", name, res.Status, len(res.Errors))
	return res
}

// =============================================================================
// TYPE CHECKS
// =============================================================================

func (v *Validator) checkType(spec *types.FieldSpec, val types.FieldValue) []issue {
	var issues []issue
	fail := func(format string, args ...interface{}) {
		issues = append(issues, issue{severity: SeverityError, msg: fmt.Sprintf(format, args...)})
	}

	switch spec.Type {
	case types.FieldNumber:
		if _, err := parseNumber(val.Text()); err != nil {
			fail("field %q: %q is not a number", spec.Name, val.Text())
		}
	case types.FieldDate:
		if _, err := ParseDate(val.Text()); err != nil {
			fail("field %q: %q is not a recognized date", spec.Name, val.Text())
		}
	case types.FieldBoolean:
		switch strings.ToLower(strings.TrimSpace(val.Text())) {
		case "true", "false", "yes", "no":
		default:
			fail("field %q: %q is not a boolean", spec.Name, val.Text())
		}
	case types.FieldArray, types.FieldArrayOfObjects:
		if !val.IsStructured() {
			fail("field %q: expected structured %s value", spec.Name, spec.Type)
		}
	case types.FieldTable:
		if val.Kind != types.ValueTable {
			fail("field %q: expected table value", spec.Name)
			break
		}
		cols := len(val.Headers)
		for i, row := range val.Rows {
			if len(row) != cols {
				fail("field %q: row %d has %d columns, header has %d", spec.Name, i, len(row), cols)
				break
			}
		}
	}
	return issues
}

// =============================================================================
// BUSINESS RULES
// =============================================================================

func (v *Validator) checkBusinessRules(tpl *types.Template, spec *types.FieldSpec, in Input, all map[string]Input) []issue {
	var issues []issue
	business := func(sev Severity, format string, args ...interface{}) {
		issues = append(issues, issue{severity: sev, business: true, msg: fmt.Sprintf(format, args...)})
	}

	if spec.Type == types.FieldNumber && isMonetaryField(spec.Name) {
		if n, err := parseNumber(in.Value.Text()); err == nil {
			if n <= 0 {
				business(SeverityError, "field %q: monetary value %s must be positive", spec.Name, in.Value.Text())
			} else if n > monetaryCap {
				business(SeverityError, "field %q: monetary value %s exceeds sanity cap", spec.Name, in.Value.Text())
			}
		}
	}

	if spec.Type == types.FieldDate {
		if d, err := ParseDate(in.Value.Text()); err == nil {
			now := v.now()
			if d.After(now.AddDate(0, 0, maxFutureDays)) {
				business(SeverityWarning, "field %q: date %s is more than %d days in the future", spec.Name, in.Value.Text(), maxFutureDays)
			}
			if d.Before(now.AddDate(-maxPastYears, 0, 0)) {
				business(SeverityWarning, "field %q: date %s is more than %d years in the past", spec.Name, in.Value.Text(), maxPastYears)
			}
		}
	}

	issues = append(issues, v.crossFieldRules(tpl, spec, in, all)...)
	return issues
}

// crossFieldRules fires only on the field that anchors the rule so one
// violation is reported once.
func (v *Validator) crossFieldRules(tpl *types.Template, spec *types.FieldSpec, in Input, all map[string]Input) []issue {
	var issues []issue
	business := func(format string, args ...interface{}) {
		issues = append(issues, issue{severity: SeverityError, business: true, msg: fmt.Sprintf(format, args...)})
	}

	// effective/start date must not be after the end date.
	if spec.Type == types.FieldDate && isStartDateField(spec.Name) {
		start, err := ParseDate(in.Value.Text())
		if err == nil {
			for name, other := range all {
				if !isEndDateField(name) || other.Value.Kind == types.ValueNull {
					continue
				}
				if end, err := ParseDate(other.Value.Text()); err == nil && start.After(end) {
					business("field %q (%s) is after %q (%s)", spec.Name, in.Value.Text(), name, other.Value.Text())
				}
			}
		}
	}

	// subtotal + tax must reconcile with the total, anchored on the total.
	if (tpl.Kind == types.KindInvoice || tpl.Kind == types.KindReceipt || tpl.Kind == types.KindPurchaseOrder) &&
		spec.Type == types.FieldNumber && isTotalField(spec.Name) {
		total, err := parseNumber(in.Value.Text())
		if err == nil {
			subtotal, okSub := findNumber(all, isSubtotalField)
			tax, okTax := findNumber(all, isTaxField)
			if okSub && okTax {
				expected := subtotal + tax
				if math.Abs(expected-total) > math.Max(0.01, totalTolerance*math.Abs(expected)) {
					business("field %q: subtotal %.2f + tax %.2f does not reconcile with total %.2f", spec.Name, subtotal, tax, total)
				}
			}
		}
	}

	return issues
}

func findNumber(all map[string]Input, match func(string) bool) (float64, bool) {
	for name, in := range all {
		if match(name) && in.Value.Kind != types.ValueNull {
			if n, err := parseNumber(in.Value.Text()); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// =============================================================================
// FIELD CLASSIFICATION AND PARSING
// =============================================================================

func isMonetaryField(name string) bool {
	return containsAny(name, "amount", "total", "price", "cost", "value", "subtotal", "tax", "fee")
}

func isTotalField(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "total") && !strings.Contains(lower, "subtotal")
}

func isSubtotalField(name string) bool { return containsAny(name, "subtotal", "sub_total") }
func isTaxField(name string) bool      { return containsAny(name, "tax", "vat", "gst") }

func isStartDateField(name string) bool {
	return containsAny(name, "start_date", "effective_date", "begin_date", "issue_date")
}

func isEndDateField(name string) bool {
	return containsAny(name, "end_date", "expiry_date", "expiration_date", "termination_date")
}

func containsAny(name string, subs ...string) bool {
	lower := strings.ToLower(name)
	for _, s := range subs {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// parseNumber accepts plain floats plus common monetary formatting
// ("$2,100.00", "-500.00").
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "€")
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"01/02/2006",
	"2006/01/02",
}

// ParseDate parses ISO-8601 and the common named formats extractors emit.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}
