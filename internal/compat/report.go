package compat

import "errors"

type ReportKind string

const (
	ReportTextMismatch   ReportKind = "TextMismatch"
	ReportCountMismatch  ReportKind = "CountMismatch"
	ReportOffsetMismatch ReportKind = "OffsetMismatch"
)

// Report is the caller-facing summary of a compatibility check. Fields holds
// the structured detail of the mismatch.
type Report struct {
	Matched bool           `json:"matched"`
	Kind    ReportKind     `json:"kind,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ReportFor summarizes err. A nil error is a match. The boolean is false for
// errors that are not compatibility mismatches.
func ReportFor(err error) (Report, bool) {
	if err == nil {
		return Report{Matched: true}, true
	}

	var (
		text   *TextMismatchError
		count  *CountMismatchError
		offset *OffsetMismatchError
	)
	switch {
	case errors.As(err, &text):
		return Report{
			Kind:   ReportTextMismatch,
			Detail: text.Error(),
			Fields: map[string]any{
				"offset":   text.Offset,
				"expected": text.Expected,
				"actual":   text.Actual,
			},
		}, true
	case errors.As(err, &count):
		return Report{
			Kind:   ReportCountMismatch,
			Detail: count.Error(),
			Fields: map[string]any{
				"kind":     string(count.Kind),
				"expected": count.Expected,
				"actual":   count.Actual,
			},
		}, true
	case errors.As(err, &offset):
		return Report{
			Kind:   ReportOffsetMismatch,
			Detail: offset.Error(),
			Fields: map[string]any{
				"kind":          string(offset.Kind),
				"index":         offset.Index,
				"expectedBegin": offset.ExpectedBegin,
				"expectedEnd":   offset.ExpectedEnd,
				"actualBegin":   offset.ActualBegin,
				"actualEnd":     offset.ActualEnd,
			},
		}, true
	default:
		return Report{}, false
	}
}
