package compat

import (
	"errors"
	"fmt"

	"annoremote/api/internal/document"
)

var (
	// ErrIncompatible is matched by every text, count and offset mismatch.
	ErrIncompatible = errors.New("incompatible annotation document")
	// ErrConflict is returned by writers that refuse to store an overlay,
	// e.g. because the annotation document has been finished.
	ErrConflict = errors.New("annotation document conflict")
	// ErrUpstreamUnavailable wraps connectivity failures of collaborators.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUploadTooLarge is returned when an upload exceeds the spool limit.
	ErrUploadTooLarge = errors.New("upload too large")
	// ErrUndecodable is returned when the upload cannot be read as the
	// requested format.
	ErrUndecodable = errors.New("undecodable upload")
)

// TextMismatchError reports the first character offset at which the
// normalized texts differ, with up to 20 characters of context from each.
type TextMismatchError struct {
	Offset   int
	Expected string
	Actual   string
}

func (e *TextMismatchError) Error() string {
	return fmt.Sprintf("Text of annotation document does not match text of source document at offset [%d]. Expected [%s] but found [%s].",
		e.Offset, e.Expected, e.Actual)
}

func (e *TextMismatchError) Unwrap() error { return ErrIncompatible }

// CountMismatchError reports differing span counts. Expected is the source
// count, Actual the overlay count.
type CountMismatchError struct {
	Kind     document.Kind
	Expected int
	Actual   int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("Expected [%d] %s, but annotation document contains [%d] %s.",
		e.Expected, e.Kind.Plural(), e.Actual, e.Kind.Plural())
}

func (e *CountMismatchError) Unwrap() error { return ErrIncompatible }

// OffsetMismatchError reports the first span whose range differs. Expected
// carries the overlay range and Actual the source range; consumers of the
// message depend on this labeling.
type OffsetMismatchError struct {
	Kind          document.Kind
	Index         int
	ExpectedBegin int
	ExpectedEnd   int
	ActualBegin   int
	ActualEnd     int
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("Expected %s [%d] to have range [%d-%d], but instead found range [%d-%d] in annotation document.",
		e.Kind.ShortName(), e.Index, e.ExpectedBegin, e.ExpectedEnd, e.ActualBegin, e.ActualEnd)
}

func (e *OffsetMismatchError) Unwrap() error { return ErrIncompatible }

// RejectedError is returned by the pipeline for every failed invocation.
// Reached is the last stage that completed.
type RejectedError struct {
	Reached Stage
	Err     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("overlay rejected after %s: %v", e.Reached, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }
