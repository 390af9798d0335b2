// Package compat decides whether an annotator's overlay may be stored on top
// of a canonical source document: same text modulo one trailing line break,
// same sentence and token offsets, then reconciliation of the text.
package compat

import (
	"annoremote/api/internal/document"
)

const snippetLength = 20

// ValidateText compares the normalized texts. Offsets are in characters.
func ValidateText(canonical, overlay string) error {
	expected := Normalize(canonical)
	actual := Normalize(overlay)
	if expected == actual {
		return nil
	}

	want := []rune(expected)
	got := []rune(actual)
	offset := 0
	for offset < len(want) && offset < len(got) && want[offset] == got[offset] {
		offset++
	}
	return &TextMismatchError{
		Offset:   offset,
		Expected: snippet(want, offset),
		Actual:   snippet(got, offset),
	}
}

func snippet(text []rune, offset int) string {
	end := offset + snippetLength
	if end > len(text) {
		end = len(text)
	}
	return string(text[offset:end])
}

// ValidateSpans checks that the overlay segmentation for kind has the same
// number of spans as the source and that each span has the same range, in
// the given order.
func ValidateSpans(kind document.Kind, canonical, overlay []document.Span) error {
	if len(canonical) != len(overlay) {
		return &CountMismatchError{Kind: kind, Expected: len(canonical), Actual: len(overlay)}
	}
	for i := range canonical {
		source, annotated := canonical[i], overlay[i]
		if source.Begin != annotated.Begin || source.End != annotated.End {
			return &OffsetMismatchError{
				Kind:          kind,
				Index:         i,
				ExpectedBegin: annotated.Begin,
				ExpectedEnd:   annotated.End,
				ActualBegin:   source.Begin,
				ActualEnd:     source.End,
			}
		}
	}
	return nil
}
