// Package document holds the canonical source document and the annotator
// overlay types shared by the codecs, the compatibility pipeline and the stores.
package document

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Kind labels the linguistic unit a span sequence segments.
type Kind string

const (
	KindSentence Kind = "sentence"
	KindToken    Kind = "token"
)

// Plural is used in count messages ("sentences", "tokens").
func (k Kind) Plural() string {
	return string(k) + "s"
}

// ShortName is the type name used in offset messages ("Sentence", "Token").
func (k Kind) ShortName() string {
	switch k {
	case KindSentence:
		return "Sentence"
	case KindToken:
		return "Token"
	default:
		return string(k)
	}
}

// Span is a half-open character range [Begin, End).
type Span struct {
	Begin int `json:"begin"`
	End   int `json:"end"`
}

func (s Span) String() string {
	return fmt.Sprintf("[%d-%d]", s.Begin, s.End)
}

// Annotation is a labelled span on a layer other than the segmentation,
// e.g. a named entity or a part-of-speech tag.
type Annotation struct {
	Layer string `json:"layer"`
	Label string `json:"label,omitempty"`
	Span
}

// Canonical is the source document as uploaded to a project. Its text and
// segmentation are never changed after creation.
type Canonical struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Format    string `json:"format"`
	Text      string `json:"text"`
	Sentences []Span `json:"sentences"`
	Tokens    []Span `json:"tokens"`
}

// Spans returns the canonical segmentation for kind.
func (c Canonical) Spans(kind Kind) []Span {
	switch kind {
	case KindSentence:
		return c.Sentences
	case KindToken:
		return c.Tokens
	default:
		return nil
	}
}

// Overlay is an annotator-submitted annotation document layered on a
// canonical text. The text can only be replaced through Reconcile.
type Overlay struct {
	text         string
	DocumentSpan Span
	Sentences    []Span
	Tokens       []Span
	Annotations  []Annotation
}

// NewOverlay builds an overlay whose document span covers all of text.
func NewOverlay(text string, sentences, tokens []Span, annotations []Annotation) *Overlay {
	return &Overlay{
		text:         text,
		DocumentSpan: Span{Begin: 0, End: utf8.RuneCountInString(text)},
		Sentences:    sentences,
		Tokens:       tokens,
		Annotations:  annotations,
	}
}

// Text returns the overlay's base text.
func (o *Overlay) Text() string {
	return o.text
}

// Spans returns the overlay segmentation for kind.
func (o *Overlay) Spans(kind Kind) []Span {
	switch kind {
	case KindSentence:
		return o.Sentences
	case KindToken:
		return o.Tokens
	default:
		return nil
	}
}

// Reconcile replaces the overlay text with the canonical text and stretches
// the document span to its length. It is applied unconditionally once the
// overlay has been found compatible, so stored overlays are always
// byte-identical to their source text.
func (o *Overlay) Reconcile(canonicalText string) {
	o.text = canonicalText
	o.DocumentSpan.End = utf8.RuneCountInString(canonicalText)
}

// Canonical turns a decoded source upload into a canonical document.
func (o *Overlay) Canonical(id, projectID, name, format string) Canonical {
	return Canonical{
		ID:        id,
		ProjectID: projectID,
		Name:      name,
		Format:    format,
		Text:      o.text,
		Sentences: cloneSpans(o.Sentences),
		Tokens:    cloneSpans(o.Tokens),
	}
}

// FromCanonical builds an overlay carrying only the source segmentation.
func FromCanonical(doc Canonical) *Overlay {
	return NewOverlay(doc.Text, cloneSpans(doc.Sentences), cloneSpans(doc.Tokens), nil)
}

type overlayJSON struct {
	Text         string       `json:"text"`
	DocumentSpan *Span        `json:"documentSpan,omitempty"`
	Sentences    []Span       `json:"sentences"`
	Tokens       []Span       `json:"tokens"`
	Annotations  []Annotation `json:"annotations,omitempty"`
}

func (o *Overlay) MarshalJSON() ([]byte, error) {
	span := o.DocumentSpan
	return json.Marshal(overlayJSON{
		Text:         o.text,
		DocumentSpan: &span,
		Sentences:    nonNilSpans(o.Sentences),
		Tokens:       nonNilSpans(o.Tokens),
		Annotations:  o.Annotations,
	})
}

func (o *Overlay) UnmarshalJSON(data []byte) error {
	var raw overlayJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := NewOverlay(raw.Text, raw.Sentences, raw.Tokens, raw.Annotations)
	if raw.DocumentSpan != nil {
		decoded.DocumentSpan = *raw.DocumentSpan
	}
	*o = *decoded
	return nil
}

func cloneSpans(spans []Span) []Span {
	if spans == nil {
		return nil
	}
	out := make([]Span, len(spans))
	copy(out, spans)
	return out
}

func nonNilSpans(spans []Span) []Span {
	if spans == nil {
		return []Span{}
	}
	return spans
}
