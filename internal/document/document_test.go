package document

import (
	"encoding/json"
	"testing"
)

func TestReconcileAlwaysAdoptsCanonicalText(t *testing.T) {
	cases := []struct {
		name      string
		overlay   string
		canonical string
		wantEnd   int
	}{
		{name: "trailing newline restored", overlay: "The cat sat.", canonical: "The cat sat.\n", wantEnd: 13},
		{name: "already equal", overlay: "The cat sat.", canonical: "The cat sat.", wantEnd: 12},
		{name: "multibyte characters", overlay: "Grüße", canonical: "Grüße\r\n", wantEnd: 7},
		{name: "empty", overlay: "", canonical: "", wantEnd: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ov := NewOverlay(tc.overlay, nil, nil, nil)
			ov.Reconcile(tc.canonical)
			if ov.Text() != tc.canonical {
				t.Fatalf("Text() = %q, want %q", ov.Text(), tc.canonical)
			}
			if ov.DocumentSpan.End != tc.wantEnd {
				t.Fatalf("DocumentSpan.End = %d, want %d", ov.DocumentSpan.End, tc.wantEnd)
			}

			ov.Reconcile(tc.canonical)
			if ov.Text() != tc.canonical || ov.DocumentSpan.End != tc.wantEnd {
				t.Fatalf("second Reconcile changed overlay: %q %v", ov.Text(), ov.DocumentSpan)
			}
		})
	}
}

func TestNewOverlayDocumentSpanCountsCharacters(t *testing.T) {
	ov := NewOverlay("naïve", nil, nil, nil)
	if ov.DocumentSpan != (Span{Begin: 0, End: 5}) {
		t.Fatalf("DocumentSpan = %v, want [0-5]", ov.DocumentSpan)
	}
}

func TestOverlayJSONKeepsDocumentSpan(t *testing.T) {
	ov := NewOverlay("The cat sat.", []Span{{0, 12}}, []Span{{0, 3}, {4, 7}, {8, 11}, {11, 12}}, []Annotation{
		{Layer: "NamedEntity", Label: "ANIMAL", Span: Span{Begin: 4, End: 7}},
	})
	ov.DocumentSpan.End = 13

	payload, err := json.Marshal(ov)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Overlay
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Text() != "The cat sat." {
		t.Fatalf("unexpected text %q", decoded.Text())
	}
	if decoded.DocumentSpan.End != 13 {
		t.Fatalf("DocumentSpan.End = %d, want 13", decoded.DocumentSpan.End)
	}
	if len(decoded.Tokens) != 4 || len(decoded.Annotations) != 1 || decoded.Annotations[0].Label != "ANIMAL" {
		t.Fatalf("unexpected decoded overlay: %+v", decoded)
	}
}

func TestOverlayJSONDefaultsDocumentSpan(t *testing.T) {
	var decoded Overlay
	if err := json.Unmarshal([]byte(`{"text":"abc","sentences":[],"tokens":[]}`), &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.DocumentSpan.End != 3 {
		t.Fatalf("DocumentSpan.End = %d, want 3", decoded.DocumentSpan.End)
	}
}

func TestDigestTracksContent(t *testing.T) {
	a := NewOverlay("abc", []Span{{0, 3}}, []Span{{0, 3}}, nil)
	b := NewOverlay("abc", []Span{{0, 3}}, []Span{{0, 3}}, nil)

	da, err := a.Digest()
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	db, _ := b.Digest()
	if da != db {
		t.Fatalf("equal overlays produced different digests: %s vs %s", da, db)
	}

	b.Annotations = append(b.Annotations, Annotation{Layer: "POS", Label: "NN", Span: Span{0, 3}})
	changed, _ := b.Digest()
	if changed == da {
		t.Fatal("expected digest to change with annotations")
	}
	if len(da) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(da))
	}
}

func TestCanonicalCopiesSegmentation(t *testing.T) {
	ov := NewOverlay("abc", []Span{{0, 3}}, []Span{{0, 3}}, nil)
	doc := ov.Canonical("doc_1", "prj_1", "a.txt", "json")
	ov.Tokens[0].End = 2
	if doc.Tokens[0].End != 3 {
		t.Fatal("canonical document shares token storage with overlay")
	}
	if got := doc.Spans(KindSentence); len(got) != 1 {
		t.Fatalf("Spans(sentence) = %v", got)
	}
}

func TestKindLabels(t *testing.T) {
	if KindSentence.Plural() != "sentences" || KindToken.ShortName() != "Token" {
		t.Fatalf("unexpected labels %q %q", KindSentence.Plural(), KindToken.ShortName())
	}
}
