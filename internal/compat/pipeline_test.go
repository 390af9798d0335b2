package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"annoremote/api/internal/codec"
	"annoremote/api/internal/document"
)

type fakeWriter struct {
	writeFn func(context.Context, string, string, *document.Overlay, bool) (Commit, error)
	calls   int
}

func (f *fakeWriter) WriteOverlay(ctx context.Context, documentID, annotatorID string, overlay *document.Overlay, forced bool) (Commit, error) {
	f.calls++
	if f.writeFn != nil {
		return f.writeFn(ctx, documentID, annotatorID, overlay, forced)
	}
	return Commit{Revision: "abc1234"}, nil
}

type spyCodec struct {
	decodes int
}

func (s *spyCodec) ID() string { return "spy" }
func (s *spyCodec) Decode(r io.Reader) (*document.Overlay, error) {
	s.decodes++
	return codec.JSON{}.Decode(r)
}
func (s *spyCodec) Encode(w io.Writer, overlay *document.Overlay) error {
	return codec.JSON{}.Encode(w, overlay)
}

type failingReader struct{ t *testing.T }

func (r failingReader) Read([]byte) (int, error) {
	r.t.Fatal("upload must not be read")
	return 0, io.EOF
}

func overlayJSON(t *testing.T, overlay *document.Overlay) io.Reader {
	t.Helper()
	payload, err := json.Marshal(overlay)
	if err != nil {
		t.Fatalf("marshal overlay: %v", err)
	}
	return bytes.NewReader(payload)
}

func catDocument() document.Canonical {
	return document.Canonical{
		ID:        "doc_1",
		ProjectID: "prj_1",
		Text:      "The cat sat.\n",
		Sentences: spans([2]int{0, 12}),
		Tokens:    spans([2]int{0, 3}, [2]int{4, 7}, [2]int{8, 11}, [2]int{11, 12}),
	}
}

func newTestPipeline(t *testing.T, writer Writer) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	return New(codec.Default(), writer, Options{TempDir: dir}), dir
}

func assertSpoolRemoved(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read spool dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected spool dir to be empty, found %d entries", len(entries))
	}
}

func TestImportCommitsReconciledOverlay(t *testing.T) {
	doc := catDocument()
	var stored *document.Overlay
	writer := &fakeWriter{writeFn: func(_ context.Context, documentID, annotatorID string, overlay *document.Overlay, forced bool) (Commit, error) {
		if documentID != "doc_1" || annotatorID != "alice" {
			t.Fatalf("unexpected handoff keys %q %q", documentID, annotatorID)
		}
		if forced {
			t.Fatal("import must not force the write")
		}
		stored = overlay
		return Commit{Revision: "abc1234", Digest: "d"}, nil
	}}
	pipeline, dir := newTestPipeline(t, writer)

	upload := document.NewOverlay("The cat sat.", doc.Sentences, doc.Tokens, nil)
	result, err := pipeline.Import(context.Background(), Submission{
		Document:    doc,
		Format:      "json",
		Upload:      overlayJSON(t, upload),
		AnnotatorID: "alice",
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Stage != StageCommitted {
		t.Fatalf("Stage = %s, want committed", result.Stage)
	}
	if result.Overlay.Text() != "The cat sat.\n" {
		t.Fatalf("reconciled text = %q", result.Overlay.Text())
	}
	if result.Overlay.DocumentSpan.End != 13 {
		t.Fatalf("DocumentSpan.End = %d, want 13", result.Overlay.DocumentSpan.End)
	}
	if stored != result.Overlay {
		t.Fatal("writer did not receive the reconciled overlay")
	}
	if result.Commit.Revision != "abc1234" {
		t.Fatalf("Commit = %+v", result.Commit)
	}
	assertSpoolRemoved(t, dir)
}

func TestImportStopsAtSentenceCountMismatch(t *testing.T) {
	doc := catDocument()
	doc.Text = "The cat sat. It purred."
	doc.Sentences = spans([2]int{0, 13})
	writer := &fakeWriter{}
	pipeline, dir := newTestPipeline(t, writer)

	// tokens differ as well; only the sentence failure may surface
	upload := document.NewOverlay(doc.Text, spans([2]int{0, 13}, [2]int{13, 20}), spans([2]int{0, 1}), nil)
	result, err := pipeline.Import(context.Background(), Submission{Document: doc, Format: "json", Upload: overlayJSON(t, upload), AnnotatorID: "alice"})

	var count *CountMismatchError
	if !errors.As(err, &count) {
		t.Fatalf("expected CountMismatchError, got %v", err)
	}
	if count.Kind != document.KindSentence || count.Expected != 1 || count.Actual != 2 {
		t.Fatalf("unexpected mismatch %+v", count)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reached != StageTextValidated {
		t.Fatalf("expected rejection after text stage, got %v", err)
	}
	if result.Stage != StageTextValidated {
		t.Fatalf("result stage = %s", result.Stage)
	}
	if writer.calls != 0 {
		t.Fatal("writer must not be called on rejection")
	}
	assertSpoolRemoved(t, dir)
}

func TestImportReportsTokenOffsetMismatch(t *testing.T) {
	doc := document.Canonical{ID: "doc_2", Text: "The cat", Sentences: spans([2]int{0, 7}), Tokens: spans([2]int{0, 3}, [2]int{4, 7})}
	writer := &fakeWriter{}
	pipeline, _ := newTestPipeline(t, writer)

	upload := document.NewOverlay("The cat", spans([2]int{0, 7}), spans([2]int{0, 3}, [2]int{4, 8}), nil)
	_, err := pipeline.Import(context.Background(), Submission{Document: doc, Format: "json", Upload: overlayJSON(t, upload), AnnotatorID: "bob"})

	var offset *OffsetMismatchError
	if !errors.As(err, &offset) {
		t.Fatalf("expected OffsetMismatchError, got %v", err)
	}
	if offset.Kind != document.KindToken || offset.Index != 1 || offset.ActualEnd != 7 || offset.ExpectedEnd != 8 {
		t.Fatalf("unexpected mismatch %+v", offset)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reached != StageSentencesValidated {
		t.Fatalf("expected rejection after sentence stage, got %v", err)
	}
	if writer.calls != 0 {
		t.Fatal("writer must not be called on rejection")
	}
}

func TestImportRejectsUnknownFormatBeforeDecoding(t *testing.T) {
	spy := &spyCodec{}
	registry, err := codec.NewRegistry(codec.JSON{}, spy)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	writer := &fakeWriter{}
	dir := t.TempDir()
	pipeline := New(registry, writer, Options{TempDir: dir})

	_, err = pipeline.Import(context.Background(), Submission{Document: catDocument(), Format: "xyz", Upload: failingReader{t: t}, AnnotatorID: "alice"})
	var unsupported *codec.UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	if unsupported.Requested != "xyz" || strings.Join(unsupported.Supported, ",") != "json,spy" {
		t.Fatalf("unexpected error detail %+v", unsupported)
	}
	if spy.decodes != 0 {
		t.Fatal("no decode may be attempted for an unknown format")
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reached != StageReceived {
		t.Fatalf("expected rejection before decoding, got %v", err)
	}
	assertSpoolRemoved(t, dir)
}

func TestImportRejectsTextMismatch(t *testing.T) {
	writer := &fakeWriter{}
	pipeline, dir := newTestPipeline(t, writer)
	doc := catDocument()

	upload := document.NewOverlay("The dog sat.", doc.Sentences, doc.Tokens, nil)
	_, err := pipeline.Import(context.Background(), Submission{Document: doc, Format: "json", Upload: overlayJSON(t, upload), AnnotatorID: "alice"})

	var text *TextMismatchError
	if !errors.As(err, &text) || text.Offset != 4 {
		t.Fatalf("expected text mismatch at 4, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reached != StageDecoded {
		t.Fatalf("expected rejection after decoding, got %v", err)
	}
	assertSpoolRemoved(t, dir)
}

func TestImportSurfacesWriterErrorVerbatim(t *testing.T) {
	conflict := fmt.Errorf("annotation document doc_1/alice is finished: %w", ErrConflict)
	writer := &fakeWriter{writeFn: func(context.Context, string, string, *document.Overlay, bool) (Commit, error) {
		return Commit{}, conflict
	}}
	pipeline, _ := newTestPipeline(t, writer)
	doc := catDocument()

	result, err := pipeline.Import(context.Background(), Submission{Document: doc, Format: "json", Upload: overlayJSON(t, document.FromCanonical(doc)), AnnotatorID: "alice"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Err != conflict || rejected.Reached != StageReconciled {
		t.Fatalf("expected verbatim writer error, got %v", err)
	}
	if writer.calls != 1 {
		t.Fatalf("writer called %d times, want exactly once", writer.calls)
	}
	if result.Stage != StageReconciled {
		t.Fatalf("result stage = %s", result.Stage)
	}
}

func TestImportRejectsUndecodableUpload(t *testing.T) {
	writer := &fakeWriter{}
	pipeline, dir := newTestPipeline(t, writer)

	_, err := pipeline.Import(context.Background(), Submission{Document: catDocument(), Format: "json", Upload: strings.NewReader("{broken"), AnnotatorID: "alice"})
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got %v", err)
	}
	if errors.Is(err, ErrIncompatible) {
		t.Fatal("decode errors are not compatibility mismatches")
	}
	assertSpoolRemoved(t, dir)
}

func TestValidateEnforcesUploadLimit(t *testing.T) {
	dir := t.TempDir()
	pipeline := New(codec.Default(), nil, Options{TempDir: dir, MaxUploadBytes: 8})

	_, err := pipeline.Validate(Submission{Document: catDocument(), Format: "json", Upload: strings.NewReader(strings.Repeat(" ", 64))})
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("expected ErrUploadTooLarge, got %v", err)
	}
	assertSpoolRemoved(t, dir)
}

func TestValidateWithoutWriterReconciles(t *testing.T) {
	pipeline := New(codec.Default(), nil, Options{TempDir: t.TempDir()})
	doc := catDocument()

	var buf bytes.Buffer
	if err := (codec.XMI{}).Encode(&buf, document.NewOverlay("The cat sat.", doc.Sentences, doc.Tokens, nil)); err != nil {
		t.Fatalf("encode xmi: %v", err)
	}
	overlay, err := pipeline.Validate(Submission{Document: doc, Format: "xmi", Upload: &buf})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if overlay.Text() != doc.Text {
		t.Fatalf("text = %q, want %q", overlay.Text(), doc.Text)
	}

	if _, err := pipeline.Import(context.Background(), Submission{Document: doc, Format: "xmi", Upload: &buf}); err == nil {
		t.Fatal("expected Import without writer to fail")
	}
}

func TestStageString(t *testing.T) {
	if StageSentencesValidated.String() != "sentences-validated" || Stage(42).String() != "stage(42)" {
		t.Fatalf("unexpected names %q %q", StageSentencesValidated, Stage(42))
	}
}
