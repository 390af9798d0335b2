package compat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"annoremote/api/internal/codec"
	"annoremote/api/internal/document"
)

// Stage is a step of the import state machine. Stages are strictly ordered;
// each one requires the previous to have succeeded.
type Stage int

const (
	StageReceived Stage = iota
	StageDecoded
	StageTextValidated
	StageSentencesValidated
	StageTokensValidated
	StageReconciled
	StageCommitted
)

var stageNames = [...]string{
	StageReceived:           "received",
	StageDecoded:            "decoded",
	StageTextValidated:      "text-validated",
	StageSentencesValidated: "sentences-validated",
	StageTokensValidated:    "tokens-validated",
	StageReconciled:         "reconciled",
	StageCommitted:          "committed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

var segmentation = []struct {
	kind    document.Kind
	reached Stage
}{
	{kind: document.KindSentence, reached: StageSentencesValidated},
	{kind: document.KindToken, reached: StageTokensValidated},
}

// DefaultMaxUploadBytes bounds the spooled upload when Options leaves it unset.
const DefaultMaxUploadBytes int64 = 64 << 20

// Commit describes a stored overlay.
type Commit struct {
	Revision  string `json:"revision"`
	Digest    string `json:"digest"`
	Unchanged bool   `json:"unchanged"`
}

// Writer stores reconciled overlays. Implementations serialize writes per
// document and annotator and return ErrConflict when they refuse one.
type Writer interface {
	WriteOverlay(ctx context.Context, documentID, annotatorID string, overlay *document.Overlay, forced bool) (Commit, error)
}

type Options struct {
	// TempDir receives upload spool files; empty means os.TempDir().
	TempDir        string
	MaxUploadBytes int64
}

// Submission is one overlay upload checked against one source snapshot.
type Submission struct {
	Document    document.Canonical
	Format      string
	Upload      io.Reader
	AnnotatorID string
}

type Result struct {
	Overlay *document.Overlay
	Stage   Stage
	Commit  Commit
}

// Pipeline decodes, validates, reconciles and hands off overlays. It keeps no
// state between invocations and is safe for concurrent use.
type Pipeline struct {
	codecs *codec.Registry
	writer Writer
	opts   Options
}

// New creates a pipeline. writer may be nil when only Validate is used.
func New(codecs *codec.Registry, writer Writer, opts Options) *Pipeline {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Pipeline{codecs: codecs, writer: writer, opts: opts}
}

// Validate runs every stage up to reconciliation and returns the overlay
// ready to be stored. Failures are *RejectedError.
func (p *Pipeline) Validate(sub Submission) (*document.Overlay, error) {
	overlay, reached, err := p.validate(sub)
	if err != nil {
		return nil, &RejectedError{Reached: reached, Err: err}
	}
	return overlay, nil
}

// Import validates the submission and commits the reconciled overlay for the
// submitting annotator without forcing. Writer errors are returned as-is
// inside the RejectedError and never retried; callers retrying after
// ErrConflict must fetch the source document again.
func (p *Pipeline) Import(ctx context.Context, sub Submission) (Result, error) {
	if p.writer == nil {
		return Result{}, errors.New("pipeline has no writer")
	}
	overlay, reached, err := p.validate(sub)
	if err != nil {
		return Result{Stage: reached}, &RejectedError{Reached: reached, Err: err}
	}

	commit, err := p.writer.WriteOverlay(ctx, sub.Document.ID, sub.AnnotatorID, overlay, false)
	if err != nil {
		return Result{Stage: StageReconciled}, &RejectedError{Reached: StageReconciled, Err: err}
	}
	return Result{Overlay: overlay, Stage: StageCommitted, Commit: commit}, nil
}

func (p *Pipeline) validate(sub Submission) (*document.Overlay, Stage, error) {
	c, err := p.codecs.Lookup(sub.Format)
	if err != nil {
		return nil, StageReceived, err
	}
	if sub.Upload == nil {
		return nil, StageReceived, fmt.Errorf("%w: upload is required", ErrUndecodable)
	}

	overlay, err := p.decode(c, sub.Upload)
	if err != nil {
		return nil, StageReceived, err
	}

	if err := ValidateText(sub.Document.Text, overlay.Text()); err != nil {
		return nil, StageDecoded, err
	}
	reached := StageTextValidated
	for _, step := range segmentation {
		if err := ValidateSpans(step.kind, sub.Document.Spans(step.kind), overlay.Spans(step.kind)); err != nil {
			return nil, reached, err
		}
		reached = step.reached
	}

	overlay.Reconcile(sub.Document.Text)
	return overlay, StageReconciled, nil
}

// decode spools the upload into a temporary file, removed before returning,
// and decodes it from there.
func (p *Pipeline) decode(c codec.Codec, upload io.Reader) (*document.Overlay, error) {
	spool, err := os.CreateTemp(p.opts.TempDir, "upload-*.bin")
	if err != nil {
		return nil, fmt.Errorf("create upload spool: %w", err)
	}
	defer func() {
		_ = spool.Close()
		if err := os.Remove(spool.Name()); err != nil {
			log.Printf("compat: remove upload spool %s: %v", spool.Name(), err)
		}
	}()

	written, err := io.Copy(spool, io.LimitReader(upload, p.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	if written > p.opts.MaxUploadBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrUploadTooLarge, p.opts.MaxUploadBytes)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload spool: %w", err)
	}

	overlay, err := c.Decode(bufio.NewReader(spool))
	if err != nil {
		return nil, fmt.Errorf("%w as %s: %w", ErrUndecodable, c.ID(), err)
	}
	return overlay, nil
}
