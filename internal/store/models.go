package store

import (
	"time"

	"annoremote/api/internal/document"
)

const (
	StateInProgress = "IN_PROGRESS"
	StateFinished   = "FINISHED"
)

type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

type SourceDocument struct {
	ID        string
	ProjectID string
	Name      string
	Format    string
	Text      string
	Sentences []document.Span
	Tokens    []document.Span
	BlobKey   string
	CreatedAt time.Time
}

// Canonical returns the immutable snapshot validated against on import.
func (d SourceDocument) Canonical() document.Canonical {
	return document.Canonical{
		ID:        d.ID,
		ProjectID: d.ProjectID,
		Name:      d.Name,
		Format:    d.Format,
		Text:      d.Text,
		Sentences: d.Sentences,
		Tokens:    d.Tokens,
	}
}

type AnnotationDocument struct {
	DocumentID string
	Annotator  string
	State      string
	Format     string
	Digest     string
	Revision   string
	UpdatedAt  time.Time
}
