package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"annoremote/api/internal/document"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	db := testDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestSourceDocumentRoundTripPostgres(t *testing.T) {
	s, ctx := openTestStore(t)

	if err := s.InsertProject(ctx, Project{ID: "prj_1", Name: "corpus"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := s.InsertProject(ctx, Project{ID: "prj_2", Name: "corpus"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists for duplicate name, got %v", err)
	}

	doc := SourceDocument{
		ID:        "doc_1",
		ProjectID: "prj_1",
		Name:      "cat.txt",
		Format:    "json",
		Text:      "The cat sat.\n",
		Sentences: []document.Span{{Begin: 0, End: 12}},
		Tokens:    []document.Span{{Begin: 0, End: 3}, {Begin: 4, End: 7}, {Begin: 8, End: 11}, {Begin: 11, End: 12}},
	}
	if err := s.InsertSourceDocument(ctx, doc); err != nil {
		t.Fatalf("insert source document: %v", err)
	}

	got, err := s.GetSourceDocument(ctx, "prj_1", "doc_1")
	if err != nil {
		t.Fatalf("get source document: %v", err)
	}
	if got.Text != doc.Text || len(got.Tokens) != 4 || got.Tokens[3] != (document.Span{Begin: 11, End: 12}) {
		t.Fatalf("unexpected document %+v", got)
	}

	if _, err := s.GetSourceDocument(ctx, "prj_2", "doc_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows across projects, got %v", err)
	}
}

func TestAnnotationDocumentStatePostgres(t *testing.T) {
	s, ctx := openTestStore(t)

	if err := s.InsertProject(ctx, Project{ID: "prj_1", Name: "corpus"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := s.InsertSourceDocument(ctx, SourceDocument{ID: "doc_1", ProjectID: "prj_1", Name: "a", Format: "json", Text: "a"}); err != nil {
		t.Fatalf("insert source document: %v", err)
	}

	if err := s.UpdateAnnotationState(ctx, "doc_1", "alice", StateFinished); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows before first save, got %v", err)
	}

	record := AnnotationDocument{DocumentID: "doc_1", Annotator: "alice", Format: "json", Digest: "d1", Revision: "r1"}
	if err := s.SaveAnnotationDocument(ctx, record); err != nil {
		t.Fatalf("save annotation document: %v", err)
	}
	if err := s.UpdateAnnotationState(ctx, "doc_1", "alice", StateFinished); err != nil {
		t.Fatalf("finish annotation document: %v", err)
	}

	record.Digest, record.Revision = "d2", "r2"
	if err := s.SaveAnnotationDocument(ctx, record); err != nil {
		t.Fatalf("save annotation document again: %v", err)
	}
	got, err := s.GetAnnotationDocument(ctx, "doc_1", "alice")
	if err != nil {
		t.Fatalf("get annotation document: %v", err)
	}
	if got.State != StateFinished || got.Revision != "r2" {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := s.DeleteSourceDocument(ctx, "prj_1", "doc_1"); err != nil {
		t.Fatalf("delete source document: %v", err)
	}
	items, err := s.ListAnnotationDocuments(ctx, "doc_1")
	if err != nil {
		t.Fatalf("list annotation documents: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected cascade delete, found %d records", len(items))
	}
}
