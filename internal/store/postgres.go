package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"annoremote/api/internal/document"
)

// ErrExists is returned when an insert collides with a unique constraint.
var ErrExists = errors.New("already exists")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func mapInsertError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at
		FROM projects
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.Description, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, item Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description)
		VALUES ($1, $2, $3)
	`, item.ID, item.Name, item.Description)
	if err != nil {
		return mapInsertError("insert project", err)
	}
	return nil
}

// DeleteProject removes the project and, by cascade, its documents.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	return s.execOne(ctx, "delete project", `DELETE FROM projects WHERE id=$1`, projectID)
}

func (s *PostgresStore) ListSourceDocuments(ctx context.Context, projectID string) ([]SourceDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, format, text, sentences, tokens, blob_key, created_at
		FROM source_documents
		WHERE project_id=$1
		ORDER BY created_at, name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list source documents: %w", err)
	}
	defer rows.Close()

	items := make([]SourceDocument, 0)
	for rows.Next() {
		item, err := scanSourceDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSourceDocument(ctx context.Context, projectID, documentID string) (SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, format, text, sentences, tokens, blob_key, created_at
		FROM source_documents
		WHERE project_id=$1 AND id=$2
	`, projectID, documentID)
	return scanSourceDocument(row)
}

func (s *PostgresStore) InsertSourceDocument(ctx context.Context, item SourceDocument) error {
	sentences, err := json.Marshal(spansOrEmpty(item.Sentences))
	if err != nil {
		return fmt.Errorf("marshal sentences: %w", err)
	}
	tokens, err := json.Marshal(spansOrEmpty(item.Tokens))
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_documents (id, project_id, name, format, text, sentences, tokens, blob_key)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)
	`, item.ID, item.ProjectID, item.Name, item.Format, item.Text, string(sentences), string(tokens), item.BlobKey)
	if err != nil {
		return mapInsertError("insert source document", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSourceDocument(ctx context.Context, projectID, documentID string) error {
	return s.execOne(ctx, "delete source document", `DELETE FROM source_documents WHERE project_id=$1 AND id=$2`, projectID, documentID)
}

func (s *PostgresStore) ListAnnotationDocuments(ctx context.Context, documentID string) ([]AnnotationDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, annotator, state, format, digest, revision, updated_at
		FROM annotation_documents
		WHERE document_id=$1
		ORDER BY annotator
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list annotation documents: %w", err)
	}
	defer rows.Close()

	items := make([]AnnotationDocument, 0)
	for rows.Next() {
		var item AnnotationDocument
		if err := rows.Scan(&item.DocumentID, &item.Annotator, &item.State, &item.Format, &item.Digest, &item.Revision, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotation documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAnnotationDocument(ctx context.Context, documentID, annotator string) (AnnotationDocument, error) {
	var item AnnotationDocument
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, annotator, state, format, digest, revision, updated_at
		FROM annotation_documents
		WHERE document_id=$1 AND annotator=$2
	`, documentID, annotator).Scan(&item.DocumentID, &item.Annotator, &item.State, &item.Format, &item.Digest, &item.Revision, &item.UpdatedAt)
	if err != nil {
		return AnnotationDocument{}, err
	}
	return item, nil
}

// SaveAnnotationDocument records the latest stored revision. A new row starts
// IN_PROGRESS; an existing row keeps its state.
func (s *PostgresStore) SaveAnnotationDocument(ctx context.Context, item AnnotationDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_documents (document_id, annotator, state, format, digest, revision)
		VALUES ($1, $2, 'IN_PROGRESS', $3, $4, $5)
		ON CONFLICT (document_id, annotator) DO UPDATE
		SET format=EXCLUDED.format, digest=EXCLUDED.digest, revision=EXCLUDED.revision, updated_at=NOW()
	`, item.DocumentID, item.Annotator, item.Format, item.Digest, item.Revision)
	if err != nil {
		return fmt.Errorf("save annotation document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAnnotationState(ctx context.Context, documentID, annotator, state string) error {
	return s.execOne(ctx, "update annotation state", `
		UPDATE annotation_documents
		SET state=$3, updated_at=NOW()
		WHERE document_id=$1 AND annotator=$2
	`, documentID, annotator, state)
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// execOne runs a statement that must touch exactly one row and reports
// sql.ErrNoRows otherwise.
func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceDocument(row rowScanner) (SourceDocument, error) {
	var (
		item      SourceDocument
		sentences []byte
		tokens    []byte
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Format, &item.Text, &sentences, &tokens, &item.BlobKey, &item.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SourceDocument{}, err
		}
		return SourceDocument{}, fmt.Errorf("scan source document: %w", err)
	}
	if err := json.Unmarshal(sentences, &item.Sentences); err != nil {
		return SourceDocument{}, fmt.Errorf("decode sentences of %s: %w", item.ID, err)
	}
	if err := json.Unmarshal(tokens, &item.Tokens); err != nil {
		return SourceDocument{}, fmt.Errorf("decode tokens of %s: %w", item.ID, err)
	}
	return item, nil
}

func spansOrEmpty(spans []document.Span) []document.Span {
	if spans == nil {
		return []document.Span{}
	}
	return spans
}
