package app

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"annoremote/api/internal/blob"
	"annoremote/api/internal/cache"
	"annoremote/api/internal/codec"
	"annoremote/api/internal/compat"
	"annoremote/api/internal/config"
	"annoremote/api/internal/document"
	"annoremote/api/internal/editor"
	"annoremote/api/internal/gitrepo"
	"annoremote/api/internal/search"
	"annoremote/api/internal/store"
	"annoremote/api/internal/util"
)

// FormatOriginal asks for the file exactly as it was uploaded.
const FormatOriginal = "ORIGINAL"

// DefaultAnnotationFormat is used when an import names no format.
const DefaultAnnotationFormat = "json"

type dataStore interface {
	ListProjects(context.Context) ([]store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	InsertProject(context.Context, store.Project) error
	DeleteProject(context.Context, string) error
	ListSourceDocuments(context.Context, string) ([]store.SourceDocument, error)
	GetSourceDocument(context.Context, string, string) (store.SourceDocument, error)
	InsertSourceDocument(context.Context, store.SourceDocument) error
	DeleteSourceDocument(context.Context, string, string) error
	ListAnnotationDocuments(context.Context, string) ([]store.AnnotationDocument, error)
	GetAnnotationDocument(context.Context, string, string) (store.AnnotationDocument, error)
	SaveAnnotationDocument(context.Context, store.AnnotationDocument) error
	UpdateAnnotationState(context.Context, string, string, string) error
	Ping(ctx context.Context) error
}

type overlayRepo interface {
	EnsureDocumentRepo(string, string, string) error
	DeleteDocumentRepo(string) error
	CommitOverlay(string, string, *document.Overlay, string) (gitrepo.CommitInfo, bool, error)
	ReadOverlay(string, string, string) (*document.Overlay, gitrepo.CommitInfo, error)
	History(string, string, int) ([]gitrepo.CommitInfo, error)
	BranchHead(string, string) (string, error)
	ResetBranch(string, string, string) error
}

type snapshotCache interface {
	Get(context.Context, string) (document.Canonical, error)
	Put(context.Context, document.Canonical) error
	Invalidate(context.Context, string) error
	Ping(context.Context) error
}

type blobStore interface {
	Put(context.Context, string, io.Reader, int64, string) error
	Get(context.Context, string) (*blob.Object, error)
	RemoveDocument(context.Context, string, string) error
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	git       overlayRepo
	snapshots snapshotCache
	blobs     blobStore
	search    *search.Service
	codecs    *codec.Registry
	editors   *editor.Registry
	locks     *keyedLocks
}

// New wires the service. snapshots, blobs and searchService may be nil; the
// corresponding features are then skipped.
func New(cfg config.Config, dataStore *store.PostgresStore, overlays *gitrepo.Service, snapshots *cache.RedisCache, blobs *blob.Store, searchService *search.Service) *Service {
	svc := &Service{
		cfg:     cfg,
		store:   dataStore,
		git:     overlays,
		search:  searchService,
		codecs:  codec.Default(),
		editors: editor.Builtin(),
		locks:   newKeyedLocks(),
	}
	if snapshots != nil {
		svc.snapshots = snapshots
	}
	if blobs != nil {
		svc.blobs = blobs
	}
	return svc
}

// Readiness pings every configured collaborator. The database is always
// checked; cache and object storage only when they are wired.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.snapshots != nil {
		checks["cache"] = s.snapshots.Ping(ctx)
	}
	if s.blobs != nil {
		checks["objectStorage"] = s.blobs.Ping(ctx)
	}
	return checks
}

func (s *Service) Formats() []string {
	return s.codecs.IDs()
}

func (s *Service) Editors() map[string]any {
	payload := map[string]any{"editors": s.editors.Infos()}
	if def, err := s.editors.Default(); err == nil {
		payload["default"] = def.ID()
	}
	return payload
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	items, err := s.store.ListProjects(ctx)
	return items, unavailable(err)
}

func (s *Service) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	item, err := s.store.GetProject(ctx, projectID)
	return item, unavailable(err)
}

func (s *Service) CreateProject(ctx context.Context, name, description string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, validationError("name is required")
	}
	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, unavailable(err)
	}
	return project, nil
}

// DeleteProject removes the project rows and every document's side data.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	documents, err := s.store.ListSourceDocuments(ctx, projectID)
	if err != nil {
		return unavailable(err)
	}
	annotations := make(map[string][]store.AnnotationDocument, len(documents))
	for _, doc := range documents {
		records, err := s.store.ListAnnotationDocuments(ctx, doc.ID)
		if err != nil {
			return unavailable(err)
		}
		annotations[doc.ID] = records
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return unavailable(err)
	}
	for _, doc := range documents {
		s.cleanupDocument(ctx, projectID, doc.ID, annotations[doc.ID])
	}
	return nil
}

func (s *Service) ListDocuments(ctx context.Context, projectID string) ([]store.SourceDocument, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, unavailable(err)
	}
	items, err := s.store.ListSourceDocuments(ctx, projectID)
	return items, unavailable(err)
}

func (s *Service) GetDocument(ctx context.Context, projectID, documentID string) (store.SourceDocument, error) {
	item, err := s.store.GetSourceDocument(ctx, projectID, documentID)
	return item, unavailable(err)
}

// CreateDocument decodes upload with the named codec to obtain the canonical
// text and segmentation, keeps the original file and starts the overlay
// history of the new document.
func (s *Service) CreateDocument(ctx context.Context, projectID, name, format string, upload io.Reader) (store.SourceDocument, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.SourceDocument{}, validationError("name is required")
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.SourceDocument{}, unavailable(err)
	}
	if _, err := s.codecs.Lookup(format); err != nil {
		return store.SourceDocument{}, err
	}

	original, err := readLimited(upload, s.maxUploadBytes())
	if err != nil {
		return store.SourceDocument{}, err
	}
	decoded, err := s.codecs.Decode(format, bytes.NewReader(original))
	if err != nil {
		return store.SourceDocument{}, invalidDocument(err)
	}

	documentID := util.NewID("doc")
	canonical := decoded.Canonical(documentID, projectID, name, format)
	item := store.SourceDocument{
		ID:        canonical.ID,
		ProjectID: canonical.ProjectID,
		Name:      canonical.Name,
		Format:    canonical.Format,
		Text:      canonical.Text,
		Sentences: canonical.Sentences,
		Tokens:    canonical.Tokens,
		CreatedAt: time.Now().UTC(),
	}

	if s.blobs != nil {
		key := blob.ObjectKey(projectID, documentID, name)
		if err := s.blobs.Put(ctx, key, bytes.NewReader(original), int64(len(original)), http.DetectContentType(original)); err != nil {
			return store.SourceDocument{}, fmt.Errorf("%w: %v", compat.ErrUpstreamUnavailable, err)
		}
		item.BlobKey = key
	}
	if err := s.git.EnsureDocumentRepo(documentID, canonical.Text, "import"); err != nil {
		return store.SourceDocument{}, err
	}
	if err := s.store.InsertSourceDocument(ctx, item); err != nil {
		if removeErr := s.git.DeleteDocumentRepo(documentID); removeErr != nil {
			log.Printf("app: remove repo of rejected document %s: %v", documentID, removeErr)
		}
		return store.SourceDocument{}, unavailable(err)
	}
	s.rememberSnapshot(ctx, canonical)
	return item, nil
}

func (s *Service) DeleteDocument(ctx context.Context, projectID, documentID string) error {
	records, err := s.store.ListAnnotationDocuments(ctx, documentID)
	if err != nil {
		return unavailable(err)
	}
	if err := s.store.DeleteSourceDocument(ctx, projectID, documentID); err != nil {
		return unavailable(err)
	}
	s.cleanupDocument(ctx, projectID, documentID, records)
	return nil
}

// ExportDocument writes the source document in format. ORIGINAL streams the
// stored upload; any registered codec re-encodes the canonical snapshot.
func (s *Service) ExportDocument(ctx context.Context, projectID, documentID, format string, w io.Writer) error {
	item, err := s.store.GetSourceDocument(ctx, projectID, documentID)
	if err != nil {
		return unavailable(err)
	}
	if format == FormatOriginal {
		if s.blobs == nil || item.BlobKey == "" {
			return notFound("Original file is not stored")
		}
		obj, err := s.blobs.Get(ctx, item.BlobKey)
		if err != nil {
			return unavailable(err)
		}
		defer obj.Close()
		_, err = io.Copy(w, obj)
		return err
	}
	return s.codecs.Encode(format, w, document.FromCanonical(item.Canonical()))
}

// canonical returns the immutable snapshot of a source document, from the
// cache when possible.
func (s *Service) canonical(ctx context.Context, projectID, documentID string) (document.Canonical, error) {
	if s.snapshots != nil {
		snapshot, err := s.snapshots.Get(ctx, documentID)
		if err == nil && snapshot.ProjectID == projectID {
			return snapshot, nil
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			log.Printf("app: snapshot cache read %s: %v", documentID, err)
		}
	}
	item, err := s.store.GetSourceDocument(ctx, projectID, documentID)
	if err != nil {
		return document.Canonical{}, unavailable(err)
	}
	snapshot := item.Canonical()
	s.rememberSnapshot(ctx, snapshot)
	return snapshot, nil
}

func (s *Service) rememberSnapshot(ctx context.Context, snapshot document.Canonical) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Put(ctx, snapshot); err != nil {
		log.Printf("app: snapshot cache write %s: %v", snapshot.ID, err)
	}
}

// cleanupDocument drops data kept outside PostgreSQL. Failures are logged;
// the rows are already gone.
func (s *Service) cleanupDocument(ctx context.Context, projectID, documentID string, records []store.AnnotationDocument) {
	if s.snapshots != nil {
		if err := s.snapshots.Invalidate(ctx, documentID); err != nil {
			log.Printf("app: invalidate snapshot %s: %v", documentID, err)
		}
	}
	if s.blobs != nil {
		if err := s.blobs.RemoveDocument(ctx, projectID, documentID); err != nil {
			log.Printf("app: remove blobs of %s: %v", documentID, err)
		}
	}
	if err := s.git.DeleteDocumentRepo(documentID); err != nil {
		log.Printf("app: remove repo of %s: %v", documentID, err)
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, search.RecordID(record.DocumentID, record.Annotator))
	}
	s.search.DeleteAnnotations(ids...)
}

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) maxUploadBytes() int64 {
	if s.cfg.MaxUploadBytes > 0 {
		return s.cfg.MaxUploadBytes
	}
	return compat.DefaultMaxUploadBytes
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", compat.ErrUploadTooLarge, limit)
	}
	return payload, nil
}

// unavailable marks connectivity failures of a collaborator so they surface
// as 503 instead of 500.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var (
		netErr     net.Error
		connectErr *pgconn.ConnectError
	)
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &connectErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", compat.ErrUpstreamUnavailable, err)
	}
	return err
}
