package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"annoremote/api/internal/compat"
	"annoremote/api/internal/document"
	"annoremote/api/internal/gitrepo"
	"annoremote/api/internal/search"
	"annoremote/api/internal/store"
)

type ImportResult struct {
	DocumentID string        `json:"documentId"`
	Annotator  string        `json:"annotator"`
	Format     string        `json:"format"`
	Stage      string        `json:"stage"`
	Commit     compat.Commit `json:"commit"`
}

func (s *Service) ListAnnotations(ctx context.Context, projectID, documentID string) ([]store.AnnotationDocument, error) {
	if _, err := s.store.GetSourceDocument(ctx, projectID, documentID); err != nil {
		return nil, unavailable(err)
	}
	items, err := s.store.ListAnnotationDocuments(ctx, documentID)
	return items, unavailable(err)
}

// ImportAnnotation runs an uploaded overlay through the compatibility
// pipeline against the document's canonical snapshot and stores it for
// annotator.
func (s *Service) ImportAnnotation(ctx context.Context, projectID, documentID, annotator, format string, upload io.Reader) (ImportResult, error) {
	if err := validateAnnotator(annotator); err != nil {
		return ImportResult{}, err
	}
	if strings.TrimSpace(format) == "" {
		format = DefaultAnnotationFormat
	}
	snapshot, err := s.canonical(ctx, projectID, documentID)
	if err != nil {
		return ImportResult{}, err
	}

	pipeline := compat.New(s.codecs, s.annotationWriter(snapshot, format), compat.Options{
		TempDir:        s.cfg.TmpDir,
		MaxUploadBytes: s.maxUploadBytes(),
	})
	result, err := pipeline.Import(ctx, compat.Submission{
		Document:    snapshot,
		Format:      format,
		Upload:      upload,
		AnnotatorID: annotator,
	})
	if err != nil {
		return ImportResult{}, err
	}
	return ImportResult{
		DocumentID: documentID,
		Annotator:  annotator,
		Format:     format,
		Stage:      result.Stage.String(),
		Commit:     result.Commit,
	}, nil
}

// ExportAnnotation encodes the annotator's stored overlay, at revision when
// given.
func (s *Service) ExportAnnotation(ctx context.Context, projectID, documentID, annotator, revision, format string, w io.Writer) error {
	if err := validateAnnotator(annotator); err != nil {
		return err
	}
	if strings.TrimSpace(format) == "" {
		format = DefaultAnnotationFormat
	}
	if _, err := s.codecs.Lookup(format); err != nil {
		return err
	}
	if _, err := s.store.GetSourceDocument(ctx, projectID, documentID); err != nil {
		return unavailable(err)
	}
	overlay, _, err := s.git.ReadOverlay(documentID, annotator, revision)
	if err != nil {
		return err
	}
	return s.codecs.Encode(format, w, overlay)
}

func (s *Service) AnnotationHistory(ctx context.Context, projectID, documentID, annotator string, limit int) ([]gitrepo.CommitInfo, error) {
	if err := validateAnnotator(annotator); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSourceDocument(ctx, projectID, documentID); err != nil {
		return nil, unavailable(err)
	}
	return s.git.History(documentID, annotator, limit)
}

// FinishAnnotation marks the annotator's document FINISHED; later imports
// are rejected with a conflict.
func (s *Service) FinishAnnotation(ctx context.Context, projectID, documentID, annotator string) (store.AnnotationDocument, error) {
	if err := validateAnnotator(annotator); err != nil {
		return store.AnnotationDocument{}, err
	}
	snapshot, err := s.canonical(ctx, projectID, documentID)
	if err != nil {
		return store.AnnotationDocument{}, err
	}

	unlock := s.locks.lock(documentID + "/" + annotator)
	defer unlock()

	if err := s.store.UpdateAnnotationState(ctx, documentID, annotator, store.StateFinished); err != nil {
		return store.AnnotationDocument{}, unavailable(err)
	}
	record, err := s.store.GetAnnotationDocument(ctx, documentID, annotator)
	if err != nil {
		return store.AnnotationDocument{}, unavailable(err)
	}
	if overlay, _, err := s.git.ReadOverlay(documentID, annotator, ""); err == nil {
		s.search.IndexAnnotation(annotationRecord(snapshot, record, overlay))
	}
	return record, nil
}

func validateAnnotator(annotator string) error {
	if !gitrepo.ValidAnnotator(annotator) {
		return validationError("invalid annotator name %q", annotator)
	}
	return nil
}

func (s *Service) annotationWriter(source document.Canonical, format string) *annotationWriter {
	return &annotationWriter{
		store:  s.store,
		git:    s.git,
		search: s.search,
		locks:  s.locks,
		source: source,
		format: format,
	}
}

// annotationWriter stores reconciled overlays: git history first, then the
// PostgreSQL record, then the search index. A failed record save moves the
// annotator's branch back to where it was.
type annotationWriter struct {
	store  dataStore
	git    overlayRepo
	search *search.Service
	locks  *keyedLocks
	source document.Canonical
	format string
}

func (w *annotationWriter) WriteOverlay(ctx context.Context, documentID, annotatorID string, overlay *document.Overlay, forced bool) (compat.Commit, error) {
	unlock := w.locks.lock(documentID + "/" + annotatorID)
	defer unlock()

	existing, err := w.store.GetAnnotationDocument(ctx, documentID, annotatorID)
	switch {
	case err == nil:
		if existing.State == store.StateFinished && !forced {
			return compat.Commit{}, fmt.Errorf("annotation document of %s for %s is finished: %w", annotatorID, documentID, compat.ErrConflict)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return compat.Commit{}, unavailable(fmt.Errorf("load annotation state: %w", err))
	}

	digest, err := overlay.Digest()
	if err != nil {
		return compat.Commit{}, err
	}
	previous, err := w.git.BranchHead(documentID, annotatorID)
	if err != nil {
		return compat.Commit{}, err
	}
	info, unchanged, err := w.git.CommitOverlay(documentID, annotatorID, overlay, fmt.Sprintf("Import %s annotations of %s", w.format, annotatorID))
	if err != nil {
		return compat.Commit{}, err
	}

	record := store.AnnotationDocument{
		DocumentID: documentID,
		Annotator:  annotatorID,
		State:      store.StateInProgress,
		Format:     w.format,
		Digest:     digest,
		Revision:   info.Hash,
	}
	if existing.State != "" {
		record.State = existing.State
	}
	if err := w.store.SaveAnnotationDocument(ctx, record); err != nil {
		if !unchanged {
			if resetErr := w.git.ResetBranch(documentID, annotatorID, previous); resetErr != nil {
				log.Printf("app: roll back overlay of %s for %s to %q: %v", annotatorID, documentID, previous, resetErr)
			}
		}
		return compat.Commit{}, unavailable(err)
	}
	w.search.IndexAnnotation(annotationRecord(w.source, record, overlay))

	return compat.Commit{Revision: info.Hash, Digest: digest, Unchanged: unchanged}, nil
}

func annotationRecord(source document.Canonical, record store.AnnotationDocument, overlay *document.Overlay) search.AnnotationRecord {
	layers := map[string]struct{}{}
	labels := map[string]struct{}{}
	for _, annotation := range overlay.Annotations {
		layers[annotation.Layer] = struct{}{}
		if annotation.Label != "" {
			labels[annotation.Label] = struct{}{}
		}
	}
	return search.AnnotationRecord{
		ID:           search.RecordID(record.DocumentID, record.Annotator),
		DocumentID:   record.DocumentID,
		ProjectID:    source.ProjectID,
		DocumentName: source.Name,
		Annotator:    record.Annotator,
		State:        record.State,
		Revision:     record.Revision,
		Layers:       sortedKeys(layers),
		Labels:       sortedKeys(labels),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// keyedLocks serializes writers per key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
