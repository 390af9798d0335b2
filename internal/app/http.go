package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"annoremote/api/internal/blob"
	"annoremote/api/internal/codec"
	"annoremote/api/internal/compat"
	"annoremote/api/internal/gitrepo"
	"annoremote/api/internal/search"
	"annoremote/api/internal/store"
)

const multipartMemory = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Readiness(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v2/formats" {
		writeJSON(w, http.StatusOK, map[string]any{"formats": s.service.Formats()})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v2/editors" {
		writeJSON(w, http.StatusOK, s.service.Editors())
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v2/search/annotations" {
		query := r.URL.Query()
		q := search.Query{
			Text:            strings.TrimSpace(query.Get("q")),
			FilterProjectID: strings.TrimSpace(query.Get("projectId")),
			FilterState:     strings.TrimSpace(query.Get("state")),
			Limit:           parseInt(query.Get("limit"), 20),
			Offset:          parseInt(query.Get("offset"), 0),
		}
		writeJSON(w, http.StatusOK, s.service.Search(q))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "v2" && parts[2] == "projects" {
		s.handleProjects(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

// handleProjects serves /api/v2/projects and everything below it.
func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		projects, err := s.service.ListProjects(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(projects))
		for _, project := range projects {
			items = append(items, projectJSON(project))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})

	case len(parts) == 3 && r.Method == http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.CreateProject(r.Context(), body.Name, body.Description)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"project": projectJSON(project)})

	case len(parts) == 4 && r.Method == http.MethodGet:
		project, err := s.service.GetProject(r.Context(), parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": projectJSON(project)})

	case len(parts) == 4 && r.Method == http.MethodDelete:
		if err := s.service.DeleteProject(r.Context(), parts[3]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) >= 5 && parts[4] == "documents":
		s.handleDocuments(w, r, parts[3], parts)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, projectID string, parts []string) {
	if len(parts) == 5 && r.Method == http.MethodGet {
		documents, err := s.service.ListDocuments(r.Context(), projectID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(documents))
		for _, doc := range documents {
			items = append(items, documentJSON(doc))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		return
	}

	if len(parts) == 5 && r.Method == http.MethodPost {
		file, header, ok := s.uploadedFile(w, r)
		if !ok {
			return
		}
		defer file.Close()

		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			name = header.Filename
		}
		doc, err := s.service.CreateDocument(r.Context(), projectID, name, strings.TrimSpace(r.FormValue("format")), file)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": documentJSON(doc)})
		return
	}

	if len(parts) < 6 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	documentID := parts[5]

	if len(parts) == 6 && r.Method == http.MethodGet {
		format := strings.TrimSpace(r.URL.Query().Get("format"))
		if format == "" {
			doc, err := s.service.GetDocument(r.Context(), projectID, documentID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
			return
		}
		var buf bytes.Buffer
		if err := s.service.ExportDocument(r.Context(), projectID, documentID, format, &buf); err != nil {
			writeMappedError(w, err)
			return
		}
		writeExport(w, format, documentID, buf.Bytes())
		return
	}

	if len(parts) == 6 && r.Method == http.MethodDelete {
		if err := s.service.DeleteDocument(r.Context(), projectID, documentID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) >= 7 && parts[6] == "annotations" {
		s.handleAnnotations(w, r, projectID, documentID, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, projectID, documentID string, parts []string) {
	if len(parts) == 7 && r.Method == http.MethodGet {
		records, err := s.service.ListAnnotations(r.Context(), projectID, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(records))
		for _, record := range records {
			items = append(items, annotationJSON(record))
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotations": items})
		return
	}

	if len(parts) < 8 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	annotator := parts[7]

	switch {
	case len(parts) == 8 && r.Method == http.MethodPost:
		file, _, ok := s.uploadedFile(w, r)
		if !ok {
			return
		}
		defer file.Close()

		result, err := s.service.ImportAnnotation(r.Context(), projectID, documentID, annotator, strings.TrimSpace(r.FormValue("format")), file)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 8 && r.Method == http.MethodGet:
		query := r.URL.Query()
		format := strings.TrimSpace(query.Get("format"))
		if format == "" {
			format = DefaultAnnotationFormat
		}
		var buf bytes.Buffer
		if err := s.service.ExportAnnotation(r.Context(), projectID, documentID, annotator, strings.TrimSpace(query.Get("revision")), format, &buf); err != nil {
			writeMappedError(w, err)
			return
		}
		writeExport(w, format, documentID+"-"+annotator, buf.Bytes())

	case len(parts) == 9 && parts[8] == "history" && r.Method == http.MethodGet:
		history, err := s.service.AnnotationHistory(r.Context(), projectID, documentID, annotator, parseInt(r.URL.Query().Get("limit"), 50))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})

	case len(parts) == 9 && parts[8] == "finish" && r.Method == http.MethodPost:
		record, err := s.service.FinishAnnotation(r.Context(), projectID, documentID, annotator)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": annotationJSON(record)})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// uploadedFile parses the multipart form and returns its "file" part.
func (s *HTTPServer) uploadedFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.maxUploadBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Upload too large", nil)
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form expected", nil)
		return nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return nil, nil, false
	}
	return file, header, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message, details)
}

var exportContentTypes = map[string]string{
	"json":    "application/json",
	"json+xz": "application/x-xz",
	"xmi":     "application/xml",
}

func writeExport(w http.ResponseWriter, format, baseName string, payload []byte) {
	contentType, ok := exportContentTypes[format]
	if !ok {
		contentType = http.DetectContentType(payload)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", baseName+"."+strings.ReplaceAll(strings.ToLower(format), "+", ".")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseInt(raw string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var unsupported *codec.UnsupportedFormatError
	if errors.As(err, &unsupported) {
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", unsupported.Error(), map[string]any{"supported": unsupported.Supported}
	}
	if report, ok := compat.ReportFor(err); ok && errors.Is(err, compat.ErrIncompatible) {
		return http.StatusUnprocessableEntity, "INCOMPATIBLE_DOCUMENT", report.Detail, report
	}
	switch {
	case errors.Is(err, compat.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, store.ErrExists):
		return http.StatusConflict, "ALREADY_EXISTS", "Already exists", nil
	case errors.Is(err, compat.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", err.Error(), nil
	case errors.Is(err, compat.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Upstream service unavailable", nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, gitrepo.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, gitrepo.ErrInvalidAnnotator):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, compat.ErrUndecodable):
		message := err.Error()
		var rejected *compat.RejectedError
		if errors.As(err, &rejected) {
			message = rejected.Err.Error()
		}
		return http.StatusUnprocessableEntity, "INVALID_DOCUMENT", message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func projectJSON(project store.Project) map[string]any {
	return map[string]any{
		"id":          project.ID,
		"name":        project.Name,
		"description": project.Description,
		"createdAt":   project.CreatedAt,
	}
}

func documentJSON(doc store.SourceDocument) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"projectId": doc.ProjectID,
		"name":      doc.Name,
		"format":    doc.Format,
		"sentences": len(doc.Sentences),
		"tokens":    len(doc.Tokens),
		"original":  doc.BlobKey != "",
		"createdAt": doc.CreatedAt,
	}
}

func annotationJSON(record store.AnnotationDocument) map[string]any {
	return map[string]any{
		"documentId": record.DocumentID,
		"annotator":  record.Annotator,
		"state":      record.State,
		"format":     record.Format,
		"digest":     record.Digest,
		"revision":   record.Revision,
		"updatedAt":  record.UpdatedAt,
	}
}
