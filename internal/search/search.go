// Package search indexes stored annotation documents so annotators and
// curators can find overlays by label, layer, annotator or document name.
package search

import "strings"

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	ProjectID    string `json:"projectId"`
	DocumentName string `json:"documentName"`
	Annotator    string `json:"annotator"`
	State        string `json:"state"`
	Snippet      string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterProjectID string
	FilterState     string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// AnnotationRecord is the data we index for one annotator's overlay of one
// source document.
type AnnotationRecord struct {
	ID           string   `json:"id"`
	DocumentID   string   `json:"documentId"`
	ProjectID    string   `json:"projectId"`
	DocumentName string   `json:"documentName"`
	Annotator    string   `json:"annotator"`
	State        string   `json:"state"`
	Revision     string   `json:"revision"`
	Layers       []string `json:"layers"`
	Labels       []string `json:"labels"`
}

// RecordID builds the index primary key. Meilisearch ids allow only
// alphanumerics, hyphens and underscores.
func RecordID(documentID, annotator string) string {
	return sanitizeID(documentID) + "__" + sanitizeID(annotator)
}

func sanitizeID(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
