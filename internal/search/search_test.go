package search

import (
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func TestRecordID(t *testing.T) {
	cases := map[string][2]string{
		"doc_1__alice":     {"doc_1", "alice"},
		"doc_1__bob-smith": {"doc_1", "bob.smith"},
		"d-c__a-b":         {"d/c", "a b"},
	}
	for want, in := range cases {
		if got := RecordID(in[0], in[1]); got != want {
			t.Errorf("RecordID(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestBuildFilters(t *testing.T) {
	if filters := buildFilters(Query{}); len(filters) != 0 {
		t.Fatalf("expected no filters, got %v", filters)
	}
	filters := buildFilters(Query{FilterProjectID: "prj_1", FilterState: "FINISHED"})
	if len(filters) != 2 || filters[0] != `projectId = "prj_1"` || filters[1] != `state = "FINISHED"` {
		t.Fatalf("unexpected filters %v", filters)
	}
}

func rawHit(t *testing.T, fields map[string]any) meili.Hit {
	t.Helper()
	hit := meili.Hit{}
	for key, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal %s: %v", key, err)
		}
		hit[key] = raw
	}
	return hit
}

func TestHitToResultPrefersHighlightedLabels(t *testing.T) {
	hit := rawHit(t, map[string]any{
		"id":           "doc_1__alice",
		"documentId":   "doc_1",
		"projectId":    "prj_1",
		"documentName": "cat.json",
		"annotator":    "alice",
		"state":        "IN_PROGRESS",
		"labels":       []string{"ANIMAL", "PLACE"},
		"_formatted":   map[string]any{"labels": []string{"<mark>ANIMAL</mark>", "PLACE"}},
	})

	result := hitToResult(hit)
	if result.ID != "doc_1__alice" || result.Annotator != "alice" || result.DocumentName != "cat.json" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Snippet != "<mark>ANIMAL</mark>" {
		t.Fatalf("Snippet = %q", result.Snippet)
	}

	plain := rawHit(t, map[string]any{"labels": []string{"A", "B"}})
	if got := hitToResult(plain).Snippet; got != "A, B" {
		t.Fatalf("Snippet without highlight = %q", got)
	}
}

func TestNilServiceFindsNothing(t *testing.T) {
	var svc *Service
	resp := svc.Search(Query{Text: "cat"})
	if resp.Results == nil || resp.Total != 0 || resp.Query != "cat" {
		t.Fatalf("unexpected response %+v", resp)
	}
	svc.IndexAnnotation(AnnotationRecord{ID: "x"})
	svc.DeleteAnnotations("x")
	svc.Close()

	if resp := NewService(nil, nil).Search(Query{Text: "cat"}); len(resp.Results) != 0 {
		t.Fatalf("expected empty results, got %+v", resp)
	}
}
