package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("doc")
	if !strings.HasPrefix(id, "doc_") || len(id) != len("doc_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if strings.Contains(id, "-") {
		t.Fatalf("id must not contain hyphens: %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("ids must be unique")
	}
	if len(NewID("")) != 32 {
		t.Fatal("unprefixed id must be 32 hex characters")
	}
}
