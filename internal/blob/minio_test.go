package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestObjectKey(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{name: "cat.xmi", want: "projects/prj_1/documents/doc_1/cat.xmi"},
		{name: "../../escape.txt", want: "projects/prj_1/documents/doc_1/escape.txt"},
		{name: `C:\corpus\cat.json`, want: "projects/prj_1/documents/doc_1/cat.json"},
		{name: "", want: "projects/prj_1/documents/doc_1/original"},
		{name: "..", want: "projects/prj_1/documents/doc_1/original"},
	}
	for _, tc := range cases {
		if got := ObjectKey("prj_1", "doc_1", tc.name); got != tc.want {
			t.Errorf("ObjectKey(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
	if prefix := documentPrefix("prj_1", "doc_1"); !strings.HasPrefix(ObjectKey("prj_1", "doc_1", "a"), prefix) {
		t.Errorf("key does not live under prefix %q", prefix)
	}
}

func TestMapErrorNotFound(t *testing.T) {
	err := mapError("k", minio.ErrorResponse{Code: "NoSuchKey"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mapError("k", errors.New("connection refused")); errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected ErrNotFound for %v", err)
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected endpoint error")
	}
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected bucket error")
	}
}

func TestStoreRoundTripMinio(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("ANNOREMOTE_TEST_MINIO_ENDPOINT"))
	if endpoint == "" {
		t.Skip("ANNOREMOTE_TEST_MINIO_ENDPOINT is not set")
	}
	s, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("ANNOREMOTE_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("ANNOREMOTE_TEST_MINIO_SECRET_KEY"),
		Bucket:    "annoremote-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	key := ObjectKey("prj_t", "doc_t", "cat.txt")
	payload := []byte("The cat sat.\n")
	if err := s.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), "text/plain"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	obj, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err := io.ReadAll(obj)
	_ = obj.Close()
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("read object = %q, %v", got, err)
	}

	if err := s.RemoveDocument(ctx, "prj_t", "doc_t"); err != nil {
		t.Fatalf("RemoveDocument() error = %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
}
