package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docuchat/pkg/domain"
	"docuchat/pkg/extract"
)

type fakeStore struct {
	activeCount int
	countErr    error
	created     []domain.Document
	createErr   error
	counterErr  error
	increments  []string
}

func (f *fakeStore) CountActiveDocumentsByOwner(string) (int, error) {
	return f.activeCount, f.countErr
}

func (f *fakeStore) CreateDocument(doc domain.Document) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, doc)
	return nil
}

func (f *fakeStore) IncrementOwnerCounter(ownerID, field string, delta int) error {
	if f.counterErr != nil {
		return f.counterErr
	}
	f.increments = append(f.increments, field)
	return nil
}

type fakeObjects struct {
	keys []string
	err  error
}

func (f *fakeObjects) Put(_ context.Context, key string, _ []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestIngestPlainText(t *testing.T) {
	store := &fakeStore{}
	objects := &fakeObjects{}
	p := NewPipeline(store, objects, Config{})

	text := strings.Repeat("word ", 600) // 3000 chars, 600 words
	doc, err := p.Ingest(context.Background(), "owner-1", []byte(text), "text/plain; charset=utf-8", "notes.txt")
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if len(doc.Chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(doc.Chunks))
	}
	for i, want := range []int{1200, 1200, 600} {
		if got := len(doc.Chunks[i].Text); got != want {
			t.Fatalf("chunk %d length = %d, want %d", i, got, want)
		}
		if doc.Chunks[i].DocumentID != doc.ID || doc.Chunks[i].ID == "" {
			t.Fatalf("chunk %d not linked to document", i)
		}
	}
	if doc.Metadata.WordCount != 600 {
		t.Fatalf("wordCount = %d, want 600", doc.Metadata.WordCount)
	}
	if got := []rune(doc.Metadata.Summary); len(got) != 201 || got[200] != '…' {
		t.Fatalf("summary = %d runes ending %q, want 200 + ellipsis", len(got), got[len(got)-1])
	}
	if doc.MimeType != extract.MimePlainText {
		t.Fatalf("mimeType = %q, want normalized %q", doc.MimeType, extract.MimePlainText)
	}
	if !doc.Active || doc.OwnerID != "owner-1" {
		t.Fatalf("document = %+v, want active owned document", doc)
	}

	if len(store.created) != 1 {
		t.Fatalf("documents persisted = %d, want 1", len(store.created))
	}
	if len(store.increments) != 1 || store.increments[0] != "uploads" {
		t.Fatalf("owner counter increments = %v, want [uploads]", store.increments)
	}
	if len(objects.keys) != 1 || !strings.HasSuffix(objects.keys[0], ".txt") {
		t.Fatalf("object keys = %v, want one key keeping the extension", objects.keys)
	}
	if doc.StorageKey != objects.keys[0] {
		t.Fatalf("storageKey = %q, want %q", doc.StorageKey, objects.keys[0])
	}
}

func TestIngestRejectsUnsupportedFormat(t *testing.T) {
	store := &fakeStore{}
	p := NewPipeline(store, nil, Config{})
	_, err := p.Ingest(context.Background(), "owner-1", []byte("x"), "image/png", "pic.png")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Ingest() error = %v, want ErrUnsupportedFormat", err)
	}
	if len(store.created) != 0 || len(store.increments) != 0 {
		t.Fatalf("rejected upload must not persist anything")
	}
}

func TestIngestRejectsOversizedFile(t *testing.T) {
	p := NewPipeline(&fakeStore{}, nil, Config{MaxFileBytes: 10})
	_, err := p.Ingest(context.Background(), "", make([]byte, 11), "text/plain", "big.txt")
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("Ingest() error = %v, want ErrFileTooLarge", err)
	}
}

func TestIngestEnforcesDocumentLimit(t *testing.T) {
	store := &fakeStore{activeCount: 5}
	p := NewPipeline(store, nil, Config{})
	_, err := p.Ingest(context.Background(), "owner-1", []byte("x"), "text/plain", "a.txt")
	if !errors.Is(err, ErrDocumentLimitReached) {
		t.Fatalf("Ingest() error = %v, want ErrDocumentLimitReached", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Ingest() error = %v, want *LimitError", err)
	}
	if limitErr.Current != 5 || limitErr.Limit != 5 {
		t.Fatalf("limit error = %+v, want current 5 limit 5", limitErr)
	}
	if len(store.created) != 0 {
		t.Fatalf("over-limit upload must not persist anything")
	}
}

func TestIngestAnonymousSkipsLimit(t *testing.T) {
	store := &fakeStore{activeCount: 100}
	p := NewPipeline(store, nil, Config{})
	doc, err := p.Ingest(context.Background(), "", []byte("hello"), "text/plain", "a.txt")
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if doc.OwnerID != "" {
		t.Fatalf("ownerID = %q, want empty", doc.OwnerID)
	}
	if len(store.increments) != 0 {
		t.Fatalf("anonymous upload must not bump an owner counter")
	}
}

func TestIngestCounterFailureDoesNotFailIngest(t *testing.T) {
	store := &fakeStore{counterErr: errors.New("db down")}
	p := NewPipeline(store, nil, Config{})
	if _, err := p.Ingest(context.Background(), "owner-1", []byte("hello"), "text/plain", "a.txt"); err != nil {
		t.Fatalf("Ingest() error = %v, want counter failure swallowed", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("documents persisted = %d, want 1", len(store.created))
	}
}

func TestIngestObjectStoreFailureAborts(t *testing.T) {
	store := &fakeStore{}
	p := NewPipeline(store, &fakeObjects{err: errors.New("minio down")}, Config{})
	if _, err := p.Ingest(context.Background(), "owner-1", []byte("hello"), "text/plain", "a.txt"); err == nil {
		t.Fatalf("Ingest() must fail when the raw file cannot be stored")
	}
	if len(store.created) != 0 {
		t.Fatalf("document persisted after object store failure")
	}
}
