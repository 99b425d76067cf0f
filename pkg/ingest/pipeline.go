package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docuchat/internal/util"
	"docuchat/pkg/domain"
	"docuchat/pkg/extract"
)

const (
	// DefaultMaxFileBytes is the upload size ceiling (10 MiB).
	DefaultMaxFileBytes = 10 << 20
	// DefaultMaxDocumentsPerOwner caps active documents per account.
	DefaultMaxDocumentsPerOwner = 5
	// summaryChars is how much of the extracted text becomes the summary.
	summaryChars = 200
)

// allowedMimeTypes is the upload allow-list. HTML rides along as a text
// format the extractor knows how to flatten.
var allowedMimeTypes = map[string]bool{
	extract.MimePDF:       true,
	extract.MimeDoc:       true,
	extract.MimeDocx:      true,
	extract.MimePlainText: true,
	extract.MimeHTML:      true,
}

// Store is the slice of persistence the pipeline needs.
type Store interface {
	CountActiveDocumentsByOwner(ownerID string) (int, error)
	CreateDocument(doc domain.Document) error
	IncrementOwnerCounter(ownerID, field string, delta int) error
}

// ObjectStore receives the raw upload bytes keyed by storage key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Config tunes the pipeline. Zero values fall back to the defaults above.
type Config struct {
	ChunkSize            int
	MaxFileBytes         int64
	MaxDocumentsPerOwner int
}

// Pipeline validates and processes uploads into documents.
type Pipeline struct {
	store    Store
	objects  ObjectStore
	chunk    int
	maxBytes int64
	maxDocs  int
}

// NewPipeline wires the pipeline. objects may be nil when raw files are not
// retained.
func NewPipeline(store Store, objects ObjectStore, cfg Config) *Pipeline {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	maxBytes := cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	maxDocs := cfg.MaxDocumentsPerOwner
	if maxDocs <= 0 {
		maxDocs = DefaultMaxDocumentsPerOwner
	}
	return &Pipeline{
		store:    store,
		objects:  objects,
		chunk:    chunk,
		maxBytes: maxBytes,
		maxDocs:  maxDocs,
	}
}

// Ingest validates the upload, extracts and chunks its text, and persists
// the resulting document. ownerID may be empty for anonymous uploads; the
// per-account limit then does not apply. On any validation or extraction
// failure nothing is persisted.
func (p *Pipeline) Ingest(ctx context.Context, ownerID string, data []byte, mimeType, filename string) (domain.Document, error) {
	mimeType = normalizeMimeType(mimeType)
	if !allowedMimeTypes[mimeType] {
		return domain.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
	}
	if int64(len(data)) > p.maxBytes {
		return domain.Document{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), p.maxBytes)
	}
	if ownerID != "" {
		count, err := p.store.CountActiveDocumentsByOwner(ownerID)
		if err != nil {
			return domain.Document{}, fmt.Errorf("count documents: %w", err)
		}
		if count >= p.maxDocs {
			return domain.Document{}, &LimitError{Current: count, Limit: p.maxDocs}
		}
	}

	text, err := extract.Text(data, mimeType, filename)
	if err != nil {
		return domain.Document{}, fmt.Errorf("extract %s: %w", filename, err)
	}

	now := time.Now().UTC()
	doc := domain.Document{
		ID:               util.NewID(),
		OwnerID:          ownerID,
		OriginalFilename: filename,
		MimeType:         mimeType,
		SizeBytes:        int64(len(data)),
		Chunks:           ChunkText(text, filename, p.chunk),
		Metadata:         buildMetadata(text),
		Active:           true,
		CreatedAt:        now,
	}
	for i := range doc.Chunks {
		doc.Chunks[i].ID = util.NewID()
		doc.Chunks[i].DocumentID = doc.ID
		doc.Chunks[i].CreatedAt = now
	}

	if p.objects != nil {
		key := uuid.NewString() + filepath.Ext(filename)
		if err := p.objects.Put(ctx, key, data, mimeType); err != nil {
			return domain.Document{}, fmt.Errorf("store raw file: %w", err)
		}
		doc.StorageKey = key
	}

	if err := p.store.CreateDocument(doc); err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}

	// The document is committed at this point; the owner counter is an
	// eventually consistent convenience and must not fail the ingest.
	if ownerID != "" {
		if err := p.store.IncrementOwnerCounter(ownerID, "uploads", 1); err != nil {
			slog.Warn("owner upload counter not incremented", "owner_id", ownerID, "error", err)
		}
	}
	return doc, nil
}

func buildMetadata(text string) domain.DocumentMetadata {
	runes := []rune(text)
	meta := domain.DocumentMetadata{
		WordCount: len(strings.Fields(text)),
		Language:  domain.DefaultLanguage,
	}
	if len(runes) > 0 {
		meta.PageCount = EstimatePage(len(runes) - 1)
	}
	if len(runes) > summaryChars {
		meta.Summary = string(runes[:summaryChars]) + "…"
	} else {
		meta.Summary = text
	}
	return meta
}

func normalizeMimeType(mimeType string) string {
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	// Strip parameters like "; charset=utf-8".
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}
