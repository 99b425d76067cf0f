package domain

import "time"

// DefaultLanguage is the language tag recorded on every ingested document.
// Language detection is out of scope; the extractor treats everything as text.
const DefaultLanguage = "en"

type ChatRole string

const (
	RoleUserMessage      ChatRole = "user"
	RoleAssistantMessage ChatRole = "assistant"
)

// ChunkSource locates a chunk inside the original extracted text.
// Start/End are rune offsets forming a half-open [Start, End) interval.
// Page is a display estimate only and carries no correctness guarantees.
type ChunkSource struct {
	Filename string `json:"filename"`
	Page     int    `json:"page"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Chunk is an immutable slice of a document's extracted text.
type Chunk struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"documentId"`
	Index      int         `json:"index"`
	Text       string      `json:"text"`
	Source     ChunkSource `json:"source"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// DocumentMetadata carries display-oriented facts derived at ingest time.
type DocumentMetadata struct {
	PageCount int    `json:"pageCount"`
	WordCount int    `json:"wordCount"`
	Language  string `json:"language"`
	Summary   string `json:"summary"`
}

// DocumentStats tracks read and chat usage. Counters are the only fields on
// a document that change after creation, besides the soft-delete flags.
type DocumentStats struct {
	ViewCount      int        `json:"viewCount"`
	ChatCount      int        `json:"chatCount"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
}

// Document is a processed upload. Chunks are written once with the document
// and never mutated afterwards; re-processing a file creates a new Document.
type Document struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"ownerId,omitempty"`
	StorageKey       string           `json:"-"`
	OriginalFilename string           `json:"originalFilename"`
	MimeType         string           `json:"mimeType"`
	SizeBytes        int64            `json:"sizeBytes"`
	Chunks           []Chunk          `json:"chunks,omitempty"`
	Metadata         DocumentMetadata `json:"metadata"`
	Stats            DocumentStats    `json:"stats"`
	Active           bool             `json:"active"`
	DeletedAt        *time.Time       `json:"deletedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	UploadCount  int       `json:"uploadCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is one chat history entry, linked to the documents that were in
// scope when it was produced.
type Message struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Role        ChatRole  `json:"role"`
	Content     string    `json:"content"`
	DocumentIDs []string  `json:"documentIds,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SourceRef identifies a document that contributed context to an answer.
type SourceRef struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
}

// Answer is the orchestrator's response to a chat request.
type Answer struct {
	Text       string      `json:"text"`
	Sources    []SourceRef `json:"sourceDocuments"`
	TokensUsed int         `json:"tokensUsed"`
	Model      string      `json:"model"`
	ElapsedMs  int64       `json:"elapsedMs"`
	CreatedAt  time.Time   `json:"createdAt"`
}
