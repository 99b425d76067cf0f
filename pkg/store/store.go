package store

import "docuchat/pkg/domain"

// Store defines persistence for users, documents, and chat history.
//
// Documents are append-only: chunks are written once with the document and
// never updated. The only mutations afterwards are stat counter bumps and
// the soft-delete flags.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	IncrementOwnerCounter(ownerID, field string, delta int) error

	// documents
	CreateDocument(doc domain.Document) error
	GetDocument(id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string, limit int) ([]domain.Document, error)
	CountActiveDocumentsByOwner(ownerID string) (int, error)
	SoftDeleteDocument(id string) error
	IncrementDocumentStat(id, field string, delta int) error

	// chat history
	AppendMessage(msg domain.Message) error
	ListMessages(userID string, limit int) ([]domain.Message, error)
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
}

// Stat and counter field names accepted by the increment operations.
const (
	StatViews     = "views"
	StatChats     = "chats"
	CounterUpload = "uploads"
)
