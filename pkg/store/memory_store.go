package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"docuchat/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	email    map[string]string // email -> user ID
	docs     map[string]domain.Document
	order    []string // document insertion order
	messages map[string][]domain.Message // user ID -> history
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		docs:     make(map[string]domain.Document),
		messages: make(map[string][]domain.Message),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) IncrementOwnerCounter(ownerID, field string, delta int) error {
	if field != CounterUpload {
		return fmt.Errorf("unknown owner counter %q", field)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[ownerID]
	if !ok {
		return nil
	}
	u.UploadCount += delta
	u.UpdatedAt = time.Now().UTC()
	m.users[ownerID] = u
	return nil
}

func (m *MemoryStore) CreateDocument(doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; !exists {
		m.order = append(m.order, doc.ID)
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	return doc, ok, nil
}

func (m *MemoryStore) ListDocumentsByOwner(ownerID string, limit int) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]domain.Document, 0, len(m.order))
	for _, id := range m.order {
		doc, ok := m.docs[id]
		if !ok || doc.OwnerID != ownerID || !doc.Active {
			continue
		}
		docs = append(docs, doc)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemoryStore) CountActiveDocumentsByOwner(ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, doc := range m.docs {
		if doc.OwnerID == ownerID && doc.Active {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SoftDeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok || !doc.Active {
		return fmt.Errorf("document %s not found", id)
	}
	now := time.Now().UTC()
	doc.Active = false
	doc.DeletedAt = &now
	m.docs[id] = doc
	return nil
}

func (m *MemoryStore) IncrementDocumentStat(id, field string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	switch field {
	case StatViews:
		doc.Stats.ViewCount += delta
	case StatChats:
		doc.Stats.ChatCount += delta
	default:
		return fmt.Errorf("unknown document stat %q", field)
	}
	now := time.Now().UTC()
	doc.Stats.LastAccessedAt = &now
	m.docs[id] = doc
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.UserID] = append(m.messages[msg.UserID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(userID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.messages[userID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]domain.Message, len(history))
	copy(out, history)
	return out, nil
}
