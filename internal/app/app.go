// Package app glues the ingestion pipeline, the document store, and the
// generation client into the operations the HTTP layer exposes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"docuchat/internal/util"
	"docuchat/pkg/ai"
	"docuchat/pkg/auth"
	"docuchat/pkg/domain"
	"docuchat/pkg/ingest"
	"docuchat/pkg/prompt"
	"docuchat/pkg/storage"
	"docuchat/pkg/store"
)

const (
	// recentDocuments is how many documents a chat considers when the
	// request names none.
	recentDocuments     = 5
	defaultHistoryLimit = 50
	downloadURLTTL      = 15 * time.Minute
)

// Generator is the slice of the generation client the app needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts ai.Options) (ai.Result, error)
	Stream(ctx context.Context, prompt string, opts ai.Options) (<-chan ai.StreamEvent, error)
}

// Config wires the application's collaborators.
type Config struct {
	Store        store.Store
	Sessions     store.SessionStore
	Objects      storage.ObjectStore
	Generator    Generator
	Ingest       ingest.Config
	Model        string
	HistoryLimit int
}

// App is the core application service.
type App struct {
	store        store.Store
	sessions     store.SessionStore
	objects      storage.ObjectStore
	generator    Generator
	pipeline     *ingest.Pipeline
	model        string
	historyLimit int
}

// New constructs the application. Objects may be nil when raw uploads are
// not retained.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	var objects ingest.ObjectStore
	if cfg.Objects != nil {
		objects = cfg.Objects
	}
	return &App{
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		objects:      cfg.Objects,
		generator:    cfg.Generator,
		pipeline:     ingest.NewPipeline(cfg.Store, objects, cfg.Ingest),
		model:        cfg.Model,
		historyLimit: historyLimit,
	}, nil
}

// SignUp registers a user and returns a session token.
func (a *App) SignUp(email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, "", fmt.Errorf("invalid email address")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", err
	}
	taken, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if taken {
		return domain.User{}, "", ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Login checks credentials and returns a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserByToken resolves a session token to its user.
func (a *App) UserByToken(token string) (domain.User, bool) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil || !ok {
		return domain.User{}, false
	}
	return user, true
}

// Upload runs the ingestion pipeline for the user's file.
func (a *App) Upload(ctx context.Context, userID string, data []byte, mimeType, filename string) (domain.Document, error) {
	return a.pipeline.Ingest(ctx, userID, data, mimeType, filename)
}

// ListDocuments returns the user's active documents, most recent first.
func (a *App) ListDocuments(userID string) ([]domain.Document, error) {
	docs, err := a.store.ListDocumentsByOwner(userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	// Chunk text is bulky and the listing only needs metadata.
	for i := range docs {
		docs[i].Chunks = nil
	}
	return docs, nil
}

// GetDocument returns one of the user's documents and bumps its view count.
func (a *App) GetDocument(userID, id string) (domain.Document, error) {
	doc, err := a.ownedDocument(userID, id)
	if err != nil {
		return domain.Document{}, err
	}
	if err := a.store.IncrementDocumentStat(id, store.StatViews, 1); err != nil {
		slog.Warn("view count not incremented", "document_id", id, "error", err)
	}
	return doc, nil
}

// DeleteDocument soft-deletes a document, freeing the owner's limit slot.
// The raw file is removed from object storage best-effort.
func (a *App) DeleteDocument(ctx context.Context, userID, id string) error {
	doc, err := a.ownedDocument(userID, id)
	if err != nil {
		return err
	}
	if err := a.store.SoftDeleteDocument(id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if a.objects != nil && doc.StorageKey != "" {
		if err := a.objects.Delete(ctx, doc.StorageKey); err != nil {
			slog.Warn("raw file not removed", "document_id", id, "storage_key", doc.StorageKey, "error", err)
		}
	}
	return nil
}

// DownloadURL returns a short-lived presigned URL for the original file.
func (a *App) DownloadURL(ctx context.Context, userID, id string) (string, error) {
	doc, err := a.ownedDocument(userID, id)
	if err != nil {
		return "", err
	}
	if a.objects == nil || doc.StorageKey == "" {
		return "", ErrDocumentNotFound
	}
	url, err := a.objects.PresignGet(ctx, doc.StorageKey, downloadURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// History returns the user's chat history in chronological order.
func (a *App) History(userID string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = a.historyLimit
	}
	msgs, err := a.store.ListMessages(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// AnswerRequest is one chat turn: a question or a summary request over an
// optional explicit document set.
type AnswerRequest struct {
	Question    string
	Summarize   bool
	DocumentIDs []string
}

// Answer resolves documents, assembles the prompt, and calls the
// generation client. History and stat recording are best-effort.
func (a *App) Answer(ctx context.Context, userID string, req AnswerRequest) (domain.Answer, error) {
	docs, sources, err := a.resolveDocuments(userID, req.DocumentIDs)
	if err != nil {
		return domain.Answer{}, err
	}
	p := a.buildPrompt(docs, req)
	res, err := a.generator.Generate(ctx, p, ai.Options{Model: a.model})
	if err != nil {
		return domain.Answer{}, err
	}
	a.recordExchange(userID, req.Question, res.Text, docs)
	return domain.Answer{
		Text:       res.Text,
		Sources:    sources,
		TokensUsed: res.TokensUsed,
		Model:      res.Model,
		ElapsedMs:  res.Elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// AnswerStream is the streaming variant: fragments are forwarded as they
// arrive and the exchange is recorded once the stream finishes cleanly.
func (a *App) AnswerStream(ctx context.Context, userID string, req AnswerRequest) (<-chan ai.StreamEvent, []domain.SourceRef, error) {
	docs, sources, err := a.resolveDocuments(userID, req.DocumentIDs)
	if err != nil {
		return nil, nil, err
	}
	p := a.buildPrompt(docs, req)
	events, err := a.generator.Stream(ctx, p, ai.Options{Model: a.model})
	if err != nil {
		return nil, nil, err
	}
	out := make(chan ai.StreamEvent)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Done && ev.Err == nil {
				a.recordExchange(userID, req.Question, ev.Full, docs)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sources, nil
}

func (a *App) buildPrompt(docs []domain.Document, req AnswerRequest) string {
	mode := prompt.ModeQuestion
	if req.Summarize {
		mode = prompt.ModeSummary
	}
	p := prompt.Build(docs, req.Question, mode)
	if len([]rune(p)) > prompt.MaxChars {
		p = prompt.Build(docs, req.Question, prompt.ModeMinimal)
	}
	return p
}

// resolveDocuments picks the chat's document set: the explicit ID list
// (each must be the user's active document) or the most recent ones.
// Order is preserved as given by the caller.
func (a *App) resolveDocuments(userID string, ids []string) ([]domain.Document, []domain.SourceRef, error) {
	var docs []domain.Document
	if len(ids) > 0 {
		for _, id := range ids {
			doc, err := a.ownedDocument(userID, id)
			if err != nil {
				return nil, nil, err
			}
			docs = append(docs, doc)
		}
	} else {
		var err error
		docs, err = a.store.ListDocumentsByOwner(userID, recentDocuments)
		if err != nil {
			return nil, nil, fmt.Errorf("list documents: %w", err)
		}
	}
	if len(docs) == 0 {
		return nil, nil, ErrNoDocuments
	}
	sources := make([]domain.SourceRef, len(docs))
	for i, doc := range docs {
		sources[i] = domain.SourceRef{DocumentID: doc.ID, Filename: doc.OriginalFilename}
	}
	return docs, sources, nil
}

func (a *App) ownedDocument(userID, id string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	// A foreign document is reported as missing, not forbidden.
	if !ok || !doc.Active || doc.OwnerID != userID {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// recordExchange persists the chat turn and bumps per-document chat stats.
// The answer is already on its way to the user; failures are logged only.
func (a *App) recordExchange(userID, question, answer string, docs []domain.Document) {
	now := time.Now().UTC()
	docIDs := make([]string, len(docs))
	for i, doc := range docs {
		docIDs[i] = doc.ID
	}

	var g errgroup.Group
	g.Go(func() error {
		return a.store.AppendMessage(domain.Message{
			ID:          util.NewID(),
			UserID:      userID,
			Role:        domain.RoleUserMessage,
			Content:     question,
			DocumentIDs: docIDs,
			CreatedAt:   now,
		})
	})
	g.Go(func() error {
		return a.store.AppendMessage(domain.Message{
			ID:          util.NewID(),
			UserID:      userID,
			Role:        domain.RoleAssistantMessage,
			Content:     answer,
			DocumentIDs: docIDs,
			CreatedAt:   now.Add(time.Millisecond),
		})
	})
	for _, id := range docIDs {
		g.Go(func() error {
			return a.store.IncrementDocumentStat(id, store.StatChats, 1)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("chat exchange not fully recorded", "user_id", userID, "error", err)
	}
}
