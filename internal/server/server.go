// Package server exposes the HTTP API: auth, document upload and CRUD,
// and the chat endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docuchat/internal/app"
	"docuchat/internal/ratelimit"
	"docuchat/internal/util"
	"docuchat/pkg/ai"
	"docuchat/pkg/domain"
	"docuchat/pkg/extract"
	"docuchat/pkg/ingest"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	RedisAddr      string
	RedisPassword  string
	ChatRateLimit  int
	ChatRateWindow time.Duration
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	chatLimiter    *ratelimit.FixedWindowLimiter
	chatRateWindow time.Duration
}

// New constructs the server with routes configured. Chat rate limiting is
// enabled when Redis is configured and skipped otherwise.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = ingest.DefaultMaxFileBytes
	}
	chatWindow := cfg.ChatRateWindow
	if chatWindow <= 0 {
		chatWindow = time.Minute
	}
	var chatLimiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		chatLimit := cfg.ChatRateLimit
		if chatLimit <= 0 {
			chatLimit = 20
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "docuchat:ratelimit:chat", chatLimit, chatWindow)
		if err != nil {
			return nil, fmt.Errorf("init chat limiter: %w", err)
		}
		chatLimiter = limiter
	} else {
		slog.Warn("chat rate limiting disabled, no redis configured")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		chatLimiter:    chatLimiter,
		chatRateWindow: chatWindow,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware stack applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)

	// documents (auth required)
	s.mux.Handle("/api/files/upload", s.withUser(s.handleUpload))
	s.mux.Handle("/api/documents", s.withUser(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.withUser(s.handleDocumentByID))

	// chat (auth required)
	s.mux.Handle("/api/chat", s.withUser(s.handleChat))
	s.mux.Handle("/api/chat/stream", s.withUser(s.handleChatStream))
	s.mux.Handle("/api/chat/history", s.withUser(s.handleChatHistory))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		user, ok := s.app.UserByToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	user, token, err := s.app.SignUp(req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

// POST /api/files/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	// Slack for multipart framing; the pipeline enforces the exact cap.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds the upload size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "could not read file")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	doc, err := s.app.Upload(r.Context(), user.ID, data, mimeType, header.Filename)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	doc.Chunks = nil
	writeJSON(w, http.StatusCreated, doc)
}

// GET /api/documents
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	docs, err := s.app.ListDocuments(user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

// /api/documents/{id} or /api/documents/{id}/download
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 && parts[1] == "download" {
		s.handleDownload(w, r, user, id)
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(user.ID, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), user.ID, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// handleDownload returns a pre-signed download URL for the original file.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.DownloadURL(r.Context(), user.ID, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// POST /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowChat(w, user) {
		return
	}
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	ans, err := s.app.Answer(r.Context(), user.ID, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// POST /api/chat/stream
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowChat(w, user) {
		return
	}
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	events, sources, err := s.app.AnswerStream(r.Context(), user.ID, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch {
		case ev.Err != nil:
			writeSSE(w, streamEvent{Done: true, Error: "generation failed"})
		case ev.Done:
			writeSSE(w, streamEvent{
				Done:            true,
				FullResponse:    ev.Full,
				SourceDocuments: sources,
				TokensUsed:      ev.TokensUsed,
			})
		default:
			writeSSE(w, streamEvent{Chunk: ev.Text})
		}
		flusher.Flush()
	}
}

// GET /api/chat/history
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	msgs, err := s.app.History(user.ID, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"count": len(msgs),
	})
}

func (s *Server) allowChat(w http.ResponseWriter, user domain.User) bool {
	if s.chatLimiter == nil {
		return true
	}
	if s.chatLimiter.Allow(user.ID) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(s.chatRateWindow)))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many chat requests")
	return false
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (app.AnswerRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return app.AnswerRequest{}, false
	}
	if !req.Summarize && strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "question is required")
		return app.AnswerRequest{}, false
	}
	return app.AnswerRequest{
		Question:    req.Question,
		Summarize:   req.Summarize,
		DocumentIDs: req.DocumentIDs,
	}, true
}

// writeAppError maps application and generation failures to API errors.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *ingest.LimitError
	var overloaded *ai.OverloadedError
	var genErr *ai.GenerationError
	var apiErr *ai.APIError

	switch {
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", "unsupported file format")
	case errors.Is(err, ingest.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds the upload size limit")
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "document limit reached",
			"code":    "DOCUMENT_LIMIT_REACHED",
			"current": limitErr.Current,
			"limit":   limitErr.Limit,
		})
	case errors.Is(err, extract.ErrParse):
		writeError(w, http.StatusUnprocessableEntity, "EXTRACTION_FAILED", "could not extract text from file")
	case errors.Is(err, app.ErrNoDocuments):
		writeError(w, http.StatusNotFound, "NO_DOCUMENTS", "no documents to chat about")
	case errors.Is(err, app.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "document not found")
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, "EMAIL_TAKEN", "email already registered")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
	case errors.As(err, &overloaded):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(overloaded.RetryAfter)))
		writeError(w, http.StatusServiceUnavailable, "SERVICE_OVERLOADED", "generation service overloaded, try again later")
	case errors.As(err, &apiErr) && apiErr.Kind == ai.KindInvalidAPIKey:
		writeError(w, http.StatusBadGateway, "GENERATION_AUTH_FAILED", "generation service rejected our credentials")
	case errors.As(err, &apiErr) && apiErr.Kind == ai.KindQuotaExhausted:
		writeError(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", "generation quota exceeded")
	case errors.As(err, &genErr):
		writeError(w, http.StatusBadGateway, "GENERATION_FAILED", "generation failed after retries")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

type chatRequest struct {
	Question    string   `json:"question"`
	Summarize   bool     `json:"summarize"`
	DocumentIDs []string `json:"documentIds"`
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type streamEvent struct {
	Chunk           string             `json:"chunk"`
	Done            bool               `json:"done"`
	FullResponse    string             `json:"fullResponse,omitempty"`
	SourceDocuments []domain.SourceRef `json:"sourceDocuments,omitempty"`
	TokensUsed      int                `json:"tokensUsed,omitempty"`
	Error           string             `json:"error,omitempty"`
}

func writeSSE(w http.ResponseWriter, ev streamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
