package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"docuchat/internal/app"
	"docuchat/pkg/ai"
	"docuchat/pkg/store"
)

type stubGenerator struct {
	result ai.Result
	err    error
}

func (g *stubGenerator) Generate(context.Context, string, ai.Options) (ai.Result, error) {
	return g.result, g.err
}

func (g *stubGenerator) Stream(context.Context, string, ai.Options) (<-chan ai.StreamEvent, error) {
	if g.err != nil {
		return nil, g.err
	}
	events := make(chan ai.StreamEvent, 3)
	events <- ai.StreamEvent{Text: "part one "}
	events <- ai.StreamEvent{Text: "part two"}
	events <- ai.StreamEvent{Done: true, Full: g.result.Text, TokensUsed: g.result.TokensUsed}
	close(events)
	return events, nil
}

func newTestServer(t *testing.T, gen app.Generator, cfg Config) *httptest.Server {
	t.Helper()
	sessions, err := store.NewJWTSessionStore("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	a, err := app.New(app.Config{
		Store:     store.NewMemoryStore(),
		Sessions:  sessions,
		Generator: gen,
		Model:     "test-model",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg.App = a
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func signUp(t *testing.T, srv *httptest.Server, email string) string {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":"Str0ng#Password!"}`, email)
	resp, err := http.Post(srv.URL+"/api/auth/signup", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("signup request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("signup status = %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	if out.Token == "" {
		t.Fatalf("signup returned no token")
	}
	return out.Token
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func uploadFile(t *testing.T, srv *httptest.Server, token, filename, contentType, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/files/upload", &buf)
	if err != nil {
		t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{}, Config{})
	for _, path := range []string{"/api/documents", "/api/chat/history"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestUploadListAndDelete(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{}, Config{})
	token := signUp(t, srv, "u@example.com")

	resp := uploadFile(t, srv, token, "notes.txt", "text/plain", strings.Repeat("hello world ", 100))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d: %s", resp.StatusCode, raw)
	}
	var doc struct {
		ID       string `json:"id"`
		Metadata struct {
			WordCount int `json:"wordCount"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if doc.ID == "" || doc.Metadata.WordCount != 200 {
		t.Fatalf("upload response = %+v", doc)
	}

	listResp := doJSON(t, http.MethodGet, srv.URL+"/api/documents", token, "")
	defer listResp.Body.Close()
	var list struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 {
		t.Fatalf("document count = %d, want 1", list.Count)
	}

	delResp := doJSON(t, http.MethodDelete, srv.URL+"/api/documents/"+doc.ID, token, "")
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}
	getResp := doJSON(t, http.MethodGet, srv.URL+"/api/documents/"+doc.ID, token, "")
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", getResp.StatusCode)
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{}, Config{})
	token := signUp(t, srv, "u@example.com")

	resp := uploadFile(t, srv, token, "pic.png", "image/png", "not really a png")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("upload status = %d, want 400", resp.StatusCode)
	}
	var out struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if out.Code != "UNSUPPORTED_FORMAT" {
		t.Fatalf("code = %q, want UNSUPPORTED_FORMAT", out.Code)
	}
}

func TestUploadDocumentLimit(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{}, Config{})
	token := signUp(t, srv, "u@example.com")

	for i := 0; i < 5; i++ {
		resp := uploadFile(t, srv, token, fmt.Sprintf("f%d.txt", i), "text/plain", "content")
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("upload %d status = %d, want 201", i, resp.StatusCode)
		}
	}
	resp := uploadFile(t, srv, token, "f5.txt", "text/plain", "content")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("sixth upload status = %d, want 409", resp.StatusCode)
	}
	var out struct {
		Code    string `json:"code"`
		Current int    `json:"current"`
		Limit   int    `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if out.Code != "DOCUMENT_LIMIT_REACHED" || out.Current != 5 || out.Limit != 5 {
		t.Fatalf("limit payload = %+v", out)
	}
}

func TestChatNoDocuments(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{}, Config{})
	token := signUp(t, srv, "u@example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/chat", token, `{"question":"anything there?"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("chat status = %d, want 404", resp.StatusCode)
	}
	var out struct {
		Code string `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Code != "NO_DOCUMENTS" {
		t.Fatalf("code = %q, want NO_DOCUMENTS", out.Code)
	}
}

func TestChatAnswersQuestion(t *testing.T) {
	gen := &stubGenerator{result: ai.Result{Text: "the answer", TokensUsed: 12, Model: "test-model"}}
	srv := newTestServer(t, gen, Config{})
	token := signUp(t, srv, "u@example.com")
	uploadFile(t, srv, token, "doc.txt", "text/plain", "interesting content").Body.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/chat", token, `{"question":"what is it?"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("chat status = %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Text       string `json:"text"`
		TokensUsed int    `json:"tokensUsed"`
		Sources    []struct {
			Filename string `json:"filename"`
		} `json:"sourceDocuments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if out.Text != "the answer" || out.TokensUsed != 12 {
		t.Fatalf("chat response = %+v", out)
	}
	if len(out.Sources) != 1 || out.Sources[0].Filename != "doc.txt" {
		t.Fatalf("sources = %+v", out.Sources)
	}

	histResp := doJSON(t, http.MethodGet, srv.URL+"/api/chat/history", token, "")
	defer histResp.Body.Close()
	var hist struct {
		Count int `json:"count"`
	}
	json.NewDecoder(histResp.Body).Decode(&hist)
	if hist.Count != 2 {
		t.Fatalf("history count = %d, want 2", hist.Count)
	}
}

func TestChatServiceOverloaded(t *testing.T) {
	gen := &stubGenerator{err: &ai.OverloadedError{RetryAfter: 17 * time.Second}}
	srv := newTestServer(t, gen, Config{})
	token := signUp(t, srv, "u@example.com")
	uploadFile(t, srv, token, "doc.txt", "text/plain", "content").Body.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/chat", token, `{"question":"q"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("chat status = %d, want 503", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "17" {
		t.Fatalf("Retry-After = %q, want %q", got, "17")
	}
}

func TestChatStream(t *testing.T) {
	gen := &stubGenerator{result: ai.Result{Text: "part one part two", TokensUsed: 5}}
	srv := newTestServer(t, gen, Config{})
	token := signUp(t, srv, "u@example.com")
	uploadFile(t, srv, token, "doc.txt", "text/plain", "content").Body.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/chat/stream", token, `{"question":"q"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var events []streamEvent
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3:\n%s", len(events), raw)
	}
	if events[0].Chunk != "part one " || events[1].Chunk != "part two" {
		t.Fatalf("fragments = %+v", events[:2])
	}
	last := events[2]
	if !last.Done || last.FullResponse != "part one part two" || len(last.SourceDocuments) != 1 {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestChatRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	gen := &stubGenerator{result: ai.Result{Text: "ok"}}
	srv := newTestServer(t, gen, Config{RedisAddr: redis.Addr(), ChatRateLimit: 1, ChatRateWindow: 30 * time.Second})
	token := signUp(t, srv, "u@example.com")
	uploadFile(t, srv, token, "doc.txt", "text/plain", "content").Body.Close()

	first := doJSON(t, http.MethodPost, srv.URL+"/api/chat", token, `{"question":"q"}`)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first chat status = %d, want 200", first.StatusCode)
	}
	second := doJSON(t, http.MethodPost, srv.URL+"/api/chat", token, `{"question":"q"}`)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second chat status = %d, want 429", second.StatusCode)
	}
	if got := second.Header.Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q, want %q", got, "30")
	}
}
