package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"docuchat/pkg/ai"
	"docuchat/pkg/domain"
	"docuchat/pkg/store"
)

type fakeSessions struct {
	tokens map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: make(map[string]string)}
}

func (f *fakeSessions) NewSession(userID string) (string, error) {
	token := fmt.Sprintf("token-%d", len(f.tokens)+1)
	f.tokens[token] = userID
	return token, nil
}

func (f *fakeSessions) GetUserIDByToken(token string) (string, bool, error) {
	id, ok := f.tokens[token]
	return id, ok, nil
}

type fakeGenerator struct {
	prompts []string
	result  ai.Result
	err     error
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, _ ai.Options) (ai.Result, error) {
	f.prompts = append(f.prompts, prompt)
	return f.result, f.err
}

func (f *fakeGenerator) Stream(ctx context.Context, prompt string, opts ai.Options) (<-chan ai.StreamEvent, error) {
	res, err := f.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	events := make(chan ai.StreamEvent, 2)
	events <- ai.StreamEvent{Text: res.Text}
	events <- ai.StreamEvent{Done: true, Full: res.Text, TokensUsed: res.TokensUsed}
	close(events)
	return events, nil
}

func newTestApp(t *testing.T, s store.Store, gen Generator) *App {
	t.Helper()
	a, err := New(Config{
		Store:     s,
		Sessions:  newFakeSessions(),
		Generator: gen,
		Model:     "test-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func seedDocument(t *testing.T, s store.Store, id, ownerID, filename string, chunkTexts ...string) {
	t.Helper()
	doc := domain.Document{
		ID:               id,
		OwnerID:          ownerID,
		OriginalFilename: filename,
		Active:           true,
		CreatedAt:        time.Now().UTC(),
	}
	for i, text := range chunkTexts {
		doc.Chunks = append(doc.Chunks, domain.Chunk{ID: fmt.Sprintf("%s-c%d", id, i), DocumentID: id, Index: i, Text: text})
	}
	if err := s.CreateDocument(doc); err != nil {
		t.Fatalf("seed document %s: %v", id, err)
	}
}

func TestAnswerNoDocuments(t *testing.T) {
	a := newTestApp(t, store.NewMemoryStore(), &fakeGenerator{})
	_, err := a.Answer(context.Background(), "u1", AnswerRequest{Question: "hi"})
	if !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("Answer() error = %v, want ErrNoDocuments", err)
	}
}

func TestAnswerUsesRecentDocuments(t *testing.T) {
	s := store.NewMemoryStore()
	seedDocument(t, s, "d1", "u1", "a.pdf", "alpha text")
	seedDocument(t, s, "d2", "u1", "b.pdf", "beta text")
	gen := &fakeGenerator{result: ai.Result{Text: "the answer", TokensUsed: 7, Model: "test-model"}}
	a := newTestApp(t, s, gen)

	ans, err := a.Answer(context.Background(), "u1", AnswerRequest{Question: "what?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "the answer" || ans.TokensUsed != 7 {
		t.Fatalf("answer = %+v", ans)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("sources = %v, want both documents", ans.Sources)
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "alpha text") || !strings.Contains(gen.prompts[0], "beta text") {
		t.Fatalf("prompt missing document text:\n%s", gen.prompts)
	}

	msgs, _ := s.ListMessages("u1", 0)
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want question and answer", len(msgs))
	}
	roles := map[domain.ChatRole]bool{}
	for _, m := range msgs {
		roles[m.Role] = true
		if len(m.DocumentIDs) != 2 {
			t.Fatalf("message %s documentIds = %v, want both", m.ID, m.DocumentIDs)
		}
	}
	if !roles[domain.RoleUserMessage] || !roles[domain.RoleAssistantMessage] {
		t.Fatalf("history roles = %v", roles)
	}

	doc, _, _ := s.GetDocument("d1")
	if doc.Stats.ChatCount != 1 {
		t.Fatalf("chatCount = %d, want 1", doc.Stats.ChatCount)
	}
}

func TestAnswerExplicitDocumentsMustBeOwned(t *testing.T) {
	s := store.NewMemoryStore()
	seedDocument(t, s, "d1", "other-user", "a.pdf", "text")
	a := newTestApp(t, s, &fakeGenerator{})
	_, err := a.Answer(context.Background(), "u1", AnswerRequest{Question: "q", DocumentIDs: []string{"d1"}})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("Answer() error = %v, want ErrDocumentNotFound", err)
	}
}

type failingHistoryStore struct {
	store.Store
}

func (f *failingHistoryStore) AppendMessage(domain.Message) error {
	return errors.New("history db down")
}

func TestAnswerHistoryFailureSwallowed(t *testing.T) {
	s := store.NewMemoryStore()
	seedDocument(t, s, "d1", "u1", "a.pdf", "text")
	gen := &fakeGenerator{result: ai.Result{Text: "ok"}}
	a := newTestApp(t, &failingHistoryStore{Store: s}, gen)

	ans, err := a.Answer(context.Background(), "u1", AnswerRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Answer() error = %v, want history failure swallowed", err)
	}
	if ans.Text != "ok" {
		t.Fatalf("answer text = %q", ans.Text)
	}
}

func TestAnswerFallsBackToMinimalPrompt(t *testing.T) {
	s := store.NewMemoryStore()
	seedDocument(t, s, "d1", "u1", "a.pdf", "first chunk", "second chunk sentinel")
	gen := &fakeGenerator{result: ai.Result{Text: "ok"}}
	a := newTestApp(t, s, gen)

	// A question this large pushes the full prompt over budget.
	question := strings.Repeat("q", 13000)
	if _, err := a.Answer(context.Background(), "u1", AnswerRequest{Question: question}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(gen.prompts) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gen.prompts))
	}
	if strings.Contains(gen.prompts[0], "second chunk sentinel") {
		t.Fatalf("fallback prompt still carries chunks beyond the first")
	}
	if !strings.Contains(gen.prompts[0], "first chunk") {
		t.Fatalf("fallback prompt lost the first chunk")
	}
}

func TestAnswerStreamRecordsExchange(t *testing.T) {
	s := store.NewMemoryStore()
	seedDocument(t, s, "d1", "u1", "a.pdf", "text")
	gen := &fakeGenerator{result: ai.Result{Text: "streamed answer"}}
	a := newTestApp(t, s, gen)

	events, sources, err := a.AnswerStream(context.Background(), "u1", AnswerRequest{Question: "q"})
	if err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}
	if len(sources) != 1 || sources[0].DocumentID != "d1" {
		t.Fatalf("sources = %v", sources)
	}
	var got []ai.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 || !got[1].Done || got[1].Full != "streamed answer" {
		t.Fatalf("stream events = %+v", got)
	}
	msgs, _ := s.ListMessages("u1", 0)
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
}

func TestSignUpAndLogin(t *testing.T) {
	s := store.NewMemoryStore()
	a := newTestApp(t, s, &fakeGenerator{})

	user, token, err := a.SignUp("User@Example.com", "Str0ng#Password!")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("email = %q, want lowercased", user.Email)
	}
	if token == "" {
		t.Fatalf("expected session token")
	}
	if got, ok := a.UserByToken(token); !ok || got.ID != user.ID {
		t.Fatalf("UserByToken = (%+v, %v)", got, ok)
	}

	if _, _, err := a.SignUp("user@example.com", "Str0ng#Password!"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate signup error = %v, want ErrEmailTaken", err)
	}
	if _, _, err := a.SignUp("not-an-email", "Str0ng#Password!"); err == nil {
		t.Fatalf("invalid email accepted")
	}
	if _, _, err := a.SignUp("new@example.com", "weak"); err == nil {
		t.Fatalf("weak password accepted")
	}

	if _, _, err := a.Login("user@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login error = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := a.Login("unknown@example.com", "Str0ng#Password!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login error = %v, want ErrInvalidCredentials", err)
	}
	_, loginToken, err := a.Login("user@example.com", "Str0ng#Password!")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got, ok := a.UserByToken(loginToken); !ok || got.ID != user.ID {
		t.Fatalf("UserByToken after login = (%+v, %v)", got, ok)
	}
}
