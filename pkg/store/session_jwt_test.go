package store

import (
	"testing"
	"time"
)

func TestJWTSessionRoundTrip(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewJWTSessionStore: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("GetUserIDByToken = (%q, %v, %v)", userID, ok, err)
	}
	if userID != "user-1" {
		t.Fatalf("userID = %q, want %q", userID, "user-1")
	}
}

func TestJWTSessionRejectsGarbage(t *testing.T) {
	s, _ := NewJWTSessionStore("test-secret", time.Hour)
	if _, ok, err := s.GetUserIDByToken("not-a-token"); ok || err == nil {
		t.Fatalf("garbage token accepted")
	}
}

func TestJWTSessionRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewJWTSessionStore("secret-a", time.Hour)
	verifier, _ := NewJWTSessionStore("secret-b", time.Hour)
	token, err := issuer.NewSession("user-1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, ok, err := verifier.GetUserIDByToken(token); ok || err == nil {
		t.Fatalf("token signed with another secret accepted")
	}
}

func TestJWTSessionRejectsExpired(t *testing.T) {
	// Bypass the constructor's ttl floor to mint an already expired token.
	s := &JWTSessionStore{secret: []byte("test-secret"), ttl: -2 * time.Minute}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, ok, _ := s.GetUserIDByToken(token); ok {
		t.Fatalf("expired token accepted")
	}
}

func TestJWTSessionRequiresSecret(t *testing.T) {
	if _, err := NewJWTSessionStore("", time.Hour); err == nil {
		t.Fatalf("empty secret accepted")
	}
}
