package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func newHS256Manager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("unit-test-signing-secret"),
		Issuer:        "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newHS256Manager(t)

	token, err := m.CreateAccess("actor-1", "user", "sess-1", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if claims.ActorID != "actor-1" || claims.ActorKind != "user" || claims.SessionID != "sess-1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	m := newHS256Manager(t)

	token, err := m.CreateAccess("actor-1", "user", "sess-1", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	if _, err := m.ParseAccess(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v want ErrTokenInvalid", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	m := newHS256Manager(t)

	other, err := NewManager(Config{
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("a-completely-different-secret"),
		Issuer:        "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := other.CreateAccess("actor-1", "user", "sess-1", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	if _, err := m.ParseAccess(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v want ErrTokenInvalid", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	m := newHS256Manager(t)

	for _, tok := range []string{"", "x", "a.b.c"} {
		if _, err := m.ParseAccess(tok); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("token %q: got %v want ErrTokenInvalid", tok, err)
		}
	}
}

func TestEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	m, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := m.CreateAccess("actor-1", "admin", "sess-9", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if claims.SessionID != "sess-9" {
		t.Fatalf("session claim %q", claims.SessionID)
	}
}

func TestManagerConstructionErrors(t *testing.T) {
	if _, err := NewManager(Config{SigningMethod: MethodHS256}); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("missing hs256 key: got %v", err)
	}
	if _, err := NewManager(Config{SigningMethod: "rs512", PrivateKey: []byte("k")}); err == nil {
		t.Fatal("unsupported method accepted")
	}
	if _, err := NewManager(Config{SigningMethod: MethodHS256, PrivateKey: []byte("k"), Leeway: time.Hour}); err == nil {
		t.Fatal("excessive leeway accepted")
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	if _, err := NewManager(Config{SigningMethod: MethodEd25519, PrivateKey: []byte("short"), PublicKey: pub}); err == nil {
		t.Fatal("malformed ed25519 private key accepted")
	}
}

func TestCreateAccessRejectsNonPositiveTTL(t *testing.T) {
	m := newHS256Manager(t)

	if _, err := m.CreateAccess("actor-1", "user", "sess-1", 0, time.Now()); err == nil {
		t.Fatal("zero TTL accepted")
	}
	if _, err := m.CreateAccess("actor-1", "user", "sess-1", -time.Minute, time.Now()); err == nil {
		t.Fatal("negative TTL accepted")
	}
}
