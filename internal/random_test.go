package internal

import (
	"errors"
	"strings"
	"testing"
)

func TestOpaqueTokenRoundTrip(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID failed: %v", err)
	}
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}

	token := EncodeOpaqueToken(id, secret)
	if strings.ContainsAny(token, "+/=") {
		t.Fatalf("token is not unpadded base64url: %q", token)
	}

	gotID, gotSecret, err := DecodeOpaqueToken(token)
	if err != nil {
		t.Fatalf("DecodeOpaqueToken failed: %v", err)
	}
	if gotID != id {
		t.Fatal("token id did not round-trip")
	}
	if gotSecret != secret {
		t.Fatal("token secret did not round-trip")
	}
}

func TestDecodeOpaqueTokenRejectsDefects(t *testing.T) {
	id, _ := NewTokenID()
	secret, _ := NewSecret()
	valid := EncodeOpaqueToken(id, secret)

	for _, bad := range []string{
		"",
		"!not base64!",
		valid[:len(valid)-4],
		valid + "AAAA",
	} {
		if _, _, err := DecodeOpaqueToken(bad); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("token %q: got %v want ErrMalformedToken", bad, err)
		}
	}
}

func TestTokenIDStringRoundTrip(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID failed: %v", err)
	}

	parsed, err := ParseTokenID(id.String())
	if err != nil {
		t.Fatalf("ParseTokenID failed: %v", err)
	}
	if parsed != id {
		t.Fatal("token id string did not round-trip")
	}

	if _, err := ParseTokenID("too-short"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("got %v want ErrMalformedToken", err)
	}
}

func TestHashSecretIsDeterministic(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}

	if HashSecret(secret) != HashSecret(secret) {
		t.Fatal("hash of the same secret differs")
	}

	other, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}
	if HashSecret(secret) == HashSecret(other) {
		t.Fatal("distinct secrets collided")
	}
}
