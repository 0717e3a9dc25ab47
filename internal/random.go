package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// TokenID identifies a session or recovery-token record. It is the public
// half of an opaque token; the secret half never reaches storage.
type TokenID [16]byte

const (
	secretSize   = 32
	opaqueRawLen = 16 + secretSize
)

var ErrMalformedToken = errors.New("malformed opaque token")

func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (id TokenID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseTokenID(s string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, ErrMalformedToken
	}
	if len(raw) != len(id) {
		return id, ErrMalformedToken
	}

	copy(id[:], raw)
	return id, nil
}

// NewSecret produces the random preimage carried inside an opaque token.
func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret is the storage form of a token secret. The preimage is 256 bits
// of fresh randomness, so a plain SHA-256 supports exact-match lookup without
// a cost-parameterized KDF.
func HashSecret(secret [secretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeOpaqueToken packs record id and secret into the caller-facing token
// string: base64url(id || secret), no padding.
func EncodeOpaqueToken(id TokenID, secret [secretSize]byte) string {
	var raw [opaqueRawLen]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// DecodeOpaqueToken splits a presented token back into record id and secret.
// Any size or encoding defect is reported as ErrMalformedToken; callers must
// not distinguish malformed from unknown tokens in their responses.
func DecodeOpaqueToken(token string) (TokenID, [secretSize]byte, error) {
	var (
		id     TokenID
		secret [secretSize]byte
	)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return id, secret, ErrMalformedToken
	}
	if len(raw) != opaqueRawLen {
		return id, secret, ErrMalformedToken
	}

	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id, secret, nil
}
