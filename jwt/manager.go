package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the signature algorithm for access tokens.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

var (
	ErrMissingKey   = errors.New("signing key unavailable")
	ErrTokenInvalid = errors.New("access token invalid")
)

// Config carries the signing material and validation policy for the token
// issuer. Signing-key absence is fatal at construction: a process without a
// usable key cannot serve authentication at all.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// AccessClaims are the verifiable claims minted into every access token:
// the actor id, the actor kind, and the session the token belongs to.
type AccessClaims struct {
	ActorID   string `json:"aid"`
	ActorKind string `json:"akd"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens. Immutable after construction.
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, ErrMissingKey
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) == 0 {
			return nil, ErrMissingKey
		}
		if _, err := edPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key")
		}
		if _, err := edPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{cfg: cfg}, nil
}

// CreateAccess mints a signed access token for the actor with the caller's
// TTL. TTL policy per actor kind lives with the caller; the manager only
// enforces that it is positive.
func (m *Manager) CreateAccess(actorID, actorKind, sessionID string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		return "", errors.New("non-positive access TTL")
	}

	claims := AccessClaims{
		ActorID:   actorID,
		ActorKind: actorKind,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    m.cfg.Issuer,
		},
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}

	token := jwt.NewWithClaims(m.method(), claims)

	key, err := m.signKey()
	if err != nil {
		return "", err
	}

	return token.SignedString(key)
}

// ParseAccess verifies signature, expiry, issuer, and audience, and returns
// the decoded claims. All failures collapse into ErrTokenInvalid.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.cfg.Leeway))
	}
	if m.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.cfg.Issuer))
	}
	if m.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(m.cfg.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.verifyKey()
	})
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.ActorID == "" || claims.ActorKind == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.cfg.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() (interface{}, error) {
	if m.cfg.SigningMethod == MethodHS256 {
		return m.cfg.PrivateKey, nil
	}
	return edPrivateKey(m.cfg.PrivateKey)
}

func (m *Manager) verifyKey() (interface{}, error) {
	if m.cfg.SigningMethod == MethodHS256 {
		return m.cfg.PrivateKey, nil
	}
	return edPublicKey(m.cfg.PublicKey)
}

func edPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func edPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
