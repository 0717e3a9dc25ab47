package authcore

import (
	"errors"
	"time"
)

// Config is the full engine configuration. Configure once, pass to the
// builder, treat as immutable afterwards; the engine keeps a private clone.
type Config struct {
	Token     TokenConfig
	Session   SessionConfig
	Password  PasswordConfig
	Recovery  RecoveryConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Store     StoreConfig
}

// TokenConfig carries signing material and per-kind TTL policy. Both TTL
// tables must cover all four actor kinds.
type TokenConfig struct {
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration

	AccessTTL  map[ActorKind]time.Duration
	RefreshTTL map[ActorKind]time.Duration
}

// SessionConfig controls session persistence.
type SessionConfig struct {
	RedisPrefix string

	// RevokedRetention is how long revoked and expired session records stay
	// readable for audit before Redis drops them.
	RevokedRetention time.Duration

	// RevokeOtherSessionsOnPasswordChange cascades a password change or
	// reset into revocation of the actor's other sessions.
	RevokeOtherSessionsOnPasswordChange bool
}

// PasswordConfig sets argon2id cost parameters and the plaintext policy.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

// RecoveryConfig controls the one-time token flows.
type RecoveryConfig struct {
	RedisPrefix     string
	ResetTTL        time.Duration
	VerificationTTL time.Duration

	// EnumerationDelay pads the unknown-email path of recovery requests so
	// its latency resembles the known-email path.
	EnumerationDelay time.Duration
}

// Rate limit policy ids seeded by the engine at build time.
const (
	PolicyLogin    = "login"
	PolicyRefresh  = "refresh"
	PolicyJoin     = "join"
	PolicyRecovery = "recovery"
)

// RateLimitPolicy is the seed definition of one fixed-window policy.
type RateLimitPolicy struct {
	ID     string
	Limit  int
	Window time.Duration
}

// RateLimitConfig controls attempt throttling.
type RateLimitConfig struct {
	Enabled     bool
	RedisPrefix string
	Policies    []RateLimitPolicy
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// StoreConfig bounds every Redis round trip. Operations that exceed Timeout
// fail with ErrStoreTimeout instead of hanging.
type StoreConfig struct {
	Timeout time.Duration
}

// DefaultConfig returns the baseline configuration: conservative per-kind
// TTLs, moderate argon2id costs, all four limiter policies enabled, and
// auditing plus metrics on.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
			AccessTTL: map[ActorKind]time.Duration{
				KindGuest:       15 * time.Minute,
				KindUser:        15 * time.Minute,
				KindAdmin:       10 * time.Minute,
				KindSystemAdmin: 5 * time.Minute,
			},
			RefreshTTL: map[ActorKind]time.Duration{
				KindGuest:       24 * time.Hour,
				KindUser:        720 * time.Hour,
				KindAdmin:       12 * time.Hour,
				KindSystemAdmin: 4 * time.Hour,
			},
		},
		Session: SessionConfig{
			RedisPrefix:                         "ac:sess",
			RevokedRetention:                    24 * time.Hour,
			RevokeOtherSessionsOnPasswordChange: true,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
		},
		Recovery: RecoveryConfig{
			RedisPrefix:      "ac:rec",
			ResetTTL:         30 * time.Minute,
			VerificationTTL:  24 * time.Hour,
			EnumerationDelay: 80 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			RedisPrefix: "ac:rl",
			Policies: []RateLimitPolicy{
				{ID: PolicyLogin, Limit: 10, Window: 5 * time.Minute},
				{ID: PolicyRefresh, Limit: 60, Window: time.Minute},
				{ID: PolicyJoin, Limit: 20, Window: time.Hour},
				{ID: PolicyRecovery, Limit: 5, Window: 15 * time.Minute},
			},
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Store: StoreConfig{
			Timeout: 3 * time.Second,
		},
	}
}

// Validate checks invariants the builder depends on. Signing keys are
// validated later by the token manager itself.
func (c *Config) Validate() error {
	for _, kind := range allActorKinds {
		access := c.Token.AccessTTL[kind]
		refresh := c.Token.RefreshTTL[kind]
		if access <= 0 {
			return errors.New("access TTL missing for kind " + string(kind))
		}
		if refresh <= 0 {
			return errors.New("refresh TTL missing for kind " + string(kind))
		}
		if refresh < access {
			return errors.New("refresh TTL shorter than access TTL for kind " + string(kind))
		}
	}

	if c.Session.RedisPrefix == "" {
		return errors.New("session redis prefix required")
	}
	if c.Session.RevokedRetention <= 0 {
		return errors.New("revoked retention must be positive")
	}
	if c.Recovery.ResetTTL <= 0 || c.Recovery.VerificationTTL <= 0 {
		return errors.New("recovery TTLs must be positive")
	}
	if c.Recovery.EnumerationDelay < 0 {
		return errors.New("enumeration delay must not be negative")
	}
	if c.Store.Timeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	if c.Password.MinLength < 8 {
		return errors.New("password minimum length must be at least 8")
	}

	if c.RateLimit.Enabled {
		seen := make(map[string]bool, len(c.RateLimit.Policies))
		for _, p := range c.RateLimit.Policies {
			if p.ID == "" {
				return errors.New("rate limit policy id required")
			}
			if seen[p.ID] {
				return errors.New("duplicate rate limit policy " + p.ID)
			}
			seen[p.ID] = true
			if p.Limit <= 0 || p.Window <= 0 {
				return errors.New("rate limit policy " + p.ID + " needs positive limit and window")
			}
		}
	}

	return nil
}

func cloneConfig(c Config) Config {
	out := c

	out.Token.PrivateKey = cloneBytes(c.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(c.Token.PublicKey)

	out.Token.AccessTTL = make(map[ActorKind]time.Duration, len(c.Token.AccessTTL))
	for k, v := range c.Token.AccessTTL {
		out.Token.AccessTTL[k] = v
	}
	out.Token.RefreshTTL = make(map[ActorKind]time.Duration, len(c.Token.RefreshTTL))
	for k, v := range c.Token.RefreshTTL {
		out.Token.RefreshTTL[k] = v
	}

	out.RateLimit.Policies = make([]RateLimitPolicy, len(c.RateLimit.Policies))
	copy(out.RateLimit.Policies, c.RateLimit.Policies)

	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
