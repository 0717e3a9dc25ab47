package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seravault/authcore/internal/audit"
	"github.com/seravault/authcore/internal/rate"
	"github.com/seravault/authcore/internal/stores"
	"github.com/seravault/authcore/jwt"
	"github.com/seravault/authcore/password"
	"github.com/seravault/authcore/session"
)

// Builder assembles an Engine. Configure it fluently, then call Build once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	auditSink AuditSink
	mailer    Mailer
	clock     func() time.Time

	built bool
}

// New starts a builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The builder keeps a clone.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing all stores. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAuditSink sets the destination for audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMailer sets the out-of-band delivery channel for recovery tokens.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithClock overrides the engine's time source. Intended for tests that
// need deterministic expiry.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithSigningKeys sets the token signing material in place.
func (b *Builder) WithSigningKeys(method string, privateKey, publicKey []byte) *Builder {
	b.config.Token.SigningMethod = method
	b.config.Token.PrivateKey = cloneBytes(privateKey)
	b.config.Token.PublicKey = cloneBytes(publicKey)
	return b
}

// Build validates the configuration, constructs all stores and managers,
// seeds the rate-limit policies, and returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}
	mailer := b.mailer
	if mailer == nil {
		mailer = NoOpMailer{}
	}

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:     cfg,
		clockFn:    clock,
		mailer:     mailer,
		hasher:     hasher,
		tokens:     tokens,
		sessions:   session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.RevokedRetention),
		identities: stores.NewIdentityStore(b.redis, cfg.Session.RedisPrefix+":id"),
		resets:     stores.NewRecoveryStore(b.redis, cfg.Recovery.RedisPrefix+":reset", cfg.Session.RevokedRetention),
		verifies:   stores.NewRecoveryStore(b.redis, cfg.Recovery.RedisPrefix+":verify", cfg.Session.RevokedRetention),
		metrics:    NewMetrics(cfg.Metrics),
		audit: audit.NewDispatcher(audit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
	}

	if cfg.RateLimit.Enabled {
		engine.limiter = rate.New(b.redis, cfg.RateLimit.RedisPrefix)

		seedCtx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout)
		defer cancel()
		for _, p := range cfg.RateLimit.Policies {
			if err := engine.limiter.EnsurePolicy(seedCtx, p.ID, p.Limit, p.Window); err != nil {
				engine.Close()
				return nil, err
			}
		}
	}

	b.built = true

	return engine, nil
}
