// Package stores holds the Redis-backed record stores for identities and
// one-time recovery tokens. Stores are plain persistence; business rules
// live in the engine.
package stores
