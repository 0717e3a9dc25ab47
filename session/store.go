package session

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound covers every unusable-session outcome on lookup paths:
	// missing, revoked, and expired records all surface identically so the
	// caller cannot distinguish why a presented token failed.
	ErrNotFound = errors.New("session not found")

	// ErrHashMismatch is returned by Rotate when the stored refresh hash no
	// longer matches the presented one, i.e. the token was already rotated
	// away. The registry treats this as a replay signal.
	ErrHashMismatch = errors.New("refresh hash mismatch")

	ErrCorruptRecord = errors.New("corrupt session record")
	ErrUnavailable   = errors.New("session backend unavailable")
)

const (
	rotateStatusMissing  int64 = 0
	rotateStatusUnusable int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusCorrupt  int64 = 4
)

// rotateScript is the single atomic read-modify-write behind refresh
// rotation. It keys the swap on the currently stored hash so that of any
// number of concurrent rotations presenting the same token, exactly one
// writer wins; the rest observe a mismatch.
const rotateScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end

local ok, sess = pcall(cjson.decode, data)
if not ok or type(sess) ~= "table" then
  return {4}
end

local now = tonumber(ARGV[1])
if (sess.revoked_at and sess.revoked_at > 0) or sess.expires_at <= now then
  return {1}
end

if sess.refresh_hash ~= ARGV[2] then
  return {2}
end

sess.refresh_hash = ARGV[3]
sess.last_accessed_at = now
sess.expires_at = now + tonumber(ARGV[4])

local updated = cjson.encode(sess)
redis.call("SET", KEYS[1], updated, "EX", tonumber(ARGV[4]) + tonumber(ARGV[5]))
return {3, updated}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript sets revoked_at exactly once. Missing and already-revoked
// records both report a no-op so revocation stays idempotent. The record is
// kept under a retention TTL and dropped from the actor index.
const revokeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end

local ok, sess = pcall(cjson.decode, data)
if not ok or type(sess) ~= "table" then
  return -1
end

redis.call("SREM", ARGV[3] .. sess.actor_kind .. ":" .. sess.actor_id, sess.sid)

if sess.revoked_at and sess.revoked_at > 0 then
  return 1
end

sess.revoked_at = tonumber(ARGV[1])
redis.call("SET", KEYS[1], cjson.encode(sess), "EX", tonumber(ARGV[2]))
return 2
`

var revokeLua = redis.NewScript(revokeScript)

// Store owns session rows. It is the only component permitted to mutate
// refresh_hash, expires_at, and revoked_at.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates a session Store. prefix namespaces all keys; retention is
// how long revoked or expired records stay readable for audit.
func NewStore(client redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{
		redis:     client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) actorKey(actorKind, actorID string) string {
	return s.prefix + ":actor:" + actorKind + ":" + actorID
}

func (s *Store) actorKeyPrefix() string {
	return s.prefix + ":actor:"
}

// Save persists a new session record and indexes it under its actor.
func (s *Store) Save(ctx context.Context, sess *Session, now time.Time) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	ttl := time.Unix(sess.ExpiresAt, 0).Sub(now) + s.retention
	if ttl <= 0 {
		return errors.New("session already expired at save")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.actorKey(sess.ActorKind, sess.ActorID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Rotate atomically replaces the stored refresh hash with nextHash and
// advances expires_at/last_accessed_at, but only if the stored hash still
// equals providedHash and the session is usable. At most one concurrent
// caller can succeed per stored hash value.
func (s *Store) Rotate(
	ctx context.Context,
	sessionID string,
	providedHash, nextHash [32]byte,
	extend time.Duration,
	now time.Time,
) (*Session, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		now.Unix(),
		hashHex(providedHash),
		hashHex(nextHash),
		int64(extend.Seconds()),
		int64(s.retention.Seconds()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusMissing, rotateStatusUnusable:
		return nil, ErrNotFound
	case rotateStatusMismatch:
		return nil, ErrHashMismatch
	case rotateStatusCorrupt:
		return nil, ErrCorruptRecord
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated session payload", ErrUnavailable)
		}
		blob, ok := parts[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: invalid rotated session payload", ErrUnavailable)
		}
		var sess Session
		if err := json.Unmarshal([]byte(blob), &sess); err != nil {
			return nil, ErrCorruptRecord
		}
		return &sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status %d", ErrUnavailable, code)
	}
}

// Revoke marks the session revoked at now. Idempotent: revoking a missing or
// already-revoked session is a successful no-op.
func (s *Store) Revoke(ctx context.Context, sessionID string, now time.Time) error {
	result, err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		now.Unix(),
		int64(s.retention.Seconds()),
		s.actorKeyPrefix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if result < 0 {
		return ErrCorruptRecord
	}
	return nil
}

// RevokeAllForActor revokes every indexed session of the actor, optionally
// sparing one (the caller's current session). Returns how many sessions were
// visited.
//
// The member scan and the per-session revocations are separate commands; a
// session created mid-call is not captured. The stray session is caught by
// the next revoke-all or expires on its own.
func (s *Store) RevokeAllForActor(ctx context.Context, actorKind, actorID, exceptSessionID string, now time.Time) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.actorKey(actorKind, actorID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	revoked := 0
	for _, id := range ids {
		if id == exceptSessionID {
			continue
		}
		if err := s.Revoke(ctx, id, now); err != nil {
			return revoked, err
		}
		revoked++
	}

	return revoked, nil
}

// Get fetches a session record without checking usability. Missing records
// return ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ErrCorruptRecord
	}

	return &sess, nil
}

// FindUsable returns the session only when it is usable and the presented
// hash matches the stored one. Every failure mode — missing, revoked,
// expired, wrong hash — collapses into ErrNotFound so a caller cannot probe
// why a token stopped working.
func (s *Store) FindUsable(ctx context.Context, sessionID string, providedHash [32]byte, now time.Time) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrCorruptRecord) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if !sess.Usable(now.Unix()) {
		return nil, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(sess.RefreshHash), []byte(hashHex(providedHash))) != 1 {
		return nil, ErrNotFound
	}

	return sess, nil
}

// ActiveSessionIDs lists the indexed (not yet revoked) session ids of an actor.
func (s *Store) ActiveSessionIDs(ctx context.Context, actorKind, actorID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.actorKey(actorKind, actorID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// Ping reports store availability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func hashHex(h [32]byte) string {
	return hex.EncodeToString(h[:])
}
