package stores

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRecoveryNotFound    = errors.New("recovery token not found")
	ErrRecoveryConsumed    = errors.New("recovery token already consumed")
	ErrRecoveryMismatch    = errors.New("recovery secret mismatch")
	ErrRecoveryUnavailable = errors.New("recovery backend unavailable")
)

const recoveryTxRetries = 4

// RecoveryRecord backs both password-reset and email-verification tokens;
// the two flows are structurally identical and differ only in key prefix.
// SecretHash is the hex SHA-256 of the token secret; the raw token is never
// persisted.
type RecoveryRecord struct {
	RecoveryID  string `json:"rid"`
	ActorKind   string `json:"actor_kind"`
	ActorID     string `json:"actor_id"`
	Email       string `json:"email"`
	SecretHash  string `json:"secret_hash"`
	RequestedAt int64  `json:"requested_at"`
	ExpiresAt   int64  `json:"expires_at"`
	ConsumedAt  int64  `json:"consumed_at"`
}

// RecoveryStore owns one family of one-time recovery tokens. Every record is
// consumable at most once; consumption marks consumed_at rather than
// deleting, so replays are distinguishable from expiry in the store (the
// engine still reports both identically to callers).
type RecoveryStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRecoveryStore(client redis.UniversalClient, prefix string, retention time.Duration) *RecoveryStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RecoveryStore{redis: client, prefix: prefix, retention: retention}
}

func (s *RecoveryStore) key(recoveryID string) string {
	return s.prefix + ":" + recoveryID
}

// Save persists a fresh token record. A new record never displaces earlier
// outstanding ones for the same actor: resend accumulates, and only
// consumption or expiry retires a token.
func (s *RecoveryStore) Save(ctx context.Context, rec *RecoveryRecord, now time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ttl := time.Unix(rec.ExpiresAt, 0).Sub(now) + s.retention
	if ttl <= 0 {
		return errors.New("recovery record already expired at save")
	}

	if err := s.redis.Set(ctx, s.key(rec.RecoveryID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryUnavailable, err)
	}

	return nil
}

// Consume atomically marks the record consumed if and only if it is
// unconsumed, unexpired, and the presented hash matches. The WATCH
// transaction guarantees a token is consumed at most once under concurrent
// confirmation attempts.
func (s *RecoveryStore) Consume(ctx context.Context, recoveryID, providedHashHex string, now time.Time) (*RecoveryRecord, error) {
	key := s.key(recoveryID)

	for i := 0; i < recoveryTxRetries; i++ {
		var matched *RecoveryRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var rec RecoveryRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}

			if now.Unix() >= rec.ExpiresAt {
				return ErrRecoveryNotFound
			}
			if rec.ConsumedAt > 0 {
				return ErrRecoveryConsumed
			}
			if subtle.ConstantTimeCompare([]byte(rec.SecretHash), []byte(providedHashHex)) != 1 {
				return ErrRecoveryMismatch
			}

			rec.ConsumedAt = now.Unix()
			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, s.retention)
				return nil
			})
			if err != nil {
				return err
			}

			matched = &rec
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrRecoveryNotFound
			case errors.Is(err, ErrRecoveryNotFound),
				errors.Is(err, ErrRecoveryConsumed),
				errors.Is(err, ErrRecoveryMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrRecoveryUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, fmt.Errorf("%w: consume transaction contention", ErrRecoveryUnavailable)
}

// Get fetches a record without consuming it. Expired records report not
// found; consumed records are returned as stored.
func (s *RecoveryStore) Get(ctx context.Context, recoveryID string) (*RecoveryRecord, error) {
	data, err := s.redis.Get(ctx, s.key(recoveryID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecoveryNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRecoveryUnavailable, err)
	}

	var rec RecoveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt recovery record", ErrRecoveryUnavailable)
	}
	if time.Now().Unix() >= rec.ExpiresAt && rec.ConsumedAt == 0 {
		return nil, ErrRecoveryNotFound
	}

	return &rec, nil
}
