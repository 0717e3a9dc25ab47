package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrIdentityUnavailable = errors.New("identity backend unavailable")
)

const identityTxRetries = 4

// IdentityRecord is the persisted identity row for one actor. Email and
// password hash are absent for guest identities. DeletedAt is a soft-delete
// marker; a soft-deleted identity no longer claims its email.
type IdentityRecord struct {
	ID            string `json:"id"`
	ActorKind     string `json:"actor_kind"`
	Email         string `json:"email,omitempty"`
	PasswordHash  string `json:"password_hash,omitempty"`
	Status        uint8  `json:"status"`
	EmailVerified bool   `json:"email_verified"`
	VerifiedAt    int64  `json:"verified_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	DeletedAt     int64  `json:"deleted_at,omitempty"`
}

// IdentityStore provides transactional CRUD over identity rows with a
// per-kind unique email index. Uniqueness is enforced among non-deleted
// identities of the same kind.
type IdentityStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewIdentityStore(client redis.UniversalClient, prefix string) *IdentityStore {
	return &IdentityStore{redis: client, prefix: prefix}
}

func (s *IdentityStore) key(actorKind, id string) string {
	return s.prefix + ":" + actorKind + ":" + id
}

func (s *IdentityStore) emailKey(actorKind, email string) string {
	return s.prefix + ":email:" + actorKind + ":" + strings.ToLower(email)
}

// Create persists a new identity. When the record carries an email, the
// write is guarded by a WATCH transaction on the email index so two
// concurrent joins for the same address cannot both succeed.
func (s *IdentityStore) Create(ctx context.Context, rec *IdentityRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if rec.Email == "" {
		if err := s.redis.Set(ctx, s.key(rec.ActorKind, rec.ID), data, 0).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
		return nil
	}

	idxKey := s.emailKey(rec.ActorKind, rec.Email)

	for i := 0; i < identityTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			_, err := tx.Get(ctx, idxKey).Result()
			if err == nil {
				return ErrDuplicateEmail
			}
			if !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key(rec.ActorKind, rec.ID), data, 0)
				pipe.Set(ctx, idxKey, rec.ID, 0)
				return nil
			})
			return err
		}, idxKey)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrDuplicateEmail) {
			return ErrDuplicateEmail
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: create transaction contention", ErrIdentityUnavailable)
}

// GetByID fetches an identity. Soft-deleted rows report not found.
func (s *IdentityStore) GetByID(ctx context.Context, actorKind, id string) (*IdentityRecord, error) {
	data, err := s.redis.Get(ctx, s.key(actorKind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	var rec IdentityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt identity record", ErrIdentityUnavailable)
	}
	if rec.DeletedAt > 0 {
		return nil, ErrIdentityNotFound
	}

	return &rec, nil
}

// GetByEmail resolves the per-kind email index and fetches the identity.
func (s *IdentityStore) GetByEmail(ctx context.Context, actorKind, email string) (*IdentityRecord, error) {
	id, err := s.redis.Get(ctx, s.emailKey(actorKind, email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	return s.GetByID(ctx, actorKind, id)
}

// UpdatePasswordHash replaces the stored credential hash.
func (s *IdentityStore) UpdatePasswordHash(ctx context.Context, actorKind, id, newHash string, now time.Time) error {
	return s.mutate(ctx, actorKind, id, func(rec *IdentityRecord) {
		rec.PasswordHash = newHash
		rec.UpdatedAt = now.Unix()
	})
}

// MarkEmailVerified flips the verification flag and stamps verified_at.
func (s *IdentityStore) MarkEmailVerified(ctx context.Context, actorKind, id string, now time.Time) error {
	return s.mutate(ctx, actorKind, id, func(rec *IdentityRecord) {
		rec.EmailVerified = true
		rec.VerifiedAt = now.Unix()
		rec.UpdatedAt = now.Unix()
	})
}

// UpdateStatus sets the lifecycle status (active/suspended).
func (s *IdentityStore) UpdateStatus(ctx context.Context, actorKind, id string, status uint8, now time.Time) error {
	return s.mutate(ctx, actorKind, id, func(rec *IdentityRecord) {
		rec.Status = status
		rec.UpdatedAt = now.Unix()
	})
}

// SoftDelete stamps deleted_at and releases the email index entry so the
// address becomes claimable again. Idempotent.
func (s *IdentityStore) SoftDelete(ctx context.Context, actorKind, id string, now time.Time) error {
	key := s.key(actorKind, id)

	for i := 0; i < identityTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var rec IdentityRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.DeletedAt > 0 {
				return nil
			}

			rec.DeletedAt = now.Unix()
			rec.UpdatedAt = now.Unix()
			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				if rec.Email != "" {
					pipe.Del(ctx, s.emailKey(rec.ActorKind, rec.Email))
				}
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: delete transaction contention", ErrIdentityUnavailable)
}

func (s *IdentityStore) mutate(ctx context.Context, actorKind, id string, apply func(*IdentityRecord)) error {
	key := s.key(actorKind, id)

	for i := 0; i < identityTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var rec IdentityRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.DeletedAt > 0 {
				return ErrIdentityNotFound
			}

			apply(&rec)
			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, ErrIdentityNotFound) {
			return ErrIdentityNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: update transaction contention", ErrIdentityUnavailable)
}
