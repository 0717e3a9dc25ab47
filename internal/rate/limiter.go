package rate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const policyTxRetries = 4

// Policy is a persisted rate-limit policy row. Retirement is a soft delete:
// RetiredAt is stamped and the row kept. A retired or disabled policy admits
// everything.
type Policy struct {
	ID            string `json:"id"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	Enabled       bool   `json:"enabled"`
	RetiredAt     int64  `json:"retired_at"`
}

func (p *Policy) window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Limiter maintains fixed-window attempt counters per (policy, scope key)
// pair and the policy rows that parameterize them. Counter increments use
// INCR with a first-hit EXPIRE, so the window resets deterministically when
// its TTL lapses.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) *Limiter {
	return &Limiter{redis: client, prefix: prefix}
}

func (l *Limiter) policyKey(policyID string) string {
	return l.prefix + ":policy:" + policyID
}

func (l *Limiter) counterKey(policyID, scopeKey string) string {
	return l.prefix + ":count:" + policyID + ":" + scopeKey
}

// EnsurePolicy seeds a policy row at startup. Limit and window follow the
// given values; an existing row keeps its enabled/retired state so runtime
// administration survives restarts.
func (l *Limiter) EnsurePolicy(ctx context.Context, id string, limit int, window time.Duration) error {
	key := l.policyKey(id)

	for i := 0; i < policyTxRetries; i++ {
		err := l.redis.Watch(ctx, func(tx *redis.Tx) error {
			pol := Policy{
				ID:            id,
				Limit:         limit,
				WindowSeconds: int64(window.Seconds()),
				Enabled:       true,
			}

			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				var existing Policy
				if decErr := json.Unmarshal(data, &existing); decErr == nil {
					pol.Enabled = existing.Enabled
					pol.RetiredAt = existing.RetiredAt
				}
			case !errors.Is(err, redis.Nil):
				return err
			}

			encoded, err := json.Marshal(&pol)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: policy seed contention", ErrUnavailable)
}

// GetPolicy fetches a policy row, retired or not.
func (l *Limiter) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	data, err := l.redis.Get(ctx, l.policyKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var pol Policy
	if err := json.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("%w: corrupt policy record", ErrUnavailable)
	}

	return &pol, nil
}

// SetEnabled toggles a policy. Disabling is the required precondition for
// retirement.
func (l *Limiter) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return l.mutatePolicy(ctx, id, func(pol *Policy) error {
		pol.Enabled = enabled
		return nil
	})
}

// Retire soft-deletes a policy. Retiring an enabled policy fails with
// ErrPolicyEnabled; retiring an already-retired policy is a no-op success.
func (l *Limiter) Retire(ctx context.Context, id string, now time.Time) error {
	return l.mutatePolicy(ctx, id, func(pol *Policy) error {
		if pol.RetiredAt > 0 {
			return nil
		}
		if pol.Enabled {
			return ErrPolicyEnabled
		}
		pol.RetiredAt = now.Unix()
		return nil
	})
}

// Check admits or rejects an attempt without counting it. Disabled, retired,
// and unknown policies admit everything.
func (l *Limiter) Check(ctx context.Context, policyID, scopeKey string) error {
	pol, err := l.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return nil
		}
		return err
	}
	if !pol.Enabled || pol.RetiredAt > 0 {
		return nil
	}

	count, err := l.redis.Get(ctx, l.counterKey(policyID, scopeKey)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= int64(pol.Limit) {
		return ErrRateLimited
	}

	return nil
}

// Increment counts one guarded attempt and rejects once the window budget is
// exhausted. The first hit in a window arms the window TTL.
func (l *Limiter) Increment(ctx context.Context, policyID, scopeKey string) error {
	pol, err := l.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return nil
		}
		return err
	}
	if !pol.Enabled || pol.RetiredAt > 0 {
		return nil
	}

	key := l.counterKey(policyID, scopeKey)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, pol.window()).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count > int64(pol.Limit) {
		return ErrRateLimited
	}

	return nil
}

// Reset clears the counter for a scope, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, policyID, scopeKey string) error {
	if err := l.redis.Del(ctx, l.counterKey(policyID, scopeKey)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Attempts returns the current window's counter. Missing keys read as zero.
func (l *Limiter) Attempts(ctx context.Context, policyID, scopeKey string) (int, error) {
	count, err := l.redis.Get(ctx, l.counterKey(policyID, scopeKey)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) mutatePolicy(ctx context.Context, id string, apply func(*Policy) error) error {
	key := l.policyKey(id)

	for i := 0; i < policyTxRetries; i++ {
		err := l.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var pol Policy
			if err := json.Unmarshal(data, &pol); err != nil {
				return err
			}

			if err := apply(&pol); err != nil {
				return err
			}

			encoded, err := json.Marshal(&pol)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil):
			return ErrPolicyNotFound
		case errors.Is(err, ErrPolicyEnabled):
			return ErrPolicyEnabled
		default:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return fmt.Errorf("%w: policy update contention", ErrUnavailable)
}
