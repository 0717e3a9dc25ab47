package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(client, "test:sess", time.Hour), mr
}

func secretHash(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

func seedSession(t *testing.T, store *Store, id, secret string, now time.Time) *Session {
	t.Helper()

	hash := secretHash(secret)
	sess := &Session{
		SessionID:      id,
		ActorKind:      "user",
		ActorID:        "actor-1",
		RefreshHash:    hex.EncodeToString(hash[:]),
		IssuedAt:       now.Unix(),
		LastAccessedAt: now.Unix(),
		ExpiresAt:      now.Add(time.Hour).Unix(),
	}
	if err := store.Save(context.Background(), sess, now); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return sess
}

func TestRotateSwapsHash(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "old-secret", now)

	rotated, err := store.Rotate(context.Background(), "s1", secretHash("old-secret"), secretHash("new-secret"), time.Hour, now)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	next := secretHash("new-secret")
	if rotated.RefreshHash != hex.EncodeToString(next[:]) {
		t.Fatal("stored hash not swapped")
	}
	if rotated.ExpiresAt != now.Add(time.Hour).Unix() {
		t.Fatalf("expiry not extended: %d", rotated.ExpiresAt)
	}
}

func TestRotateMismatchLeavesRecordIntact(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "old-secret", now)

	_, err := store.Rotate(context.Background(), "s1", secretHash("stolen-guess"), secretHash("new-secret"), time.Hour, now)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("got %v want ErrHashMismatch", err)
	}

	// The losing attempt must not have mutated anything.
	if _, err := store.FindUsable(context.Background(), "s1", secretHash("old-secret"), now); err != nil {
		t.Fatalf("original hash no longer matches: %v", err)
	}
}

func TestRotateMissingSession(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Rotate(context.Background(), "ghost", secretHash("a"), secretHash("b"), time.Hour, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestRotateRevokedSession(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "old-secret", now)

	if err := store.Revoke(context.Background(), "s1", now); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	_, err := store.Rotate(context.Background(), "s1", secretHash("old-secret"), secretHash("new-secret"), time.Hour, now)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestRotateExpiredSession(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "old-secret", now)

	later := now.Add(2 * time.Hour)
	_, err := store.Rotate(context.Background(), "s1", secretHash("old-secret"), secretHash("new-secret"), time.Hour, later)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "secret", now)

	if err := store.Revoke(context.Background(), "s1", now); err != nil {
		t.Fatalf("first revoke failed: %v", err)
	}
	if err := store.Revoke(context.Background(), "s1", now); err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
	if err := store.Revoke(context.Background(), "missing", now); err != nil {
		t.Fatalf("revoke of missing session failed: %v", err)
	}

	// The record survives revocation for audit reads.
	sess, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get after revoke failed: %v", err)
	}
	if sess.RevokedAt == 0 {
		t.Fatal("revoked_at not stamped")
	}
}

func TestFindUsableCollapsesFailureModes(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "secret", now)

	if _, err := store.FindUsable(context.Background(), "missing", secretHash("secret"), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v", err)
	}
	if _, err := store.FindUsable(context.Background(), "s1", secretHash("wrong"), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong hash: got %v", err)
	}
	if _, err := store.FindUsable(context.Background(), "s1", secretHash("secret"), now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: got %v", err)
	}

	if err := store.Revoke(context.Background(), "s1", now); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := store.FindUsable(context.Background(), "s1", secretHash("secret"), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked: got %v", err)
	}
}

func TestRevokeAllForActorSparesException(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "a", now)
	seedSession(t, store, "s2", "b", now)
	seedSession(t, store, "s3", "c", now)

	revoked, err := store.RevokeAllForActor(context.Background(), "user", "actor-1", "s2", now)
	if err != nil {
		t.Fatalf("RevokeAllForActor failed: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("revoked %d sessions, want 2", revoked)
	}

	if _, err := store.FindUsable(context.Background(), "s2", secretHash("b"), now); err != nil {
		t.Fatalf("spared session unusable: %v", err)
	}
	for _, id := range []string{"s1", "s3"} {
		sess, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get %s failed: %v", id, err)
		}
		if sess.RevokedAt == 0 {
			t.Fatalf("session %s not revoked", id)
		}
	}

	ids, err := store.ActiveSessionIDs(context.Background(), "user", "actor-1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s2" {
		t.Fatalf("actor index not pruned: %v", ids)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	seedSession(t, store, "s1", "shared", now)

	type outcome struct {
		err error
	}
	results := make(chan outcome, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			_, err := store.Rotate(
				context.Background(),
				"s1",
				secretHash("shared"),
				secretHash("next-"+string(rune('a'+n))),
				time.Hour,
				now,
			)
			results <- outcome{err: err}
		}(i)
	}

	winners := 0
	for i := 0; i < 8; i++ {
		res := <-results
		switch {
		case res.err == nil:
			winners++
		case errors.Is(res.err, ErrHashMismatch):
		default:
			t.Fatalf("unexpected error: %v", res.err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestCorruptRecordSurfaces(t *testing.T) {
	store, mr := newTestStore(t)

	if err := mr.Set("test:sess:bad", "not json"); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}

	if _, err := store.Get(context.Background(), "bad"); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Get: got %v want ErrCorruptRecord", err)
	}
	if err := store.Revoke(context.Background(), "bad", time.Now()); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Revoke: got %v want ErrCorruptRecord", err)
	}
	if _, err := store.Rotate(context.Background(), "bad", secretHash("a"), secretHash("b"), time.Hour, time.Now()); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Rotate: got %v want ErrCorruptRecord", err)
	}
}
