package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"happysrt/api/internal/auth"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSaveAndLookup(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	identity := auth.Identity{UserID: "user-123", Email: "a@example.com", Plan: "paid"}
	if err := store.Save(ctx, "hash-1", identity, time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.UserID != "user-123" || got.Plan != "paid" {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestLookupExpired(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash-2", auth.Identity{UserID: "user-456"}, time.Second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.Lookup(ctx, "hash-2"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss for expired identity, got %v", err)
	}
}

func TestSaveCapsTTLAtTokenExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	exp := time.Now().Add(30 * time.Second)
	if err := store.Save(ctx, "hash-3", auth.Identity{UserID: "u", ExpiresAt: &exp}, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ttl := s.TTL("identity:hash-3"); ttl > 30*time.Second || ttl <= 0 {
		t.Fatalf("expected ttl capped at token expiry, got %s", ttl)
	}

	past := time.Now().Add(-time.Second)
	if err := store.Save(ctx, "hash-4", auth.Identity{UserID: "u", ExpiresAt: &past}, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.Exists("identity:hash-4") {
		t.Fatal("expired identity must not be cached")
	}
}

func TestForget(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash-5", auth.Identity{UserID: "u"}, time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Forget(ctx, "hash-5"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "hash-5"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after forget, got %v", err)
	}
	if err := store.Forget(ctx, "never-saved"); err != nil {
		t.Errorf("Forget for missing identity failed: %v", err)
	}
}

type countingVerifier struct {
	calls int
	err   error
}

func (v *countingVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	v.calls++
	if v.err != nil {
		return auth.Identity{}, v.err
	}
	return auth.Identity{UserID: "user-" + token}, nil
}

func TestCachedVerifierHitsCacheOnSecondCall(t *testing.T) {
	store, _ := setupTestRedis(t)
	next := &countingVerifier{}
	verifier := NewCachedVerifier(next, store, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		identity, err := verifier.Verify(ctx, "abc")
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if identity.UserID != "user-abc" {
			t.Fatalf("unexpected identity %+v", identity)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected one upstream verification, got %d", next.calls)
	}
}

func TestCachedVerifierDoesNotCacheRejections(t *testing.T) {
	store, s := setupTestRedis(t)
	next := &countingVerifier{err: auth.ErrInvalidToken}
	verifier := NewCachedVerifier(next, store, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := verifier.Verify(context.Background(), "bad"); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("expected every rejection to reach upstream, got %d", next.calls)
	}
	if len(s.Keys()) != 0 {
		t.Fatalf("expected no cached keys, got %v", s.Keys())
	}
}
