package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker invalidates access tokens ahead of their natural expiry.
// Revoking a uid sets a watermark: every token issued at or before that
// moment is rejected. Entries live for the access-token TTL, after
// which the tokens they covered have expired on their own.
//
// Token issue times carry second precision, so a token minted in the
// same second as the revocation counts as revoked.
type Revoker interface {
	Revoke(ctx context.Context, uid string) error
	Revoked(ctx context.Context, uid string, issuedAt time.Time) (bool, error)
}

const revokedKeyPrefix = "revoked_tokens:"

// RedisRevoker stores revocation watermarks as redis keys with the
// token TTL, so the list cleans itself up.
type RedisRevoker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRevoker(client *redis.Client, ttl time.Duration) *RedisRevoker {
	return &RedisRevoker{client: client, ttl: ttl}
}

func (r *RedisRevoker) Revoke(ctx context.Context, uid string) error {
	value := time.Now().UTC().Format(time.RFC3339Nano)
	return r.client.Set(ctx, revokedKeyPrefix+uid, value, r.ttl).Err()
}

func (r *RedisRevoker) Revoked(ctx context.Context, uid string, issuedAt time.Time) (bool, error) {
	value, err := r.client.Get(ctx, revokedKeyPrefix+uid).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	revokedAt, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return false, err
	}
	return !issuedAt.After(revokedAt), nil
}

// MemoryRevoker is the single-process fallback used when redis is not
// configured, and the test double.
type MemoryRevoker struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryRevoker(ttl time.Duration) *MemoryRevoker {
	return &MemoryRevoker{ttl: ttl, entries: map[string]time.Time{}}
}

func (m *MemoryRevoker) Revoke(_ context.Context, uid string) error {
	m.mu.Lock()
	m.entries[uid] = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *MemoryRevoker) Revoked(_ context.Context, uid string, issuedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revokedAt, ok := m.entries[uid]
	if !ok {
		return false, nil
	}
	if m.ttl > 0 && time.Since(revokedAt) > m.ttl {
		delete(m.entries, uid)
		return false, nil
	}
	return !issuedAt.After(revokedAt), nil
}
