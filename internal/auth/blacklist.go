package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist records revoked tokens. It is consulted synchronously on every
// authenticated request, before any directory lookup, so a revoked token is
// rejected even when the directory is degraded.
//
// Tokens are keyed by their SHA-256 hash; the raw token never reaches the
// store. Entries expire together with the token's natural lifetime.
type Blacklist interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
	Revoke(ctx context.Context, token, reason string, ttl time.Duration) error
	// RevokeAllForUser plants a revocation watermark: every token of the user
	// issued at or before now is rejected, across all server processes.
	RevokeAllForUser(ctx context.Context, userID string, ttl time.Duration) error
	// UserRevokedAt returns the user's revocation watermark, if any.
	UserRevokedAt(ctx context.Context, userID string) (time.Time, bool, error)
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Redis implementation -----------------------------------------------------

const (
	revokedTokenPrefix = "rvk:t:"
	revokedUserPrefix  = "rvk:u:"
)

// RedisBlacklist stores revocations in Redis, shared by all worker processes
// serving the tenant.
type RedisBlacklist struct {
	rdb *redis.Client
}

func NewRedisBlacklist(rdb *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{rdb: rdb}
}

func (b *RedisBlacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := b.rdb.Exists(ctx, revokedTokenPrefix+tokenDigest(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBlacklist) Revoke(ctx context.Context, token, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		// Already past natural expiry; nothing to record.
		return nil
	}
	return b.rdb.Set(ctx, revokedTokenPrefix+tokenDigest(token), reason, ttl).Err()
}

func (b *RedisBlacklist) RevokeAllForUser(ctx context.Context, userID string, ttl time.Duration) error {
	now := time.Now().UTC().Unix()
	return b.rdb.Set(ctx, revokedUserPrefix+userID, strconv.FormatInt(now, 10), ttl).Err()
}

func (b *RedisBlacklist) UserRevokedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := b.rdb.Get(ctx, revokedUserPrefix+userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(sec, 0).UTC(), true, nil
}

// In-memory implementation ---------------------------------------------------

// MemoryBlacklist keeps revocations in process memory. Suitable for tests and
// single-process deployments only: revocations do not propagate to other
// workers.
type MemoryBlacklist struct {
	mu     sync.Mutex
	tokens map[string]time.Time // digest -> expiry
	users  map[string]userMark
	now    func() time.Time
}

type userMark struct {
	at     time.Time
	expiry time.Time
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{
		tokens: make(map[string]time.Time),
		users:  make(map[string]userMark),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (b *MemoryBlacklist) SetClock(fn func() time.Time) {
	if fn != nil {
		b.now = fn
	}
}

func (b *MemoryBlacklist) IsRevoked(_ context.Context, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.tokens[tokenDigest(token)]
	if !ok {
		return false, nil
	}
	if b.now().After(expiry) {
		delete(b.tokens, tokenDigest(token))
		return false, nil
	}
	return true, nil
}

func (b *MemoryBlacklist) Revoke(_ context.Context, token, _ string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[tokenDigest(token)] = b.now().Add(ttl)
	return nil
}

func (b *MemoryBlacklist) RevokeAllForUser(_ context.Context, userID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()
	b.users[userID] = userMark{at: now, expiry: now.Add(ttl)}
	return nil
}

func (b *MemoryBlacklist) UserRevokedAt(_ context.Context, userID string) (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mark, ok := b.users[userID]
	if !ok {
		return time.Time{}, false, nil
	}
	if b.now().After(mark.expiry) {
		delete(b.users, userID)
		return time.Time{}, false, nil
	}
	return mark.at, true, nil
}
