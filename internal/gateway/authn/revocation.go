package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const revocationKeyPrefix = "revoked:"

// RevocationStore keeps revoked token hashes in redis with a TTL equal to
// the token's remaining lifetime, so entries expire exactly when the token
// would have.
type RevocationStore struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

// NewRevocationStore wraps a redis client.
func NewRevocationStore(rdb redis.Cmdable, logger *slog.Logger) *RevocationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationStore{
		rdb:    rdb,
		logger: logger.WithGroup("revocations"),
	}
}

// Revoke records the token hash until ttl elapses.
func (s *RevocationStore) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return s.rdb.Set(ctx, revocationKey(token), "1", ttl).Err()
}

// IsRevoked reports whether the token is in the revocation set. A store
// failure fails open: availability is preferred over strict revocation.
func (s *RevocationStore) IsRevoked(ctx context.Context, token string) bool {
	n, err := s.rdb.Exists(ctx, revocationKey(token)).Result()
	if err != nil {
		s.logger.Warn("revocation check failed, allowing token", "error", err)
		return false
	}
	return n > 0
}

// revocationKey hashes the token so raw credentials never land in redis.
func revocationKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return revocationKeyPrefix + hex.EncodeToString(sum[:])
}
