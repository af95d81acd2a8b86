package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/models"
)

// RedisTokenStore keeps refresh records and revoked access-token hashes as
// keys that expire on their own, so the revocation list is bounded by the
// access-token TTL without any sweep.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = "tokens:"
	}
	return &RedisTokenStore{client: client, prefix: prefix}
}

func (r *RedisTokenStore) refreshKey(token string) string { return r.prefix + "refresh:" + token }
func (r *RedisTokenStore) userKey(userID string) string   { return r.prefix + "user:" + userID }
func (r *RedisTokenStore) revokedKey(hash string) string  { return r.prefix + "revoked:" + hash }

func (r *RedisTokenStore) SaveRefreshToken(ctx context.Context, rt models.RefreshToken) error {
	const op = "storage.RedisTokenStore.SaveRefreshToken"
	b, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = r.client.SetArgs(ctx, r.refreshKey(rt.Token), b, redis.SetArgs{Mode: "NX", ExpireAt: rt.ExpiresAt}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.userKey(rt.UserID), rt.Token)
	pipe.ExpireAt(ctx, r.userKey(rt.UserID), rt.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// refreshRecord mirrors models.RefreshToken including the token value,
// which the model hides from JSON responses.
type refreshRecord struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *RedisTokenStore) GetRefreshToken(ctx context.Context, token string) (models.RefreshToken, error) {
	const op = "storage.RedisTokenStore.GetRefreshToken"
	b, err := r.client.Get(ctx, r.refreshKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}
	var rec refreshRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}
	return models.RefreshToken{Token: token, UserID: rec.UserID, ExpiresAt: rec.ExpiresAt, CreatedAt: rec.CreatedAt}, nil
}

// DeleteRefreshToken removes the record and its entry in the owner's set.
// GETDEL makes the removal atomic, so of two concurrent deletes only one
// reports true.
func (r *RedisTokenStore) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	const op = "storage.RedisTokenStore.DeleteRefreshToken"
	b, err := r.client.GetDel(ctx, r.refreshKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	var rec refreshRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return true, fmt.Errorf("%s: %w", op, err)
	}
	if err := r.client.SRem(ctx, r.userKey(rec.UserID), token).Err(); err != nil {
		return true, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (r *RedisTokenStore) DeleteRefreshTokensForUser(ctx context.Context, userID string) (int, error) {
	const op = "storage.RedisTokenStore.DeleteRefreshTokensForUser"
	tokens, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, r.refreshKey(t))
	}
	var n int64
	if len(keys) > 0 {
		if n, err = r.client.Del(ctx, keys...).Result(); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := r.client.Del(ctx, r.userKey(userID)).Err(); err != nil {
		return int(n), fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

func (r *RedisTokenStore) RevokeTokenHash(ctx context.Context, hash string, expiresAt time.Time) error {
	err := r.client.SetArgs(ctx, r.revokedKey(hash), "1", redis.SetArgs{ExpireAt: expiresAt}).Err()
	if err != nil {
		return fmt.Errorf("storage.RedisTokenStore.RevokeTokenHash: %w", err)
	}
	return nil
}

func (r *RedisTokenStore) IsTokenHashRevoked(ctx context.Context, hash string, _ time.Time) (bool, error) {
	n, err := r.client.Exists(ctx, r.revokedKey(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("storage.RedisTokenStore.IsTokenHashRevoked: %w", err)
	}
	return n > 0, nil
}

// PurgeExpiredTokens is a no-op: every key carries its own expiry.
func (r *RedisTokenStore) PurgeExpiredTokens(context.Context, time.Time) (int, error) { return 0, nil }

var _ TokenStore = (*RedisTokenStore)(nil)
