package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/models"
)

// newRedisTokenStore connects to REDIS_TEST_ADDR under a throwaway prefix.
func newRedisTokenStore(t *testing.T) (*RedisTokenStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}
	prefix := "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return NewRedisTokenStore(client, prefix), client
}

func TestRedisDeleteRefreshTokenPrunesUserSet(t *testing.T) {
	ctx := context.Background()
	s, client := newRedisTokenStore(t)
	exp := time.Now().Add(time.Hour)
	for _, tok := range []string{"r1", "r2"} {
		if err := s.SaveRefreshToken(ctx, models.RefreshToken{Token: tok, UserID: "u1", ExpiresAt: exp, CreatedAt: t0}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.DeleteRefreshToken(ctx, "r1")
	if err != nil || !removed {
		t.Fatalf("removed = %v, err = %v", removed, err)
	}
	if removed, err := s.DeleteRefreshToken(ctx, "r1"); err != nil || removed {
		t.Fatalf("second delete: removed = %v, err = %v", removed, err)
	}
	members, err := client.SMembers(ctx, s.userKey("u1")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "r2" {
		t.Fatalf("user set = %v, want [r2]", members)
	}

	n, err := s.DeleteRefreshTokensForUser(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
}
