package relaydocs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCmdable is the part of *redis.Client used by the lease store and the
// project cache.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

const redisReleaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RedisLeaseStore keeps leases as keys with a PX expiry. Release only deletes
// the key when it still holds the caller's token.
type RedisLeaseStore struct {
	client redisCmdable
	prefix string
	now    func() time.Time
}

func NewRedisLeaseStore(client redisCmdable, prefix string) *RedisLeaseStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relaydocs:lease:"
	}
	return &RedisLeaseStore{client: client, prefix: prefix, now: time.Now}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultUpdateLeaseTTL
	}
	lease := Lease{Key: key, Token: newLeaseToken(), ExpiresAt: s.now().Add(ttl)}
	ok, err := s.client.SetNX(ctx, s.prefix+key, lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		return Lease{}, ErrLeaseHeld
	}
	return lease, nil
}

func (s *RedisLeaseStore) Release(ctx context.Context, lease Lease) error {
	n, err := s.client.Eval(ctx, redisReleaseScript, []string{s.prefix + lease.Key}, lease.Token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
