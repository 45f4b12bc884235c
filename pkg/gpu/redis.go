package gpu

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis lease store.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all lease keys (e.g., "srvrs:lease:")
	Prefix string

	// TTL bounds how long a lease survives a dispatcher that died without
	// releasing it (0 = no expiration)
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "srvrs:lease:",
		TTL:     24 * time.Hour,
		Timeout: 5 * time.Second,
	}
}

// releaseScript deletes a lease key only if the caller still holds it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLeaseStore shares the lease table between dispatchers on one host,
// one key per accelerator index.
type RedisLeaseStore struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisLeaseStore connects to Redis and verifies the connection.
func NewRedisLeaseStore(cfg RedisConfig) (*RedisLeaseStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLeaseStore{cfg: cfg, client: client}, nil
}

func (s *RedisLeaseStore) key(id int) string {
	return s.cfg.Prefix + strconv.Itoa(id)
}

// Acquire claims keys one by one with SET NX. If the set cannot be
// completed the keys claimed so far are handed back.
func (s *RedisLeaseStore) Acquire(ctx context.Context, holder string, candidates []int, count int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	sorted := append([]int(nil), candidates...)
	sort.Ints(sorted)

	picked := make([]int, 0, count)
	for _, id := range sorted {
		if len(picked) == count {
			break
		}
		ok, err := s.client.SetNX(ctx, s.key(id), holder, s.cfg.TTL).Result()
		if err != nil {
			s.rollback(holder, picked)
			return nil, fmt.Errorf("failed to lease accelerator %d: %w", id, err)
		}
		if ok {
			picked = append(picked, id)
		}
	}
	if len(picked) < count {
		s.rollback(holder, picked)
		return nil, nil
	}
	return picked, nil
}

func (s *RedisLeaseStore) rollback(holder string, ids []int) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	_ = s.Release(ctx, holder, ids)
}

// Release implements LeaseStore.
func (s *RedisLeaseStore) Release(ctx context.Context, holder string, ids []int) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	for _, id := range ids {
		if err := releaseScript.Run(ctx, s.client, []string{s.key(id)}, holder).Err(); err != nil {
			return fmt.Errorf("failed to release accelerator %d: %w", id, err)
		}
	}
	return nil
}

// Leases implements LeaseStore.
func (s *RedisLeaseStore) Leases(ctx context.Context) (map[int]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	leases := make(map[int]string)
	iter := s.client.Scan(ctx, 0, s.cfg.Prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id, err := strconv.Atoi(strings.TrimPrefix(key, s.cfg.Prefix))
		if err != nil {
			continue
		}
		holder, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read lease %s: %w", key, err)
		}
		leases[id] = holder
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan leases: %w", err)
	}
	return leases, nil
}

// Ping checks the Redis connection.
func (s *RedisLeaseStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Name returns "redis".
func (s *RedisLeaseStore) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}
