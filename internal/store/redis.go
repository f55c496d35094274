package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLockStore keeps node locks in a single Redis hash so that several
// coordinator processes can share one lock table. HSETNX gives the
// conditional insert.
type RedisLockStore struct {
	client *redis.Client
	key    string
}

// NewRedisLockStore connects to redisURL and verifies the connection.
func NewRedisLockStore(redisURL string) (*RedisLockStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockStoreWithClient(client), nil
}

// NewRedisLockStoreWithClient creates a store from an existing Redis client
func NewRedisLockStoreWithClient(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{
		client: client,
		key:    "canopy:node_locks",
	}
}

func (s *RedisLockStore) GetLock(ctx context.Context, nodeID string) (NodeLock, error) {
	raw, err := s.client.HGet(ctx, s.key, nodeID).Result()
	if err == redis.Nil {
		return NodeLock{}, ErrNotFound
	}
	if err != nil {
		return NodeLock{}, fmt.Errorf("get lock: %w", err)
	}
	return decodeLock(raw)
}

func (s *RedisLockStore) InsertLock(ctx context.Context, lock NodeLock) error {
	raw, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.key, lock.NodeID, raw).Result()
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	if !created {
		return ErrLockExists
	}
	return nil
}

// ExtendLock and DeleteLock compare the holder inside a script so the check
// and the write are a single step on the Redis side. ExtendLock patches only
// expiresAt in the stored value.
var extendLockScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
local lock = cjson.decode(raw)
if lock['lockedByUserId'] ~= ARGV[2] then return 0 end
lock['expiresAt'] = ARGV[3]
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(lock))
return 1
`)

var deleteLockScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
local lock = cjson.decode(raw)
if lock['lockedByUserId'] ~= ARGV[2] then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

func (s *RedisLockStore) ExtendLock(ctx context.Context, nodeID, userID string, expiresAt time.Time) (bool, error) {
	updated, err := extendLockScript.Run(ctx, s.client, []string{s.key}, nodeID, userID, expiresAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return updated == 1, nil
}

func (s *RedisLockStore) DeleteLock(ctx context.Context, nodeID, userID string) (bool, error) {
	deleted, err := deleteLockScript.Run(ctx, s.client, []string{s.key}, nodeID, userID).Int()
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return deleted == 1, nil
}

func (s *RedisLockStore) ListLocks(ctx context.Context, filter LockFilter) ([]NodeLock, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	locks := make([]NodeLock, 0, len(all))
	for _, lock := range all {
		if filter.Match(lock) {
			locks = append(locks, lock)
		}
	}
	return locks, nil
}

func (s *RedisLockStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]NodeLock, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var expired []NodeLock
	for _, lock := range all {
		if lock.IsExpired(now) {
			expired = append(expired, lock)
		}
	}
	return expired, nil
}

func (s *RedisLockStore) all(ctx context.Context) ([]NodeLock, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	locks := make([]NodeLock, 0, len(values))
	for _, raw := range values {
		lock, err := decodeLock(raw)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].AcquiredAt.Equal(locks[j].AcquiredAt) {
			return locks[i].NodeID < locks[j].NodeID
		}
		return locks[i].AcquiredAt.Before(locks[j].AcquiredAt)
	})
	return locks, nil
}

func decodeLock(raw string) (NodeLock, error) {
	var lock NodeLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return NodeLock{}, fmt.Errorf("unmarshal lock: %w", err)
	}
	return lock, nil
}

// Close closes the Redis connection
func (s *RedisLockStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisLockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
