package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection with the gateway key prefix. Redis is the
// single source of truth: all cross-request coordination (locks, counters,
// atomic swaps) goes through it.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// ErrNotFound is returned when a key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string { return "key not found: " + e.Key }

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// New creates a store client. The connection is verified lazily via Ping.
func New(addr, password string, db int, prefix string) *Client {
	if prefix == "" {
		prefix = "llmrelay:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &Client{rdb: rdb, prefix: prefix}
}

// NewFromClient wraps an existing redis client (used by tests with miniredis).
func NewFromClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "llmrelay:"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) key(k string) string { return c.prefix + k }

// --- String operations ---

// Get returns the string value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", &ErrNotFound{Key: key}
	}
	return v, err
}

// Set stores a string with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key(key), value, ttl).Err()
}

// Del removes keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	return n > 0, err
}

// Expire refreshes the TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, c.key(key), ttl).Err()
}

// IncrBy atomically increments an integer counter.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.IncrBy(ctx, c.key(key), delta).Result()
}

// IncrByFloat atomically increments a float counter (cost accumulation).
func (c *Client) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return c.rdb.IncrByFloat(ctx, c.key(key), delta).Result()
}

// --- Hash operations ---

// HGetAll returns every field of a hash; an empty map when the key is absent.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, c.key(key)).Result()
}

// HSet stores hash fields from a map.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.rdb.HSet(ctx, c.key(key), args...).Err()
}

// HGet returns one hash field, or ErrNotFound.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, c.key(key), field).Result()
	if err == redis.Nil {
		return "", &ErrNotFound{Key: key + "/" + field}
	}
	return v, err
}

// HDel removes hash fields.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, c.key(key), fields...).Err()
}

// HIncrBy atomically increments an integer hash field.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, c.key(key), field, delta).Result()
}

// HIncrByFloat atomically increments a float hash field.
func (c *Client) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	return c.rdb.HIncrByFloat(ctx, c.key(key), field, delta).Result()
}

// --- Set operations ---

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SAdd(ctx, c.key(key), args...).Err()
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SRem(ctx, c.key(key), args...).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, c.key(key)).Result()
}

func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, c.key(key), member).Result()
}

// --- Sorted set operations ---

// Member pairs a sorted-set member with its score.
type Member struct {
	Member string
	Score  float64
}

func (c *Client) ZAdd(ctx context.Context, key string, members ...Member) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Member: m.Member, Score: m.Score}
	}
	return c.rdb.ZAdd(ctx, c.key(key), zs...).Err()
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, c.key(key), args...).Err()
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, c.key(key)).Result()
}

// ZRevRangeWithScores returns members by descending score in [start, stop].
func (c *Client) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := c.rdb.ZRevRangeWithScores(ctx, c.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = Member{Member: member, Score: z.Score}
	}
	return out, nil
}

// ZRangeWithScores returns members by ascending score in [start, stop].
func (c *Client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, c.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = Member{Member: member, Score: z.Score}
	}
	return out, nil
}

// --- Structural operations ---

// Rename atomically replaces newKey with the contents of oldKey. Used for the
// cost-rank swap so readers never observe a partially built index.
func (c *Client) Rename(ctx context.Context, oldKey, newKey string) error {
	return c.rdb.Rename(ctx, c.key(oldKey), c.key(newKey)).Err()
}

// Scan iterates keys matching pattern (pattern is relative to the prefix).
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, c.prefix+pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(c.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --- Locks ---

// AcquireLock takes a best-effort distributed lock (SET NX EX). Returns false
// when another holder is active.
func (c *Client) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key(key), owner, ttl).Result()
}

// ReleaseLock drops the lock only if this owner still holds it.
func (c *Client) ReleaseLock(ctx context.Context, key, owner string) error {
	holder, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != owner {
		return nil
	}
	return c.rdb.Del(ctx, c.key(key)).Err()
}

// Pipeline runs fn against a buffered pipeline and executes it in one round
// trip. Commands must use the fully prefixed keys via Client.Prefixed.
func (c *Client) Pipeline(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := c.rdb.Pipelined(ctx, fn)
	if err == redis.Nil {
		return nil
	}
	return err
}

// Prefixed exposes the full key for pipeline callers.
func (c *Client) Prefixed(key string) string { return c.prefix + key }
