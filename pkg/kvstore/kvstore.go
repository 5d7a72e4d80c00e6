// Package kvstore is the engine's KV Store Adapter (C1). It wraps
// go-redis so that every package above it works against a small,
// context-aware interface instead of importing the redis driver
// directly — nothing above this package imports
// github.com/redis/go-redis/v9.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// StoreError is wrapped into every error the store returns other than
// ErrNotFound, so callers can recognise a driver or connection failure
// with errors.Is without importing the redis package.
var StoreError = errors.New("store error")

// Store is the primitive surface every higher component is built on.
// It mirrors spec.md §4.1's operation list one-to-one.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	LPush(ctx context.Context, key, value string) error
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, value string) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) Subscription

	Close() error
}

// Subscription is a live pub/sub subscription. Callers range over
// Channel() until the context passed to Subscribe is cancelled, then
// must call Close.
type Subscription interface {
	Channel() <-chan string
	Close() error
}

// RedisStore is the production Store backed by a redis.UniversalClient
// — a plain *redis.Client today, a cluster/sentinel client tomorrow
// without any caller-visible change.
type RedisStore struct {
	client redis.UniversalClient
}

// New wraps an existing redis.UniversalClient (a *redis.Client,
// *redis.ClusterClient, or *redis.FailoverClient — or miniredis's
// client in tests).
func New(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Dial connects to a single Redis instance at addr.
func Dial(addr string) *RedisStore {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("kvstore: %s: %w: %w", op, StoreError, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	return v, wrap("get", err)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap("setnx", err)
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return wrap("del", s.client.Del(ctx, key).Err())
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, wrap("incr", err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire", s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, wrap("exists", err)
}

// TTL returns the remaining time-to-live of key, used by callers that
// need to report a retryAfter or expiresAt without a second schema.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	return d, wrap("ttl", err)
}

func (s *RedisStore) LPush(ctx context.Context, key, value string) error {
	return wrap("lpush", s.client.LPush(ctx, key, value).Err())
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.RPop(ctx, key).Result()
	return v, wrap("rpop", err)
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	return v, wrap("lrange", err)
}

func (s *RedisStore) LRem(ctx context.Context, key string, value string) error {
	return wrap("lrem", s.client.LRem(ctx, key, 0, value).Err())
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) error {
	return wrap("sadd", s.client.SAdd(ctx, key, member).Err())
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	return wrap("srem", s.client.SRem(ctx, key, member).Err())
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	return v, wrap("smembers", err)
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return wrap("publish", s.client.Publish(ctx, channel, message).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) Subscription {
	pubsub := s.client.Subscribe(ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, out: out}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan string
}

func (r *redisSubscription) Channel() <-chan string { return r.out }
func (r *redisSubscription) Close() error           { return r.pubsub.Close() }
