// Package idempotency caches responses of policy POSTs by Idempotency-Key so
// client retries replay the first outcome instead of repeating the operation.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Response is a cached HTTP response.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
}

// Store persists responses by key.
//
// Reserve claims key for a request in flight. It reports false when another
// request holds the reservation or a response is already stored. Put stores
// the response and drops the reservation; Release drops it without storing.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Put(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	inflight map[string]time.Time
	now      func() time.Time
}

type memoryEntry struct {
	resp      Response
	expiresAt time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memoryEntry),
		inflight: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Response{}, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return Response{}, false, nil
	}
	return e.resp, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[key] = memoryEntry{resp: resp, expiresAt: now.Add(ttl)}
	delete(s.inflight, key)
	// opportunistic purge keeps the map bounded by live keys
	if len(s.entries)%256 == 0 {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && !now.After(e.expiresAt) {
		return false, nil
	}
	if until, ok := s.inflight[key]; ok && !now.After(until) {
		return false, nil
	}
	s.inflight[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
	return nil
}

// RedisStore keeps responses in Redis so replays work across replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "momentcore:idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Response, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode cached response: %w", err)
	}
	return resp, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.prefix+key, raw, ttl)
		pipe.Del(ctx, s.lockKey(key))
		return nil
	})
	return err
}

// Reserve takes a SETNX lock next to the response key.
func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey(key), "1", ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	// A response stored between Get and SetNX still wins.
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		_ = s.client.Del(ctx, s.lockKey(key)).Err()
		return false, nil
	}
	return true, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.lockKey(key)).Err()
}

func (s *RedisStore) lockKey(key string) string { return s.prefix + "lock:" + key }
