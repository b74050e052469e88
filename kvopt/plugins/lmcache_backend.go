package plugins

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheBackend stores reuse cache values with a time-to-live.
type cacheBackend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	close() error
}

// newCacheBackend selects a backend by URL scheme.
func newCacheBackend(ctx context.Context, rawURL string, maxBytes int64, clock func() time.Time) (cacheBackend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "memory":
		return newMemoryBackend(maxBytes, clock), nil
	case "redis", "rediss":
		return newRedisBackend(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
}

type memEntry struct {
	value   []byte
	expires time.Time
}

// memoryBackend is an in-process store bounded by total value bytes; the
// oldest write is dropped first when the bound is exceeded.
type memoryBackend struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	order    []string // write order, oldest first
	bytes    int64
	maxBytes int64
	clock    func() time.Time
}

func newMemoryBackend(maxBytes int64, clock func() time.Time) *memoryBackend {
	if clock == nil {
		clock = time.Now
	}
	return &memoryBackend{entries: make(map[string]memEntry), maxBytes: maxBytes, clock: clock}
}

func (m *memoryBackend) get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock().Before(e.expires) {
		m.removeLocked(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *memoryBackend) set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.maxBytes > 0 && int64(len(value)) > m.maxBytes {
		return fmt.Errorf("value of %d bytes exceeds cache capacity of %d", len(value), m.maxBytes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expires: m.clock().Add(ttl)}
	m.order = append(m.order, key)
	m.bytes += int64(len(value))
	for m.maxBytes > 0 && m.bytes > m.maxBytes && len(m.order) > 0 {
		m.removeLocked(m.order[0])
	}
	return nil
}

func (m *memoryBackend) removeLocked(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	m.bytes -= int64(len(e.value))
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *memoryBackend) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memEntry)
	m.order = nil
	m.bytes = 0
	return nil
}

// redisBackend keeps values in Redis with SET ... EX.
type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(ctx context.Context, rawURL string) (*redisBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &redisBackend{client: client}, nil
}

func (r *redisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *redisBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisBackend) close() error { return r.client.Close() }
