// Package ratelimit implements request admission: fixed-window counters
// keyed by identity over a shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Bucket names match the routing table's rate-limit classes.
const (
	BucketEnforce    = "enforce"
	BucketLogs       = "logs"
	BucketAdminWrite = "admin-write"
	BucketAdminRead  = "admin-read"
	BucketPublic     = "public"
)

// Bucket defines a fixed-window limit.
type Bucket struct {
	Name   string
	Limit  int
	Window time.Duration
}

// DefaultBuckets are the built-in admission limits.
var DefaultBuckets = map[string]Bucket{
	BucketEnforce:    {Name: BucketEnforce, Limit: 1000, Window: time.Minute},
	BucketLogs:       {Name: BucketLogs, Limit: 1000, Window: time.Minute},
	BucketAdminWrite: {Name: BucketAdminWrite, Limit: 50, Window: time.Hour},
	BucketAdminRead:  {Name: BucketAdminRead, Limit: 200, Window: time.Hour},
	BucketPublic:     {Name: BucketPublic, Limit: 100, Window: time.Minute},
}

// CounterStore increments a windowed counter and reports its value and the
// time until the window resets. Single-node deployments use the in-memory
// store; production shares counters through Redis.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Decision is the admission outcome. RetryAfter is populated (in seconds,
// rounded up) when the request is rejected.
type Decision struct {
	Allowed    bool
	RetryAfter int
}

// Limiter admits requests against the bucket table.
type Limiter struct {
	store   CounterStore
	buckets map[string]Bucket
	enabled bool
	logger  *slog.Logger
}

// NewLimiter creates a limiter over the given counter store. A disabled
// limiter admits everything.
func NewLimiter(store CounterStore, enabled bool) *Limiter {
	return &Limiter{
		store:   store,
		buckets: DefaultBuckets,
		enabled: enabled,
		logger:  slog.Default().With("component", "ratelimit"),
	}
}

// WithLimitOverrides replaces bucket limits by name, keeping windows.
// Unknown names and non-positive limits are ignored.
func (l *Limiter) WithLimitOverrides(limits map[string]int) *Limiter {
	if len(limits) == 0 {
		return l
	}
	buckets := make(map[string]Bucket, len(l.buckets))
	for name, b := range l.buckets {
		buckets[name] = b
	}
	for name, limit := range limits {
		if b, ok := buckets[name]; ok && limit > 0 {
			b.Limit = limit
			buckets[name] = b
		}
	}
	l.buckets = buckets
	return l
}

// Admit checks the identity's counter for the named bucket.
// Counter-store failures admit the request: admission control protects
// capacity, it must not become an availability dependency.
func (l *Limiter) Admit(ctx context.Context, bucketName, identity string) Decision {
	if !l.enabled || bucketName == "" {
		return Decision{Allowed: true}
	}
	bucket, ok := l.buckets[bucketName]
	if !ok {
		return Decision{Allowed: true}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", bucket.Name, identity)
	count, resetIn, err := l.store.Incr(ctx, key, bucket.Window)
	if err != nil {
		l.logger.Warn("counter store unavailable, admitting", "bucket", bucket.Name, "error", err)
		return Decision{Allowed: true}
	}
	if count > int64(bucket.Limit) {
		retry := int(resetIn.Seconds())
		if resetIn > time.Duration(retry)*time.Second {
			retry++
		}
		if retry < 1 {
			retry = 1
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}
	return Decision{Allowed: true}
}

// --- In-memory counter store --------------------------------------------

type windowCounter struct {
	count   int64
	resetAt time.Time
}

// MemoryCounterStore is a process-local fixed-window counter store for
// single-node deployments and tests.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	clock    func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*windowCounter),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryCounterStore) WithClock(clock func() time.Time) *MemoryCounterStore {
	s.clock = clock
	return s
}

// Incr bumps the counter for key, starting a new window when the previous
// one has elapsed. Expired counters for other keys are dropped lazily.
func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	wc, ok := s.counters[key]
	if !ok || now.After(wc.resetAt) {
		wc = &windowCounter{resetAt: now.Add(window)}
		s.counters[key] = wc
	}
	wc.count++

	if len(s.counters) > 4096 {
		for k, v := range s.counters {
			if now.After(v.resetAt) {
				delete(s.counters, k)
			}
		}
	}
	return wc.count, wc.resetAt.Sub(now), nil
}

// ParseStorageURI returns a counter store for a rate_limit_storage_uri
// value: "memory://" (default) or "redis://host:port/db".
func ParseStorageURI(uri string) (CounterStore, error) {
	switch {
	case uri == "" || uri == "memory://":
		return NewMemoryCounterStore(), nil
	case strings.HasPrefix(uri, "redis://"):
		return NewRedisCounterStoreFromURL(uri)
	default:
		return nil, fmt.Errorf("unsupported rate limit storage uri %q", uri)
	}
}
