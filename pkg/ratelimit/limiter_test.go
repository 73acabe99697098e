package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterWindowRolls(t *testing.T) {
	now := time.Date(2024, 6, 11, 12, 0, 0, 0, time.UTC)
	s := NewMemoryCounterStore().WithClock(func() time.Time { return now })

	for i := int64(1); i <= 3; i++ {
		count, resetIn, err := s.Incr(context.Background(), "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.Equal(t, time.Minute, resetIn)
	}

	now = now.Add(61 * time.Second)
	count, _, err := s.Incr(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "a new window starts after expiry")
}

func TestLimiterAdmitAndReject(t *testing.T) {
	now := time.Date(2024, 6, 11, 12, 0, 0, 0, time.UTC)
	store := NewMemoryCounterStore().WithClock(func() time.Time { return now })
	l := NewLimiter(store, true).WithLimitOverrides(map[string]int{BucketEnforce: 3})

	for i := 0; i < 3; i++ {
		d := l.Admit(context.Background(), BucketEnforce, "agent:agt_X")
		assert.True(t, d.Allowed, "request %d within limit", i+1)
	}

	now = now.Add(30 * time.Second)
	d := l.Admit(context.Background(), BucketEnforce, "agent:agt_X")
	assert.False(t, d.Allowed)
	assert.Equal(t, 30, d.RetryAfter, "retry after the window resets")

	// A different identity has its own counter.
	d = l.Admit(context.Background(), BucketEnforce, "agent:agt_Y")
	assert.True(t, d.Allowed)
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(NewMemoryCounterStore(), false).
		WithLimitOverrides(map[string]int{BucketEnforce: 1})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Admit(context.Background(), BucketEnforce, "x").Allowed)
	}
}

func TestLimiterUnknownBucketAdmits(t *testing.T) {
	l := NewLimiter(NewMemoryCounterStore(), true)
	assert.True(t, l.Admit(context.Background(), "no-such-bucket", "x").Allowed)
	assert.True(t, l.Admit(context.Background(), "", "x").Allowed)
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("store down")
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	l := NewLimiter(failingStore{}, true)
	d := l.Admit(context.Background(), BucketEnforce, "agent:agt_X")
	assert.True(t, d.Allowed, "admission control must not become an availability dependency")
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2024, 6, 11, 12, 0, 0, 0, time.UTC)
	store := NewMemoryCounterStore().WithClock(func() time.Time { return now })
	l := NewLimiter(store, true).WithLimitOverrides(map[string]int{BucketPublic: 1})

	require.True(t, l.Admit(context.Background(), BucketPublic, "ip:1.2.3.4").Allowed)

	now = now.Add(59*time.Second + 500*time.Millisecond)
	d := l.Admit(context.Background(), BucketPublic, "ip:1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.RetryAfter)
}

func TestParseStorageURI(t *testing.T) {
	s, err := ParseStorageURI("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryCounterStore{}, s)

	s, err = ParseStorageURI("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryCounterStore{}, s)

	_, err = ParseStorageURI("memcached://localhost")
	assert.Error(t, err)
}

func TestDefaultBuckets(t *testing.T) {
	assert.Equal(t, 1000, DefaultBuckets[BucketEnforce].Limit)
	assert.Equal(t, time.Minute, DefaultBuckets[BucketEnforce].Window)
	assert.Equal(t, 50, DefaultBuckets[BucketAdminWrite].Limit)
	assert.Equal(t, time.Hour, DefaultBuckets[BucketAdminWrite].Window)
	assert.Equal(t, 200, DefaultBuckets[BucketAdminRead].Limit)
	assert.Equal(t, 100, DefaultBuckets[BucketPublic].Limit)
	assert.Equal(t, 1000, DefaultBuckets[BucketLogs].Limit)
}
