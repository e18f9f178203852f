package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T, rate float64, burst int) (*Memory, *fakeClock) {
	t.Helper()
	m := NewMemory(rate, burst)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clock.now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func allowN(t *testing.T, m *Memory, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		d, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	return allowed
}

func TestMemoryBurstThenDeny(t *testing.T) {
	m, _ := newTestMemory(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "user:alice", 3))

	d, err := m.Allow(context.Background(), "user:alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(time.Millisecond))
}

func TestMemoryRefill(t *testing.T) {
	m, clock := newTestMemory(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "k", 5))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2))

	clock.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "k", 5), "refill is capped at burst")
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m, _ := newTestMemory(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "user:a", 2))
	assert.Equal(t, 1, allowN(t, m, "user:b", 2))
}

func TestMemoryConcurrent(t *testing.T) {
	m, _ := newTestMemory(t, 1, 50)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if d, _ := m.Allow(context.Background(), "shared"); d.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryEvictsIdleKeys(t *testing.T) {
	m, clock := newTestMemory(t, 1, 1)
	allowN(t, m, "idle", 1)
	clock.advance(idleTTL / 2)
	allowN(t, m, "recent", 1)
	clock.advance(idleTTL/2 + time.Second)

	m.evictIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "idle")
	assert.Contains(t, m.buckets, "recent")
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewMemory(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopAllows(t *testing.T) {
	var l Noop
	for range 100 {
		d, err := l.Allow(context.Background(), "x")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.NoError(t, l.Close())
}
