package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_GetSet(t *testing.T) {
	c := New[string, int](time.Second)
	defer c.Close()

	got, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, got)

	c.Set("a", 42)
	got, ok = c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestTTL_NilValueDistinguishedFromMiss(t *testing.T) {
	c := New[string, *int](time.Second)
	defer c.Close()

	c.Set("k", nil)
	got, ok := c.Get("k")
	assert.True(t, ok, "nil value should be a cache hit")
	assert.Nil(t, got)
}

func TestTTL_Expiry(t *testing.T) {
	c := New[string, int](50 * time.Millisecond)
	defer c.Close()

	c.Set("k", 1)
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = c.Get("k")
	assert.False(t, ok, "entry should have expired")
}

func TestTTL_EvictExpired(t *testing.T) {
	c := New[string, int](10 * time.Millisecond)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	time.Sleep(20 * time.Millisecond)
	c.evictExpired()

	assert.Equal(t, 0, c.Len())
}

func TestTTL_Delete(t *testing.T) {
	c := New[int, string](time.Minute)
	defer c.Close()

	c.Set(1, "one")
	c.Delete(1)
	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestTTL_CloseTwice(t *testing.T) {
	c := New[string, int](time.Second)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestTTL_Concurrent(t *testing.T) {
	c := New[int, int](time.Second)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(i%5, i)
			_, _ = c.Get(i % 5)
			if i%7 == 0 {
				c.Delete(i % 5)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 5)
}
