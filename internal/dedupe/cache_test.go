// ABOUTME: Tests for the bounded first-write-wins cache.
// ABOUTME: Validates TTL expiration, LRU eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Get_NotSeen(t *testing.T) {
	cache := New[string](0, 100)
	defer cache.Close()

	_, ok := cache.Get("never-seen-key")
	assert.False(t, ok)
}

func TestCache_PutIfAbsent_FirstWriteWins(t *testing.T) {
	cache := New[string](0, 100)
	defer cache.Close()

	v, stored := cache.PutIfAbsent("src-1", "relayed-1")
	assert.True(t, stored)
	assert.Equal(t, "relayed-1", v)

	v, stored = cache.PutIfAbsent("src-1", "relayed-2")
	assert.False(t, stored)
	assert.Equal(t, "relayed-1", v, "second write must not replace the first")

	got, ok := cache.Get("src-1")
	assert.True(t, ok)
	assert.Equal(t, "relayed-1", got)
}

func TestCache_Expired(t *testing.T) {
	cache := New[string](10*time.Millisecond, 100)
	defer cache.Close()

	cache.PutIfAbsent("expiring-key", "v")
	_, ok := cache.Get("expiring-key")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("expiring-key")
	assert.False(t, ok)

	_, stored := cache.PutIfAbsent("expiring-key", "v2")
	assert.True(t, stored, "expired key can be written again")
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	cache := New[int](0, 10)
	defer cache.Close()

	cache.PutIfAbsent("k", 7)
	time.Sleep(5 * time.Millisecond)

	v, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := New[string](0, 3)
	defer cache.Close()

	cache.PutIfAbsent("a", "1")
	cache.PutIfAbsent("b", "2")
	cache.PutIfAbsent("c", "3")

	// Touch "a" so "b" becomes the oldest.
	_, _ = cache.Get("a")
	cache.PutIfAbsent("d", "4")

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Get("b")
	assert.False(t, ok, "b should have been evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := cache.Get(k)
		assert.True(t, ok, "%s should remain", k)
	}
}

func TestCache_Cleanup(t *testing.T) {
	cache := New[struct{}](10*time.Millisecond, 100)
	defer cache.Close()

	for i := 0; i < 10; i++ {
		cache.CheckAndMark(fmt.Sprintf("key-%d", i))
	}
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()
	assert.Equal(t, 0, cache.Len())
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("$event1"))
	assert.True(t, cache.CheckAndMark("$event1"))
	assert.False(t, cache.CheckAndMark("$event2"))
}

func TestCache_PutIfAbsent_Atomic(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	var stored atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := cache.PutIfAbsent("contested", i); ok {
				stored.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), stored.Load(), "exactly one writer should win")
}

func TestCache_Close(t *testing.T) {
	cache := New[string](5*time.Minute, 100)

	cache.Close()
	cache.Close()
}
