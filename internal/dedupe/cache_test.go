// ABOUTME: Tests for the dedup caches used to bound redundant entity writes
// ABOUTME: Validates check-and-set atomicity, TTL expiry, eviction, and session isolation

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_FirstTime(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("sess-1", "msg-1"))
	assert.True(t, cache.Seen("sess-1", "msg-1"))
}

func TestCache_Seen_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("sess-1", "msg-1"))

	time.Sleep(20 * time.Millisecond)

	// Expired entry counts as new again
	assert.False(t, cache.Seen("sess-1", "msg-1"))
}

func TestCache_SessionIsolation(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("sess-1", "msg-1"))
	// Same natural key under a different session is a distinct entry
	assert.False(t, cache.Seen("sess-2", "msg-1"))
}

func TestCache_Forget(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Seen("sess-1", "msg-1")
	cache.Seen("sess-1", "msg-2")
	cache.Seen("sess-2", "msg-1")

	cache.Forget("sess-1")

	assert.False(t, cache.Seen("sess-1", "msg-1"))
	assert.True(t, cache.Seen("sess-2", "msg-1"))
}

func TestCache_Eviction(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Seen("s", "k1")
	cache.Seen("s", "k2")
	cache.Seen("s", "k3")
	cache.Seen("s", "k4") // evicts k1

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Seen("s", "k1"))
	assert.True(t, cache.Seen("s", "k4"))
}

func TestCache_ConcurrentSeen(t *testing.T) {
	cache := New(5*time.Minute, 10000)
	defer cache.Close()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	newCount := 0

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if !cache.Seen("sess-1", fmt.Sprintf("key-%d", i)) {
					mu.Lock()
					newCount++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Each distinct key may be reported new exactly once across all workers
	assert.Equal(t, 100, newCount)
}

func TestSet_PerClassIsolation(t *testing.T) {
	set := NewSet(5 * time.Minute)
	defer set.Close()

	assert.False(t, set.Seen(ClassMessage, "sess-1", "id-1"))
	// Same key under another class is independent
	assert.False(t, set.Seen(ClassContact, "sess-1", "id-1"))
	assert.True(t, set.Seen(ClassMessage, "sess-1", "id-1"))
}

func TestSet_Forget(t *testing.T) {
	set := NewSet(5 * time.Minute)
	defer set.Close()

	set.Seen(ClassMessage, "sess-1", "id-1")
	set.Seen(ClassChat, "sess-1", "id-2")

	set.Forget("sess-1")

	assert.False(t, set.Seen(ClassMessage, "sess-1", "id-1"))
	assert.False(t, set.Seen(ClassChat, "sess-1", "id-2"))
}
