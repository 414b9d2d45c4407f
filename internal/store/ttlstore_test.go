package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLStoreSetGet(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, s.Len())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestTTLStoreExpiredNotReturned(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, -time.Second)

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestTTLStoreDelete(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))

	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestTTLStoreForEachSkipsExpired(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("live", 1, time.Minute)
	s.Set("dead", 2, -time.Second)

	var keys []string
	s.ForEach(func(k string, _ int) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"live"}, keys)
}

func TestTTLStoreForEachEarlyStop(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)

	n := 0
	s.ForEach(func(string, int) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}

func TestTTLStoreEvictCallback(t *testing.T) {
	s := NewTTLStore[string, int](10 * time.Millisecond)
	defer s.Close()

	var mu sync.Mutex
	evicted := make(map[string]int)
	s.SetOnEvict(func(k string, v int) {
		mu.Lock()
		evicted[k] = v
		mu.Unlock()
	})

	s.Set("a", 1, 20*time.Millisecond)
	s.Set("keep", 2, time.Hour)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, evicted["a"])
	mu.Unlock()

	_, ok := s.Get("keep")
	assert.True(t, ok)
}

func TestTTLStoreDeleteDoesNotEvict(t *testing.T) {
	s := NewTTLStore[string, int](10 * time.Millisecond)
	defer s.Close()

	var mu sync.Mutex
	calls := 0
	s.SetOnEvict(func(string, int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	s.Set("a", 1, time.Hour)
	s.Delete("a")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestTTLStoreCloseIdempotent(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	s.Close()
	s.Close()
}
