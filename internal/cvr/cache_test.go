package cvr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache(t *testing.T) {
	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := NewLRUCache(0, time.Minute)
		assert.ErrorIs(t, err, ErrInvalidCacheConfig)

		_, err = NewLRUCache(1, 0)
		assert.ErrorIs(t, err, ErrInvalidCacheConfig)
	})

	t.Run("stores private copies", func(t *testing.T) {
		cache, err := NewLRUCache(4, time.Minute)
		require.NoError(t, err)

		snapshot := NewSnapshot()
		snapshot.Set("chat", "chat-1", 1)
		cache.Put("group-1", "s1", snapshot)
		snapshot.Set("chat", "chat-1", 99)

		stored, ok := cache.Get("group-1", "s1")
		require.True(t, ok)
		assert.Equal(t, int64(1), stored["chat"]["chat-1"])
		assert.Equal(t, int64(1), cache.Stats().Hits())
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		cache, err := NewLRUCache(1, time.Minute)
		require.NoError(t, err)

		cache.Put("group-1", "s1", NewSnapshot())
		cache.Put("group-1", "s2", NewSnapshot())

		_, ok := cache.Get("group-1", "s1")
		assert.False(t, ok)
		_, ok = cache.Get("group-1", "s2")
		assert.True(t, ok)
		assert.Equal(t, int64(1), cache.Stats().Misses())
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("scopes entries to their client group", func(t *testing.T) {
		cache, err := NewLRUCache(4, time.Minute)
		require.NoError(t, err)

		snapshot := NewSnapshot()
		snapshot.Set("chat", "secret", 1)
		cache.Put("group-b", "s1", snapshot)

		_, ok := cache.Get("group-a", "s1")
		assert.False(t, ok)
		assert.Equal(t, int64(1), cache.Stats().Misses())

		stored, ok := cache.Get("group-b", "s1")
		require.True(t, ok)
		assert.Equal(t, int64(1), stored["chat"]["secret"])
	})

	t.Run("expires entries", func(t *testing.T) {
		ttl := 10 * time.Millisecond
		cache, err := NewLRUCache(2, ttl)
		require.NoError(t, err)

		cache.Put("group-1", "s1", NewSnapshot())
		time.Sleep(5 * ttl)

		_, ok := cache.Get("group-1", "s1")
		assert.False(t, ok)
	})
}

func TestXIDProviderMintsDistinctIDs(t *testing.T) {
	provider := NewXIDProvider()
	first := provider.NewID()
	second := provider.NewID()
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
