package validation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qflow-run/qflow/internal/cryptoutil"
	domvalidation "github.com/qflow-run/qflow/internal/domain/validation"
)

func newTestSigner(t *testing.T) cryptoutil.Signer {
	t.Helper()
	signer, err := cryptoutil.NewHMACSigner([]byte("root-secret-for-tests"), "validation-cache")
	require.NoError(t, err)
	return signer
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	cache, err := NewCache(domvalidation.EvictionLRU, 8, time.Minute, newTestSigner(t), nil)
	require.NoError(t, err)

	key := domvalidation.CacheKey{LayerID: "integrity", DataDigest: "d1", PolicyVersion: "v1"}
	require.NoError(t, cache.Set(context.Background(), key, domvalidation.StatusPassed, "ok", 0))

	got, ok := cache.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, domvalidation.StatusPassed, got.Status)
}

func TestCache_ExpiredEntryIsInvisible(t *testing.T) {
	cache, err := NewCache(domvalidation.EvictionLRU, 8, time.Millisecond, newTestSigner(t), nil)
	require.NoError(t, err)

	key := domvalidation.CacheKey{LayerID: "integrity", DataDigest: "d1", PolicyVersion: "v1"}
	require.NoError(t, cache.Set(context.Background(), key, domvalidation.StatusPassed, "ok", 0))
	time.Sleep(5 * time.Millisecond)

	_, ok := cache.Get(context.Background(), key)
	assert.False(t, ok, "TTL-expired entries must not be returned as hits")
}

func TestCache_DifferentPolicyVersionMisses(t *testing.T) {
	cache, err := NewCache(domvalidation.EvictionLRU, 8, time.Minute, newTestSigner(t), nil)
	require.NoError(t, err)

	key := domvalidation.CacheKey{LayerID: "integrity", DataDigest: "d1", PolicyVersion: "v1"}
	require.NoError(t, cache.Set(context.Background(), key, domvalidation.StatusPassed, "ok", 0))

	rolledBack := key
	rolledBack.PolicyVersion = "v0"
	_, ok := cache.Get(context.Background(), rolledBack)
	assert.False(t, ok, "a prior policy version's cache entries must be unreachable, not just re-validated")
}

func TestCache_LFUEvictsLeastFrequentlyUsed(t *testing.T) {
	cache, err := NewCache(domvalidation.EvictionLFU, 2, time.Minute, newTestSigner(t), nil)
	require.NoError(t, err)

	kHot := domvalidation.CacheKey{LayerID: "integrity", DataDigest: "hot", PolicyVersion: "v1"}
	kCold := domvalidation.CacheKey{LayerID: "integrity", DataDigest: "cold", PolicyVersion: "v1"}
	kNew := domvalidation.CacheKey{LayerID: "integrity", DataDigest: "new", PolicyVersion: "v1"}

	require.NoError(t, cache.Set(context.Background(), kHot, domvalidation.StatusPassed, "ok", 0))
	require.NoError(t, cache.Set(context.Background(), kCold, domvalidation.StatusPassed, "ok", 0))

	// Touch kHot repeatedly so its access frequency stays above kCold's.
	for i := 0; i < 3; i++ {
		_, _ = cache.Get(context.Background(), kHot)
	}

	require.NoError(t, cache.Set(context.Background(), kNew, domvalidation.StatusPassed, "ok", 0))

	_, hotOK := cache.Get(context.Background(), kHot)
	_, coldOK := cache.Get(context.Background(), kCold)
	assert.True(t, hotOK, "frequently-used entry should survive eviction")
	assert.False(t, coldOK, "least-frequently-used entry should be evicted to make room")
}

// TestCache_RedisMirror exercises the distributed tier against an in-memory
// Redis server so a node that misses locally still finds an entry another
// node already signed and stored.
func TestCache_RedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	remote := NewRedisBackend(client)

	signer := newTestSigner(t)
	writer, err := NewCache(domvalidation.EvictionLRU, 8, time.Minute, signer, remote)
	require.NoError(t, err)
	reader, err := NewCache(domvalidation.EvictionLRU, 8, time.Minute, signer, remote)
	require.NoError(t, err)

	key := domvalidation.CacheKey{LayerID: "permission", DataDigest: "d2", PolicyVersion: "v1"}
	require.NoError(t, writer.Set(context.Background(), key, domvalidation.StatusPassed, "approved", 0))

	got, ok := reader.Get(context.Background(), key)
	require.True(t, ok, "a fresh cache instance must see entries mirrored through the remote backend")
	assert.Equal(t, domvalidation.StatusPassed, got.Status)

	reader.Invalidate(context.Background(), key)
	_, stillThere := client.Get(context.Background(), cacheKeyString(key)).Result()
	assert.ErrorIs(t, stillThere, redis.Nil, "Invalidate must delete the remote mirror entry too")
}

func TestCache_Stats(t *testing.T) {
	cache, err := NewCache(domvalidation.EvictionLRU, 8, time.Minute, newTestSigner(t), nil)
	require.NoError(t, err)

	key := domvalidation.CacheKey{LayerID: "integrity", DataDigest: "d1", PolicyVersion: "v1"}
	_, _ = cache.Get(context.Background(), key) // miss
	require.NoError(t, cache.Set(context.Background(), key, domvalidation.StatusPassed, "ok", 0))
	_, _ = cache.Get(context.Background(), key) // hit

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}
