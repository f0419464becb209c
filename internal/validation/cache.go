// Package validation implements the Universal Validation Pipeline: an
// ordered, short-circuiting chain of layers backed by a signed,
// content-addressed result cache (spec §4.3).
package validation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"encoding/json"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qflow-run/qflow/internal/cryptoutil"
	domvalidation "github.com/qflow-run/qflow/internal/domain/validation"
)

func encodeSignedEntry(e signedEntry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeSignedEntry(raw []byte) (signedEntry, error) {
	var e signedEntry
	err := json.Unmarshal(raw, &e)
	return e, err
}

// signedEntry is the wire form persisted in the cache: the Signed payload
// plus the key it was computed for, since the signature covers both.
type signedEntry struct {
	Key    domvalidation.CacheKey  `json:"key"`
	Signed domvalidation.Signed    `json:"signed"`
}

func cacheKeyString(k domvalidation.CacheKey) string {
	return fmt.Sprintf("%s:%s:%s", k.LayerID, k.PolicyVersion, k.DataDigest)
}

// signPayload is the canonicalized struct signed over (key, result, issuedAt,
// ttl) per spec §4.3.
type signPayload struct {
	Key      domvalidation.CacheKey `json:"key"`
	Status   domvalidation.Status   `json:"status"`
	Message  string                 `json:"message"`
	IssuedAt time.Time              `json:"issuedAt"`
	TTL      time.Duration          `json:"ttl"`
}

// RedisBackend is the optional distributed tier a Cache can mirror writes
// to, so multiple engine nodes share signed-cache hits (spec §4.3 is silent
// on single- vs multi-node caching; SPEC_FULL.md wires a Redis-backed tier
// for multi-node deployments).
type RedisBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// redisAdapter adapts *redis.Client to RedisBackend.
type redisAdapter struct{ client *redis.Client }

// NewRedisBackend wraps a go-redis client as a RedisBackend.
func NewRedisBackend(client *redis.Client) RedisBackend {
	return &redisAdapter{client: client}
}

func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (r *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisAdapter) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Cache is the Signed Cache: a content-addressed store of signed validation
// results with LRU or LFU eviction, an optional distributed mirror, and
// policy-version-scoped keys so rotating a policy makes every prior entry
// unreachable by construction (spec §4.3).
type Cache struct {
	mu       sync.Mutex
	strategy domvalidation.EvictionStrategy
	maxEntries int
	defaultTTL time.Duration
	signer   cryptoutil.Signer
	remote   RedisBackend

	lruCache *lru.Cache[string, signedEntry]

	lfuEntries map[string]signedEntry
	lfuFreq    map[string]int64

	stats domvalidation.CacheStats
}

// NewCache builds a Cache. strategy selects LRU (backed by
// hashicorp/golang-lru) or LFU (hand-rolled: the pack ships no LFU
// implementation, so this one follows the same struct shape as the LRU
// case). remote may be nil for a single-node, in-process-only cache.
func NewCache(strategy domvalidation.EvictionStrategy, maxEntries int, defaultTTL time.Duration, signer cryptoutil.Signer, remote RedisBackend) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c := &Cache{
		strategy:   strategy,
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		signer:     signer,
		remote:     remote,
	}
	if strategy == domvalidation.EvictionLFU {
		c.lfuEntries = make(map[string]signedEntry, maxEntries)
		c.lfuFreq = make(map[string]int64, maxEntries)
		return c, nil
	}
	// Cache calls into lruCache only while holding c.mu, so the eviction
	// callback already runs under that lock.
	l, err := lru.NewWithEvict[string, signedEntry](maxEntries, func(_ string, _ signedEntry) {
		c.stats.Evictions++
	})
	if err != nil {
		return nil, fmt.Errorf("build lru cache: %w", err)
	}
	c.lruCache = l
	return c, nil
}

// Get looks up a signed result by (layerID, dataDigest, policyVersion),
// verifying the signature and TTL before returning a hit.
func (c *Cache) Get(ctx context.Context, key domvalidation.CacheKey) (domvalidation.Signed, bool) {
	c.mu.Lock()
	entry, ok := c.localGet(key)
	c.mu.Unlock()

	if !ok && c.remote != nil {
		raw, err := c.remote.Get(ctx, cacheKeyString(key))
		if err == nil && raw != nil {
			if se, uerr := decodeSignedEntry(raw); uerr == nil {
				entry, ok = se, true
			}
		}
	}

	if !ok {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return domvalidation.Signed{}, false
	}

	if !c.verify(key, entry.Signed) || entry.Signed.Expired(time.Now()) {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return domvalidation.Signed{}, false
	}

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	return entry.Signed, true
}

func (c *Cache) localGet(key domvalidation.CacheKey) (signedEntry, bool) {
	k := cacheKeyString(key)
	if c.lruCache != nil {
		return c.lruCache.Get(k)
	}
	entry, ok := c.lfuEntries[k]
	if ok {
		c.lfuFreq[k]++
	}
	return entry, ok
}

// Set signs and stores result for key, honoring ttlOverride when positive.
func (c *Cache) Set(ctx context.Context, key domvalidation.CacheKey, status domvalidation.Status, message string, ttlOverride time.Duration) error {
	ttl := c.defaultTTL
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	signed := domvalidation.Signed{
		Status:   status,
		Message:  message,
		IssuedAt: time.Now(),
		TTL:      ttl,
	}
	sig, err := c.sign(key, signed)
	if err != nil {
		return err
	}
	signed.Signature = sig
	entry := signedEntry{Key: key, Signed: signed}

	c.mu.Lock()
	k := cacheKeyString(key)
	if c.lruCache != nil {
		c.lruCache.Add(k, entry)
	} else {
		if _, exists := c.lfuEntries[k]; !exists && len(c.lfuEntries) >= c.maxEntries {
			c.evictLFU()
		}
		c.lfuEntries[k] = entry
		c.lfuFreq[k] = 1
	}
	c.stats.Entries = c.entryCountLocked()
	c.mu.Unlock()

	if c.remote != nil {
		raw, merr := encodeSignedEntry(entry)
		if merr == nil {
			_ = c.remote.Set(ctx, k, raw, ttl)
		}
	}
	return nil
}

// evictLFU removes the entry with the smallest access frequency. Caller
// holds c.mu.
func (c *Cache) evictLFU() {
	var victim string
	var min int64 = -1
	for k, f := range c.lfuFreq {
		if min == -1 || f < min {
			min, victim = f, k
		}
	}
	if victim != "" {
		delete(c.lfuEntries, victim)
		delete(c.lfuFreq, victim)
		c.stats.Evictions++
	}
}

func (c *Cache) entryCountLocked() int {
	if c.lruCache != nil {
		return c.lruCache.Len()
	}
	return len(c.lfuEntries)
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(ctx context.Context, key domvalidation.CacheKey) {
	k := cacheKeyString(key)
	c.mu.Lock()
	if c.lruCache != nil {
		c.lruCache.Remove(k)
	} else {
		delete(c.lfuEntries, k)
		delete(c.lfuFreq, k)
	}
	c.mu.Unlock()
	if c.remote != nil {
		_ = c.remote.Del(ctx, k)
	}
}

// Clear empties the local cache (the remote mirror is left alone; entries
// there simply become unreachable once their TTL or policyVersion expires).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lruCache != nil {
		c.lruCache.Purge()
	} else {
		c.lfuEntries = make(map[string]signedEntry, c.maxEntries)
		c.lfuFreq = make(map[string]int64, c.maxEntries)
	}
	c.stats.Entries = 0
}

// Stats reports current counters.
func (c *Cache) Stats() domvalidation.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = c.entryCountLocked()
	return st
}

func (c *Cache) sign(key domvalidation.CacheKey, s domvalidation.Signed) (string, error) {
	canon, err := cryptoutil.Canonical(signPayload{Key: key, Status: s.Status, Message: s.Message, IssuedAt: s.IssuedAt, TTL: s.TTL})
	if err != nil {
		return "", err
	}
	return c.signer.Sign(canon)
}

func (c *Cache) verify(key domvalidation.CacheKey, s domvalidation.Signed) bool {
	canon, err := cryptoutil.Canonical(signPayload{Key: key, Status: s.Status, Message: s.Message, IssuedAt: s.IssuedAt, TTL: s.TTL})
	if err != nil {
		return false
	}
	return c.signer.Verify(canon, s.Signature)
}
