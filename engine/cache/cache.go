// Package cache holds short-TTL similar-item query results, including a
// negative cache for products with no stored vector. Invalidation is a
// direct lookup through a per-product key index rather than a store-wide
// scan.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopmind/reco-engine/engine/semantic"
)

const (
	// PositiveTTL bounds how long a hit list stays fresh.
	PositiveTTL = 30 * time.Minute
	// NegativeTTL is longer: re-checking an unindexed product costs
	// more than the staleness risk.
	NegativeTTL = time.Hour
)

type entry struct {
	candidates []semantic.Candidate
	negative   bool
	productID  int64
	expires    time.Time
}

// Cache is a concurrent TTL cache of similarity results. Last-writer-wins
// under concurrent puts is acceptable.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	byProduct map[int64]map[string]struct{}
	now       func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:   make(map[string]entry),
		byProduct: make(map[int64]map[string]struct{}),
		now:       time.Now,
	}
}

// Key derives the deterministic cache key for a query: product id,
// vector type, and the sorted filter signature.
func Key(productID int64, vectorType, filterSignature string) string {
	h := sha256.Sum256([]byte(strconv.FormatInt(productID, 10) + "|" + vectorType + "|" + filterSignature))
	return hex.EncodeToString(h[:16])
}

// Get returns the cached candidates for key. negative reports a cached
// "no vector available" outcome; such hits return an empty list.
func (c *Cache) Get(key string) (candidates []semantic.Candidate, ok, negative bool) {
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		c.evict(key)
		c.mu.Unlock()
		return nil, false, false
	}
	return e.candidates, true, e.negative
}

// Put stores a positive result for the product's query key.
func (c *Cache) Put(productID int64, key string, candidates []semantic.Candidate, ttl time.Duration) {
	c.put(productID, key, entry{
		candidates: candidates,
		productID:  productID,
		expires:    c.now().Add(ttl),
	})
}

// PutNegative records that the product had no stored vector.
func (c *Cache) PutNegative(productID int64, key string) {
	c.put(productID, key, entry{
		negative:  true,
		productID: productID,
		expires:   c.now().Add(NegativeTTL),
	})
}

func (c *Cache) put(productID int64, key string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	keys := c.byProduct[productID]
	if keys == nil {
		keys = make(map[string]struct{})
		c.byProduct[productID] = keys
	}
	keys[key] = struct{}{}
}

// GetOrCompute returns the cached result for key or computes and caches
// it. A semantic.ErrNotIndexed outcome is converted into an empty list
// plus a negative entry; other errors pass through uncached.
func (c *Cache) GetOrCompute(productID int64, key string, ttl time.Duration, compute func() ([]semantic.Candidate, error)) ([]semantic.Candidate, error) {
	if candidates, ok, negative := c.Get(key); ok {
		if negative {
			return nil, nil
		}
		return candidates, nil
	}

	candidates, err := compute()
	if err != nil {
		if errors.Is(err, semantic.ErrNotIndexed) {
			c.PutNegative(productID, key)
			return nil, nil
		}
		return nil, err
	}
	c.Put(productID, key, candidates, ttl)
	return candidates, nil
}

// InvalidateProduct drops every entry whose query subject is the given
// product, including its negative entry, and returns the count dropped.
// Called after every successful upsert so a product becomes
// recommendable without waiting for TTL expiry.
func (c *Cache) InvalidateProduct(productID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byProduct[productID]
	for key := range keys {
		delete(c.entries, key)
	}
	delete(c.byProduct, productID)
	return len(keys)
}

// Len returns the number of live entries (expired ones included until
// their next lookup).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evict removes key and its index reference. Caller holds mu.
func (c *Cache) evict(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if keys := c.byProduct[e.productID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byProduct, e.productID)
		}
	}
}
