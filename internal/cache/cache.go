// Package cache holds the two in-memory caches spec.md names: the plan
// cache (keyed by a fast, non-adversarial fingerprint of schema+operation)
// and the entity cache (keyed by a collision-resistant fingerprint of a
// subgraph request body, per spec.md §4.F item 5).
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"
)

// PlanFingerprint hashes schema version + operation text + operation name
// with xxhash: fast and non-cryptographic, appropriate for an in-memory
// cache key where the input space is this gateway's own trusted documents,
// not adversarial.
func PlanFingerprint(schemaVersion, operationText, operationName string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(schemaVersion)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(operationText)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(operationName)
	return h.Sum64()
}

// PlanCache is a fixed-capacity LRU of fingerprint -> *plan.Plan (typed as
// `any` here to avoid an import cycle with internal/plan; callers type-
// assert). Persistence of plans beyond this in-memory LRU is a Non-goal.
type PlanCache struct {
	lru *lru.Cache
}

func NewPlanCache(capacity int) (*PlanCache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &PlanCache{lru: c}, nil
}

func (c *PlanCache) Get(fp uint64) (any, bool) { return c.lru.Get(fp) }
func (c *PlanCache) Put(fp uint64, plan any)    { c.lru.Add(fp, plan) }

// EntityFingerprint hashes a subgraph request body with blake3: the
// collision-resistant hash spec.md explicitly calls out for the entity
// cache, since a collision here would silently serve one entity's cached
// response for another's representation.
func EntityFingerprint(subgraphName string, requestBody []byte) [32]byte {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(subgraphName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(requestBody)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

type entityEntry struct {
	body    []byte
	expires time.Time
}

// EntityCache is a TTL-bounded LRU of fingerprint -> raw subgraph response
// body, with singleflight collapsing duplicate concurrent lookups for the
// same fingerprint (stampede protection — a natural extension of the cache
// spec.md describes, not a new feature per SPEC_FULL.md).
type EntityCache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	group singleflight.Group
	now   func() time.Time
}

func NewEntityCache(capacity int) (*EntityCache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &EntityCache{lru: c, now: time.Now}, nil
}

// Fetch returns a cached body if present and unexpired; otherwise it calls
// miss exactly once per fingerprint even under concurrent callers, caching
// the result for ttl.
func (c *EntityCache) Fetch(fp [32]byte, ttl time.Duration, miss func() ([]byte, error)) ([]byte, error) {
	if body, ok := c.lookup(fp); ok {
		return body, nil
	}
	key := string(fp[:])
	v, err, _ := c.group.Do(key, func() (any, error) {
		if body, ok := c.lookup(fp); ok {
			return body, nil
		}
		body, err := miss()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.lru.Add(fp, entityEntry{body: body, expires: c.now().Add(ttl)})
		c.mu.Unlock()
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *EntityCache) lookup(fp [32]byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(fp)
	if !ok {
		return nil, false
	}
	entry := v.(entityEntry)
	if c.now().After(entry.expires) {
		c.lru.Remove(fp)
		return nil, false
	}
	return entry.body, true
}
