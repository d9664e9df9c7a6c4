package ghcache

import "sync"

type memEntry struct {
	resp *CachedResponse
	size int64
}

// MemCache is the in-process Cache backend. It grows unboundedly for the
// lifetime of the process; no eviction policy is implemented (spec.md §9 —
// intentional, noted as a liability under long uptimes rather than fixed
// here without an explicit decision to add one).
type MemCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]memEntry
}

// NewMemCache returns an empty in-process cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[CacheKey]memEntry)}
}

var _ Cache = (*MemCache)(nil)

func (c *MemCache) Contains(key CacheKey) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *MemCache) Get(key CacheKey) (*CachedResponse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.resp, nil
}

func (c *MemCache) Put(key CacheKey, resp *CachedResponse) error {
	keyBytes, err := encodeKey(key)
	if err != nil {
		return err
	}
	valueBytes, err := encodeEntry(resp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{resp: resp, size: int64(len(keyBytes) + len(valueBytes))}
	return nil
}

func (c *MemCache) Iterate(visit func(CacheKey) bool) error {
	c.mu.RLock()
	keys := make([]CacheKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	for _, k := range keys {
		if !visit(k) {
			break
		}
	}
	return nil
}

func (c *MemCache) Len() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

// containerOverheadBytes approximates the bookkeeping overhead of the
// backing map itself, on top of the per-entry sizes recorded at Put time.
const containerOverheadBytes = 64

func (c *MemCache) ByteSize() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64 = containerOverheadBytes
	for _, e := range c.entries {
		total += e.size
	}
	return total, nil
}
