package planner

import "sync"

// Cache memoizes Build by the root IR's StableHash, exercised with a
// plain in-memory sync.Map rather than an external cache store (no
// network-addressable cache belongs in this core; see the dependency
// ledger for why Redis wasn't wired here).
type Cache struct {
	plans sync.Map // ir.Hash -> *Plan
}

func NewCache() *Cache { return &Cache{} }

// GetOrBuild returns the cached Plan for irHash if present, otherwise
// calls build, stores its result, and returns it. build is only invoked
// on a cache miss.
func (c *Cache) GetOrBuild(irHash uint64, build func() (*Plan, error)) (*Plan, error) {
	if v, ok := c.plans.Load(irHash); ok {
		return v.(*Plan), nil
	}
	plan, err := build()
	if err != nil {
		return nil, err
	}
	c.plans.Store(irHash, plan)
	return plan, nil
}

// Invalidate drops a cached plan, used when a dataset schema change would
// otherwise leave a stale DataRequirement set in circulation.
func (c *Cache) Invalidate(irHash uint64) {
	c.plans.Delete(irHash)
}
