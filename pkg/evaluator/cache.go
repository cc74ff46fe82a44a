package evaluator

import (
	"hash/fnv"
	"sync"

	"github.com/algomatic/taexpr/pkg/planner"
)

// ResultCache memoizes Batch results keyed by (plan ir_hash, dataset
// version) — the same plan evaluated against the same Dataset value always
// produces the same Results, since both Plan and Dataset are immutable
// once built. A caller that re-runs Batch for the same plan/dataset pair
// (e.g. re-rendering a chart, or a preview re-evaluated after an unrelated
// parameter changed elsewhere) hits the cache instead of recomputing every
// node. Safe for concurrent use.
type ResultCache struct {
	mu    sync.Mutex
	byKey map[cacheKey]Results
}

type cacheKey struct {
	planHash   uint64
	datasetVer uint64
}

// NewResultCache constructs an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{byKey: make(map[cacheKey]Results)}
}

func (c *ResultCache) get(key cacheKey) (Results, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byKey[key]
	return r, ok
}

func (c *ResultCache) put(key cacheKey, r Results) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = r
}

// planHash folds every node's structural IRHash into one fingerprint for
// the whole plan. Plan.Nodes is already deduplicated by hash (see
// planner.Build/normalize's common subexpression elimination), so two
// plans built from the same expression always fold to the same value
// regardless of map iteration order — the fold walks Nodes in its fixed
// topological order, not a map.
func planHash(plan *planner.Plan) uint64 {
	h := fnv.New64a()
	for i := range plan.Nodes {
		var buf [8]byte
		v := uint64(plan.Nodes[i].IRHash)
		for j := 0; j < 8; j++ {
			buf[j] = byte(v)
			v >>= 8
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}
