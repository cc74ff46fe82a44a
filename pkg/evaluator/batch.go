package evaluator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/algomatic/taexpr/pkg/config"
	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/planner"
)

// Options configures a Batch or Session run: which kernel registry to bind
// plan nodes against, ambient logging, an optional Metrics instance (nil
// disables instrumentation rather than falling back to the global
// Prometheus registry — see Metrics's own doc comment on why each run
// prefers a private registry), and the Concurrency knob spec §5's
// internally-parallel-subgraphs allowance is gated behind. Concurrency's
// zero value resolves to config.Default().Concurrency (sequential).
type Options struct {
	Kernels     *kernel.Registry
	Logger      *slog.Logger
	Metrics     *Metrics
	Concurrency config.Concurrency

	// Cache, when non-nil, makes Batch check for and store results keyed
	// by (plan ir_hash, dataset version) — see ResultCache's doc comment.
	// Nil (the default) disables caching entirely; there is no implicit
	// process-global cache to collide on.
	Cache *ResultCache
}

func (o Options) resolve() Options {
	if o.Kernels == nil {
		o.Kernels = kernel.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Concurrency.MaxParallelSubgraphs <= 0 {
		o.Concurrency = config.Default().Concurrency
	}
	return o
}

// Batch evaluates plan against ds in one vectorized pass: every node is
// computed exactly once from its already-evaluated children. With
// Concurrency.MaxParallelSubgraphs == 1 (the default) this is a strict
// topological-order pass — the "vector kernel that produces the entire
// output in one pass" shape a batch evaluator wants. A higher value opts
// into spec §5's allowance and fans each topological level's independent
// subgraphs out across up to that many goroutines via evalLevels. ctx is
// checked between levels, the cooperative cancellation point; a cancelled
// Batch returns ctx.Err() and touches no caller-visible state beyond the
// partial `values` map it discards.
func Batch(ctx context.Context, plan *planner.Plan, ds dataset.Dataset, opts Options) (Results, error) {
	opts = opts.resolve()
	var key cacheKey
	if opts.Cache != nil {
		key = cacheKey{planHash: planHash(plan), datasetVer: ds.Version()}
		if r, ok := opts.Cache.get(key); ok {
			if opts.Metrics != nil {
				opts.Metrics.batchCacheHits.Inc()
			}
			return r, nil
		}
	}
	start := time.Now()
	ec := &evalContext{
		byID:    indexByID(plan.Nodes),
		kernels: opts.Kernels,
		ds:      ds,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	values := make(map[string]value, len(plan.Nodes))
	var err error
	if opts.Concurrency.MaxParallelSubgraphs > 1 {
		err = evalLevels(ctx, ec, plan.Nodes, values, opts.Concurrency.MaxParallelSubgraphs)
	} else {
		err = evalSequential(ctx, ec, plan.Nodes, values)
	}
	if err != nil {
		return Results{}, err
	}
	out := make(map[string]Output, len(values))
	for id, v := range values {
		out[id] = v.toOutput()
	}
	if opts.Metrics != nil {
		opts.Metrics.batchDuration.Observe(time.Since(start).Seconds())
	}
	result := Results{Root: plan.Root, ByNode: out}
	if opts.Cache != nil {
		opts.Cache.put(key, result)
	}
	return result, nil
}

func evalSequential(ctx context.Context, ec *evalContext, nodes []planner.PlanNode, values map[string]value) error {
	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		pn := &nodes[i]
		v, err := ec.evalNode(pn, values)
		if err != nil {
			return err
		}
		values[pn.NodeID] = v
	}
	return nil
}

// evalLevels buckets nodes by the length of their longest dependency
// chain — a node's level is one past its deepest child's — and evaluates
// each level with up to maxParallel goroutines bounded by a semaphore.
// Nodes sharing a level never depend on each other by construction (a
// dependency always sits at a strictly lower level), so their evalNode
// calls only ever read values already merged from prior levels; the
// merge back into values happens after each level's goroutines finish,
// sequentially and in node order, so output stays deterministic
// regardless of maxParallel — the guarantee spec §5 requires.
func evalLevels(ctx context.Context, ec *evalContext, nodes []planner.PlanNode, values map[string]value, maxParallel int) error {
	level := make(map[string]int, len(nodes))
	var levels [][]*planner.PlanNode
	for i := range nodes {
		pn := &nodes[i]
		lv := 0
		for _, cid := range pn.ChildIDs {
			if cl, ok := level[cid]; ok && cl+1 > lv {
				lv = cl + 1
			}
		}
		level[pn.NodeID] = lv
		for len(levels) <= lv {
			levels = append(levels, nil)
		}
		levels[lv] = append(levels[lv], pn)
	}

	for _, group := range levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		results := make([]value, len(group))
		errs := make([]error, len(group))
		sem := make(chan struct{}, maxParallel)
		var wg sync.WaitGroup
		for i, pn := range group {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, pn *planner.PlanNode) {
				defer wg.Done()
				defer func() { <-sem }()
				v, err := ec.evalNode(pn, values)
				results[i] = v
				errs[i] = err
			}(i, pn)
		}
		wg.Wait()
		for i, pn := range group {
			if errs[i] != nil {
				return errs[i]
			}
			values[pn.NodeID] = results[i]
		}
	}
	return nil
}

func indexByID(nodes []planner.PlanNode) map[string]*planner.PlanNode {
	m := make(map[string]*planner.PlanNode, len(nodes))
	for i := range nodes {
		m[nodes[i].NodeID] = &nodes[i]
	}
	return m
}
