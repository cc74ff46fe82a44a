package preview

import (
	"context"
	"sort"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/config"
	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/evaluator"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/normalize"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/typecheck"
)

// Options carries the ambient bindings every entry point needs: the
// indicator catalog, kernel registry, resolution context (default
// symbol/exchange/timeframe a bare SourceRef falls back to), and the
// runtime Config governing Analyze's safety buffer. A zero Options
// resolves every field to the package defaults (catalog.Shared(),
// kernel.Default(), typecheck.DefaultSchema(), config.Default()).
type Options struct {
	Catalog       *catalog.Catalog
	Kernels       *kernel.Registry
	SourceSchema  typecheck.Schema
	Context       planner.Context
	EvaluatorOpts evaluator.Options
	Config        *config.Config
}

func (o Options) resolve() (Options, error) {
	if o.Catalog == nil {
		cat, err := catalog.Shared()
		if err != nil {
			return o, err
		}
		o.Catalog = cat
	}
	if o.Kernels == nil {
		o.Kernels = kernel.Default()
	}
	if o.SourceSchema == nil {
		o.SourceSchema = typecheck.DefaultSchema()
	}
	if o.Config == nil {
		def := config.Default()
		o.Config = &def
	}
	return o, nil
}

// compile runs normalize -> typecheck -> plan, the shared prefix every
// entry point needs before it diverges (Preview goes on to execute the
// plan; Validate and Analyze stop here). No step of it reads a Dataset.
func compile(root ir.Node, opts Options) (ir.Node, *planner.Plan, error) {
	normalized, err := normalize.Normalize(root, opts.Catalog)
	if err != nil {
		return nil, nil, err
	}
	checker := typecheck.NewChecker(opts.Catalog, opts.SourceSchema)
	if _, err := checker.Infer(normalized); err != nil {
		return nil, nil, err
	}
	plan, err := planner.Build(normalized, opts.Catalog, opts.Kernels, opts.Context)
	if err != nil {
		return normalized, nil, err
	}
	return normalized, plan, nil
}

// ValidateOutput is what Validate returns on success: a compiled plan
// summary frontends use to render "this expression is well-formed and
// needs these indicators/sources" without running anything.
type ValidateOutput struct {
	Indicators   []string
	Requirements []planner.DataRequirement
	Capability   planner.CapabilityManifest
}

// Validate runs normalize + typecheck + planner without executing
// anything or touching a Dataset — structural validity only, exactly
// whether this expression compiles against the catalog.
func Validate(root ir.Node, opts Options) Result[ValidateOutput] {
	opts, err := opts.resolve()
	if err != nil {
		return fail[ValidateOutput](err, nil)
	}
	_, plan, err := compile(root, opts)
	if err != nil {
		return fail[ValidateOutput](err, nil)
	}
	return ok(ValidateOutput{
		Indicators:   plan.Capability.Indicators,
		Requirements: plan.Requirements,
		Capability:   plan.Capability,
	}, nil)
}

// AnalyzeOutput is Analyze's payload: the static shape of a compiled
// expression, derivable with no Dataset at all.
type AnalyzeOutput struct {
	Indicators         []string
	Lookback           int
	MaxPeriod          int
	MinBarsRecommended int
}

// Analyze compiles root and reports its static shape: required lookback,
// the longest single declared period any bound kernel needs, and a
// recommended minimum bar count for a host to fetch before calling
// Preview — lookback plus opts.Config.SafetyBuffer's margin (10% of
// lookback or 20 bars, whichever larger, by default), so a freshly warmed
// chart isn't showing its coldest, least-reliable samples.
func Analyze(root ir.Node, opts Options) Result[AnalyzeOutput] {
	opts, err := opts.resolve()
	if err != nil {
		return fail[AnalyzeOutput](err, nil)
	}
	_, plan, err := compile(root, opts)
	if err != nil {
		return fail[AnalyzeOutput](err, nil)
	}
	lookback := 0
	maxPeriod := 0
	for i := range plan.Nodes {
		pn := &plan.Nodes[i]
		if pn.NodeID == plan.Root && pn.Lookback > lookback {
			lookback = pn.Lookback
		}
		if pn.Kernel == nil {
			continue
		}
		for _, pv := range pn.Kernel.Params {
			if pv.Kind != kernel.KindNumber {
				continue
			}
			if period := int(pv.Num); period > maxPeriod {
				maxPeriod = period
			}
		}
	}
	margin := opts.Config.SafetyBuffer.Margin(lookback)
	return ok(AnalyzeOutput{
		Indicators:         plan.Capability.Indicators,
		Lookback:           lookback,
		MaxPeriod:          maxPeriod,
		MinBarsRecommended: lookback + margin,
	}, nil)
}

// PaneHint classifies where an output belongs on a chart, per the
// deterministic derivation rule.
type PaneHint string

const (
	PanePriceOverlay PaneHint = "price_overlay"
	PaneVolume       PaneHint = "volume"
	PanePane         PaneHint = "pane"
)

// RenderHints is one output's presentation metadata.
type RenderHints struct {
	Role      string
	PaneHint  PaneHint
	StyleHint string
}

// Emission is one per-output record: which plan node/output produced it,
// which indicator it came from, and how to render it.
type Emission struct {
	NodeID               string
	Indicator            string
	OutputName           string
	ResolvedInputBinding string
	RenderHints          RenderHints
}

// PreviewOutput is Preview's payload: every plan node's materialized
// series, the per-output emission metadata, how many leading bars are
// unavailable on the root output ("trim"), and the data requirements the
// plan resolved to.
type PreviewOutput struct {
	SeriesByOutput map[string]evaluator.Output
	Emissions      []Emission
	Trim           int
	Requirements   []planner.DataRequirement
}

// Preview compiles and plans root (planning does not consult ds),
// evaluates the plan against ds in batch mode, and returns every output
// plus render-hint metadata. Any Batch error, including MissingData for a
// leaf ds lacks or holds too few bars of, fails the whole call with no
// partial results. A division by zero is handled inside the evaluator
// (the affected output is unavailable) and is not an error. The only
// warnings Preview returns come from emission derivation.
func Preview(ctx context.Context, root ir.Node, ds dataset.Dataset, opts Options) Result[PreviewOutput] {
	opts, err := opts.resolve()
	if err != nil {
		return fail[PreviewOutput](err, nil)
	}
	_, plan, err := compile(root, opts)
	if err != nil {
		return fail[PreviewOutput](err, nil)
	}
	results, err := evaluator.Batch(ctx, plan, ds, opts.EvaluatorOpts)
	if err != nil {
		return fail[PreviewOutput](err, nil)
	}

	emissions, warnings := buildEmissions(plan, opts.Catalog)
	trim := trimCount(results, plan.Root)

	return ok(PreviewOutput{
		SeriesByOutput: results.ByNode,
		Emissions:      emissions,
		Trim:           trim,
		Requirements:   plan.Requirements,
	}, warnings)
}

// trimCount reports how many leading samples of the root output are
// unavailable, the "trim" a chart host drops before rendering.
func trimCount(results evaluator.Results, root string) int {
	out, ok := results.ByNode[root]
	if !ok {
		return 0
	}
	mask := out.Bools.AvailabilityMask()
	if out.Kind == "number" {
		mask = out.Numbers.AvailabilityMask()
	}
	n := 0
	for _, a := range mask {
		if a {
			break
		}
		n++
	}
	return n
}

// buildEmissions derives one Emission per named output the plan
// exercises: every KindKernel/KindStruct node whose CompositeID or Kernel
// binding resolves to a catalog indicator.
func buildEmissions(plan *planner.Plan, cat *catalog.Catalog) ([]Emission, []string) {
	var emissions []Emission
	var warnings []string
	for i := range plan.Nodes {
		pn := &plan.Nodes[i]
		indicatorID, meta, found := resolveIndicator(pn, cat)
		if !found {
			continue
		}
		if len(meta.Outputs) == 1 {
			emissions = append(emissions, Emission{
				NodeID:               pn.NodeID,
				Indicator:            indicatorID,
				OutputName:           meta.Outputs[0].Name,
				ResolvedInputBinding: pn.NodeID,
				RenderHints:          renderHints(meta, meta.Outputs[0]),
			})
			continue
		}
		if pn.Op == nil || pn.Op.StructureFields == nil {
			warnings = append(warnings, "indicator "+indicatorID+" declares multiple outputs but plan node "+pn.NodeID+" has no structure fields")
			continue
		}
		for _, out := range meta.Outputs {
			childID, ok := pn.Op.StructureFields[out.Name]
			if !ok {
				continue
			}
			emissions = append(emissions, Emission{
				NodeID:               pn.NodeID,
				Indicator:            indicatorID,
				OutputName:           out.Name,
				ResolvedInputBinding: childID,
				RenderHints:          renderHints(meta, out),
			})
		}
	}
	sort.Slice(emissions, func(i, j int) bool {
		if emissions[i].NodeID != emissions[j].NodeID {
			return emissions[i].NodeID < emissions[j].NodeID
		}
		return emissions[i].OutputName < emissions[j].OutputName
	})
	return emissions, warnings
}

func resolveIndicator(pn *planner.PlanNode, cat *catalog.Catalog) (string, catalog.IndicatorMeta, bool) {
	if pn.CompositeID != "" {
		meta, ok := cat.Find(pn.CompositeID)
		return pn.CompositeID, meta, ok
	}
	if pn.Kind == planner.KindKernel && pn.Kernel != nil {
		meta, ok := cat.Find(pn.Kernel.KernelID)
		return pn.Kernel.KernelID, meta, ok
	}
	return "", catalog.IndicatorMeta{}, false
}

// renderHints derives pane_hint deterministically from the
// indicator's category and required fields: the momentum category renders
// in its own pane and the volume category in the volume pane. For any
// other category, an indicator whose required fields include both price
// and volume fields is "mixed" and gets its own pane, one that reads
// volume without price fields renders in the volume pane, and everything
// else overlays the price pane.
func renderHints(meta catalog.IndicatorMeta, out catalog.OutputSpec) RenderHints {
	return RenderHints{
		Role:      out.Role,
		PaneHint:  paneHint(meta),
		StyleHint: out.Kind,
	}
}

func paneHint(meta catalog.IndicatorMeta) PaneHint {
	if meta.Category == "momentum" {
		return PanePane
	}
	if meta.Category == "volume" {
		return PaneVolume
	}
	hasVolume := containsField(meta.Semantics.RequiredFields, "volume")
	hasPrice := containsField(meta.Semantics.RequiredFields, "open") ||
		containsField(meta.Semantics.RequiredFields, "high") ||
		containsField(meta.Semantics.RequiredFields, "low") ||
		containsField(meta.Semantics.RequiredFields, "close")
	switch {
	case hasVolume && hasPrice:
		return PanePane
	case hasVolume:
		return PaneVolume
	default:
		return PanePriceOverlay
	}
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
