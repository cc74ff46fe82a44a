// Package catalog is the static, deterministic indicator registry the
// planner binds Call nodes against. Entries are declared in embedded YAML
// (data/*.yaml), parsed and validated once by Shared() — never a Go
// init() side effect, so the registry's construction is explicit and
// testable like any other call.
package catalog

import (
	"embed"
	"fmt"
	"sort"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

//go:embed data/*.yaml
var embeddedData embed.FS

// ParamSpec is one declared parameter of an indicator.
type ParamSpec struct {
	Name     string      `yaml:"name" validate:"required"`
	Kind     string      `yaml:"kind" validate:"required,oneof=number bool int string"`
	Required bool        `yaml:"required"`
	Default  interface{} `yaml:"default,omitempty"`
	Min      *float64    `yaml:"min,omitempty"`
	Max      *float64    `yaml:"max,omitempty"`
	Enum     []string    `yaml:"enum,omitempty"`
}

// OutputSpec describes one named output line/band/signal/histogram an
// indicator Call may expose via MemberAccess.
type OutputSpec struct {
	Name string `yaml:"name" validate:"required"`
	Kind string `yaml:"kind" validate:"required,oneof=line band signal histogram"`
	Role string `yaml:"role,omitempty"`
}

// Semantics records the lookback/warmup contract used by the planner.
type Semantics struct {
	RequiredFields  []string `yaml:"required_fields"`
	OptionalFields  []string `yaml:"optional_fields"`
	LookbackParams  []string `yaml:"lookback_params"`
	DefaultLookback int      `yaml:"default_lookback"`
	WarmupPolicy    string   `yaml:"warmup_policy" validate:"required,oneof=window recursive cumulative none" default:"window"`
	// ULPTolerance is the per-kernel float tolerance the parity tests
	// (batch vs incremental) allow for recursive smoothers, declared
	// explicitly per kernel rather than assumed globally.
	ULPTolerance float64 `yaml:"ulp_tolerance" default:"0"`
}

// RuntimeBinding records whether the planner instantiates a single kernel
// directly, or expands the Call into a sub-DAG built by a named composite
// builder (pkg/planner/composite.go).
type RuntimeBinding struct {
	Kind     string `yaml:"kind" validate:"required,oneof=kernel composite"`
	KernelID string `yaml:"kernel_id,omitempty"`
	ID       string `yaml:"id,omitempty"` // composite builder id, when Kind == "composite"
}

// IndicatorMeta is one catalog entry describing a callable indicator id.
type IndicatorMeta struct {
	ID             string            `yaml:"id" validate:"required"`
	DisplayName    string            `yaml:"display_name" validate:"required"`
	Category       string            `yaml:"category" validate:"required" default:"uncategorized"`
	Aliases        []string          `yaml:"aliases"`
	ParamAliases   map[string]string `yaml:"param_aliases"`
	Params         []ParamSpec       `yaml:"params" validate:"dive"`
	Outputs        []OutputSpec      `yaml:"outputs" validate:"required,min=1,dive"`
	Semantics      Semantics         `yaml:"semantics"`
	RuntimeBinding RuntimeBinding    `yaml:"runtime_binding"`
}

type indicatorFile struct {
	Indicators []IndicatorMeta `yaml:"indicators"`
}

// Catalog is the immutable, sorted indicator registry.
type Catalog struct {
	byID    map[string]IndicatorMeta
	byAlias map[string]string
	order   []string // ids, sorted — stable serialization order
}

var (
	once     sync.Once
	instance *Catalog
	loadErr  error
)

// Shared returns the process-wide catalog built from the embedded YAML
// fixtures, built exactly once regardless of call count — never as an
// import-time init() side effect, only on first explicit call.
func Shared() (*Catalog, error) {
	once.Do(func() {
		instance, loadErr = load(embeddedData)
	})
	return instance, loadErr
}

// MustLoad is the explicit construction entry point the rest of the
// engine is expected to call at startup — panics on a malformed embedded
// fixture, which would only happen from a broken build.
func MustLoad() *Catalog {
	c, err := Shared()
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded fixtures invalid: %v", err))
	}
	return c
}

func load(fsys embed.FS) (*Catalog, error) {
	entries, err := fsys.ReadDir("data")
	if err != nil {
		return nil, err
	}
	v := validator.New()
	c := &Catalog{byID: make(map[string]IndicatorMeta), byAlias: make(map[string]string)}
	for _, entry := range entries {
		data, err := fsys.ReadFile("data/" + entry.Name())
		if err != nil {
			return nil, err
		}
		var file indicatorFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", entry.Name(), err)
		}
		for _, meta := range file.Indicators {
			if err := defaults.Set(&meta); err != nil {
				return nil, fmt.Errorf("catalog: %s: indicator %q: defaults: %w", entry.Name(), meta.ID, err)
			}
			if err := v.Struct(meta); err != nil {
				return nil, fmt.Errorf("catalog: %s: indicator %q: %w", entry.Name(), meta.ID, err)
			}
			for _, p := range meta.Params {
				if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
					return nil, fmt.Errorf("catalog: indicator %q param %q: min > max", meta.ID, p.Name)
				}
			}
			if _, exists := c.byID[meta.ID]; exists {
				return nil, fmt.Errorf("catalog: duplicate indicator id %q", meta.ID)
			}
			c.byID[meta.ID] = meta
			c.byAlias[meta.ID] = meta.ID
			for _, a := range meta.Aliases {
				c.byAlias[a] = meta.ID
			}
		}
	}
	c.order = make([]string, 0, len(c.byID))
	for id := range c.byID {
		c.order = append(c.order, id)
	}
	sort.Strings(c.order)
	return c, nil
}

// List returns every IndicatorMeta in stable (sorted-by-id) order.
func (c *Catalog) List() []IndicatorMeta {
	out := make([]IndicatorMeta, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Find resolves an indicator id or alias to its IndicatorMeta.
func (c *Catalog) Find(nameOrAlias string) (IndicatorMeta, bool) {
	id, ok := c.byAlias[nameOrAlias]
	if !ok {
		return IndicatorMeta{}, false
	}
	m, ok := c.byID[id]
	return m, ok
}

// TypedParams is the coerced, catalog-validated parameter record a kernel
// or composite builder consumes — a superset view over kernel.ParamValue
// keyed by declared param name.
type TypedParams map[string]kernel.ParamValue

// CoerceParams resolves parameter aliases, fills declared defaults,
// range-checks numeric params and validates string params against their
// declared enum, producing the TypedParams a kernel.New/WarmupHint call
// or a composite builder consumes. raw is the Call's already-normalized
// ordered Param list (positional args already canonicalized to named by
// normalize).
func (c *Catalog) CoerceParams(meta IndicatorMeta, raw []ir.Param) (TypedParams, error) {
	named := make(map[string]ir.ParamValue, len(raw))
	for _, p := range raw {
		name := p.Name
		if canon, ok := meta.ParamAliases[name]; ok {
			name = canon
		}
		named[name] = p.Value
	}

	out := make(TypedParams, len(meta.Params))
	for _, spec := range meta.Params {
		val, present := named[spec.Name]
		if !present {
			if spec.Required {
				return nil, &taerrors.InvalidParameter{Name: spec.Name, Reason: "required parameter missing"}
			}
			tv, err := defaultParamValue(spec)
			if err != nil {
				return nil, err
			}
			out[spec.Name] = tv
			continue
		}
		tv, err := coerceOne(spec, val)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = tv
	}
	return out, nil
}

func defaultParamValue(spec ParamSpec) (kernel.ParamValue, error) {
	if spec.Default == nil {
		return kernel.ParamValue{}, nil
	}
	switch spec.Kind {
	case "number", "int":
		f, ok := toFloat(spec.Default)
		if !ok {
			return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: "declared default is not numeric"}
		}
		return kernel.ParamValue{Kind: kernel.KindNumber, Num: f}, nil
	case "bool":
		b, ok := spec.Default.(bool)
		if !ok {
			return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: "declared default is not boolean"}
		}
		return kernel.ParamValue{Kind: kernel.KindBool, Bool: b}, nil
	case "string":
		s, ok := spec.Default.(string)
		if !ok {
			return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: "declared default is not a string"}
		}
		return kernel.ParamValue{Kind: kernel.KindString, Str: s}, nil
	default:
		return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: fmt.Sprintf("unknown param kind %q", spec.Kind)}
	}
}

func coerceOne(spec ParamSpec, val ir.ParamValue) (kernel.ParamValue, error) {
	switch spec.Kind {
	case "number", "int":
		var f float64
		switch val.Kind {
		case ir.ParamNumber:
			fv, _ := val.Number.Float64()
			f = fv
		case ir.ParamInt:
			f = float64(val.Int)
		default:
			return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: "expected a numeric value"}
		}
		if spec.Min != nil && f < *spec.Min {
			return kernel.ParamValue{}, &taerrors.ParameterOutOfRange{Name: spec.Name, Value: f, Min: *spec.Min, Max: maxOrZero(spec.Max)}
		}
		if spec.Max != nil && f > *spec.Max {
			return kernel.ParamValue{}, &taerrors.ParameterOutOfRange{Name: spec.Name, Value: f, Min: minOrZero(spec.Min), Max: *spec.Max}
		}
		return kernel.ParamValue{Kind: kernel.KindNumber, Num: f}, nil
	case "bool":
		if val.Kind != ir.ParamBool {
			return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: "expected a boolean value"}
		}
		return kernel.ParamValue{Kind: kernel.KindBool, Bool: val.Bool}, nil
	case "string":
		if val.Kind != ir.ParamString {
			return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: "expected a string value"}
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, val.Str) {
			return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: fmt.Sprintf("%q is not one of %v", val.Str, spec.Enum)}
		}
		return kernel.ParamValue{Kind: kernel.KindString, Str: val.Str}, nil
	default:
		return kernel.ParamValue{}, &taerrors.InvalidParameter{Name: spec.Name, Reason: fmt.Sprintf("unknown param kind %q", spec.Kind)}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func maxOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
func minOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
