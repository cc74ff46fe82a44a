// Package config loads the runtime knobs that govern the catalog and
// evaluator without touching market-data connectivity, which stays a host
// concern (concrete data I/O is out of scope for this core). A nested
// struct with yaml tags, creasty/defaults for optional numeric fields, and
// go-playground/validator for struct-tag invariants — the same shape
// Junivor-DoAn-Finpull/pkg/config uses to load and validate its service
// config.
package config

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SafetyBuffer controls Analyze's MinBarsRecommended margin: the larger
// of Percent% of lookback or MinBars, added on top of lookback so a
// freshly warmed chart isn't showing its coldest, least-reliable samples.
type SafetyBuffer struct {
	Percent float64 `yaml:"percent" default:"10" validate:"gte=0,lte=100"`
	MinBars int     `yaml:"min_bars" default:"20" validate:"gte=0"`
}

// Margin returns the safety buffer for a given lookback, per spec §4.6:
// "safety_buffer defaults to 10% or 20 bars, whichever larger."
func (b SafetyBuffer) Margin(lookback int) int {
	pct := int(float64(lookback) * b.Percent / 100)
	if pct > b.MinBars {
		return pct
	}
	return b.MinBars
}

// Concurrency bounds how many independent subgraphs at the same
// topological level a Batch run may evaluate in parallel. A cap of 1
// (the default) evaluates every level sequentially in node order — the
// baseline the evaluator's tests assume. Raising it opts into the
// parallel-independent-subgraph allowance spec §5 makes available
// ("Implementations MAY internally parallelize evaluation of independent
// subgraphs at the same topological level provided deterministic output
// order is preserved").
type Concurrency struct {
	MaxParallelSubgraphs int `yaml:"max_parallel_subgraphs" default:"1" validate:"gte=1"`
}

// Config is the top-level runtime configuration for a catalog+evaluator
// deployment of this engine.
type Config struct {
	SafetyBuffer SafetyBuffer `yaml:"safety_buffer"`
	Concurrency  Concurrency  `yaml:"concurrency"`
}

// Default returns a Config with every field at its declared default,
// equivalent to Load-ing an empty YAML document.
func Default() Config {
	var c Config
	_ = defaults.Set(&c)
	return c
}

var validate = validator.New()

// Load reads path as YAML, fills unset optional fields via creasty/defaults,
// and validates the result. Unknown/zero-value required fields fail
// validation rather than silently defaulting — matching the teacher
// pack's "validate after default-fill" ordering.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes raw as YAML into a Config the same way Load does, without
// touching the filesystem — used by tests and by hosts that already have
// the bytes (e.g. fetched from a secrets manager).
func Parse(raw []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return Config{}, fmt.Errorf("config: apply defaults: %w", err)
	}
	if err := validate.Struct(&c); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return c, nil
}
