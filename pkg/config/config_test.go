package config

import "testing"

func TestDefaultPassesValidation(t *testing.T) {
	c := Default()
	if c.SafetyBuffer.Percent != 10 {
		t.Errorf("expected default percent 10, got %v", c.SafetyBuffer.Percent)
	}
	if c.SafetyBuffer.MinBars != 20 {
		t.Errorf("expected default min_bars 20, got %v", c.SafetyBuffer.MinBars)
	}
	if c.Concurrency.MaxParallelSubgraphs != 1 {
		t.Errorf("expected default max_parallel_subgraphs 1, got %v", c.Concurrency.MaxParallelSubgraphs)
	}
}

func TestMarginPicksLargerOfPercentAndMinBars(t *testing.T) {
	b := SafetyBuffer{Percent: 10, MinBars: 20}
	if got := b.Margin(100); got != 20 {
		t.Errorf("Margin(100) = %d, want 20 (10%% of 100 is 10, min_bars 20 wins)", got)
	}
	if got := b.Margin(1000); got != 100 {
		t.Errorf("Margin(1000) = %d, want 100 (10%% of 1000 is 100, wins over min_bars)", got)
	}
}

func TestParseAppliesDefaultsAndValidates(t *testing.T) {
	c, err := Parse([]byte("safety_buffer:\n  percent: 25\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SafetyBuffer.Percent != 25 {
		t.Errorf("expected percent 25, got %v", c.SafetyBuffer.Percent)
	}
	if c.SafetyBuffer.MinBars != 20 {
		t.Errorf("expected default min_bars to survive partial YAML, got %v", c.SafetyBuffer.MinBars)
	}
}

func TestParseRejectsInvalidPercent(t *testing.T) {
	if _, err := Parse([]byte("safety_buffer:\n  percent: 150\n")); err == nil {
		t.Fatal("expected validation error for percent > 100")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("not: [valid")); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}
