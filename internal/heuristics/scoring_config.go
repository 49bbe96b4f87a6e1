package heuristics

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/rawblock/intel-engine/pkg/models"
)

// LoadScoringConfig overlays the YAML document at path onto the default
// weights. Keys absent from the file keep their defaults; map entries are
// merged per key.
//
//	category_priors:
//	  ransomware: 45
//	source_adjust:
//	  news: -10
//	keyword_cap: 20
func LoadScoringConfig(path string) (ScoringConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ScoringConfig{}, fmt.Errorf("read scoring config: %w", err)
	}
	return ParseScoringConfig(raw)
}

// ParseScoringConfig is LoadScoringConfig on an in-memory document.
func ParseScoringConfig(raw []byte) (ScoringConfig, error) {
	cfg := DefaultScoringConfig()
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return ScoringConfig{}, fmt.Errorf("%w: scoring config: %v", models.ErrInput, err)
	}
	if err := cfg.validate(); err != nil {
		return ScoringConfig{}, err
	}
	return cfg, nil
}

func (c ScoringConfig) validate() error {
	for cat, w := range c.CategoryPriors {
		if w < 0 || w > 100 {
			return fmt.Errorf("%w: category prior %s=%d outside 0..100", models.ErrInput, cat, w)
		}
	}
	for src, adj := range c.SourceAdjust {
		if adj < -100 || adj > 100 {
			return fmt.Errorf("%w: source adjustment %s=%d outside -100..100", models.ErrInput, src, adj)
		}
	}
	caps := map[string]int{
		"pattern_cap":  c.PatternCap,
		"activity_cap": c.ActivityCap,
		"keyword_cap":  c.KeywordCap,
	}
	for name, v := range caps {
		if v < 0 || v > 100 {
			return fmt.Errorf("%w: %s=%d outside 0..100", models.ErrInput, name, v)
		}
	}
	if c.MaxRecencyDays <= 0 {
		return fmt.Errorf("%w: max_recency_days must be positive", models.ErrInput)
	}
	return nil
}
