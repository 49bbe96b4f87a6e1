package heuristics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rawblock/intel-engine/pkg/models"
)

func TestParseScoringConfig_OverlaysDefaults(t *testing.T) {
	cfg, err := ParseScoringConfig([]byte(`
category_priors:
  ransomware: 50
source_adjust:
  news: -10
keyword_cap: 20
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def := DefaultScoringConfig()
	if cfg.CategoryPriors[models.CategoryRansomware] != 50 {
		t.Fatalf("ransomware prior not overridden: %d", cfg.CategoryPriors[models.CategoryRansomware])
	}
	if cfg.CategoryPriors[models.CategoryScam] != def.CategoryPriors[models.CategoryScam] {
		t.Fatalf("untouched priors must keep their defaults")
	}
	if cfg.SourceAdjust[models.SourceNews] != -10 || cfg.SourceAdjust[models.SourceDarkWeb] != def.SourceAdjust[models.SourceDarkWeb] {
		t.Fatalf("unexpected source adjustments %v", cfg.SourceAdjust)
	}
	if cfg.KeywordCap != 20 || cfg.PatternCap != def.PatternCap {
		t.Fatalf("unexpected caps keyword=%d pattern=%d", cfg.KeywordCap, cfg.PatternCap)
	}
}

func TestParseScoringConfig_Rejects(t *testing.T) {
	docs := map[string]string{
		"unknown key":    "keyword_capp: 3\n",
		"prior too high": "category_priors:\n  scam: 150\n",
		"negative cap":   "pattern_cap: -1\n",
		"not yaml":       "::: [",
	}
	for name, doc := range docs {
		if _, err := ParseScoringConfig([]byte(doc)); !errors.Is(err, models.ErrInput) {
			t.Errorf("%s: expected ErrInput, got %v", name, err)
		}
	}
}

func TestLoadScoringConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoring.yaml")
	if err := os.WriteFile(path, []byte("rapid_points: 12\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadScoringConfig(path)
	if err != nil || cfg.RapidPoints != 12 {
		t.Fatalf("expected rapid_points 12, got %d (%v)", cfg.RapidPoints, err)
	}
	if _, err := LoadScoringConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
