package heuristics

import (
	"math"

	"github.com/rawblock/intel-engine/pkg/models"
)

// Risk Scoring Engine
//
// Composites the feature set of one address into a 0-100 risk score, a
// category label and a confidence. Same input, same output: there is no
// randomness, clock or map-order dependence below.
//
// Risk composition (each part clipped on its own, then summed and clipped):
//   baseline   category prior of the source label + source reputation
//   patterns   round-number / rapid / large transfer flags, up to 25
//   activity   volume or transaction count plus recency, up to 20
//   keywords   suspicious keyword hits in tags, notes and source, up to 15
//
// Category: every matching rule proposes (category, weight). The heaviest
// wins; ties go to the more severe category.

// ScoringConfig holds the weights. All fields are tunable.
type ScoringConfig struct {
	CategoryPriors map[models.Category]int   `yaml:"category_priors"`
	SourceAdjust   map[models.SourceType]int `yaml:"source_adjust"`

	RoundNumberPoints int `yaml:"round_number_points"`
	RapidPoints       int `yaml:"rapid_points"`
	LargePoints       int `yaml:"large_points"`
	PatternCap        int `yaml:"pattern_cap"`

	ActivityPoints float64 `yaml:"activity_points"`
	RecencyPoints  float64 `yaml:"recency_points"`
	ActivityCap    int     `yaml:"activity_cap"`
	MaxRecencyDays float64 `yaml:"max_recency_days"`

	KeywordPointsPerHit int `yaml:"keyword_points_per_hit"`
	KeywordCap          int `yaml:"keyword_cap"`

	KeywordRuleWeight    int `yaml:"keyword_rule_weight"`    // category rule weight per keyword hit
	LaunderingRuleWeight int `yaml:"laundering_rule_weight"` // round + rapid pattern
	DarkWebRuleWeight    int `yaml:"dark_web_rule_weight"`   // low-trust source with no other label
	MinHintWeight        int `yaml:"min_hint_weight"`
}

// DefaultScoringConfig returns the production weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		CategoryPriors: map[models.Category]int{
			models.CategoryTerrorFinancing: 45,
			models.CategoryMoneyLaundering: 40,
			models.CategoryDarknetMarket:   40,
			models.CategoryRansomware:      40,
			models.CategoryScam:            30,
			models.CategoryMixer:           25,
			models.CategoryGambling:        10,
		},
		SourceAdjust: map[models.SourceType]int{
			models.SourceSanctions:   20,
			models.SourceDarkWeb:     15,
			models.SourceForum:       5,
			models.SourceSocialMedia: 3,
			models.SourceNews:        -5,
		},
		RoundNumberPoints: 10,
		RapidPoints:       8,
		LargePoints:       7,
		PatternCap:        25,

		ActivityPoints: 14,
		RecencyPoints:  6,
		ActivityCap:    20,
		MaxRecencyDays: 3650,

		KeywordPointsPerHit: 5,
		KeywordCap:          15,

		KeywordRuleWeight:    15,
		LaunderingRuleWeight: 20,
		DarkWebRuleWeight:    10,
		MinHintWeight:        20,
	}
}

// RiskVerdict is the scoring result for one address.
type RiskVerdict struct {
	AddressID  string          `json:"address_id"`
	RiskScore  int             `json:"risk_score"`
	Category   models.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Level      RiskLevel       `json:"level"`
	Signals    []string        `json:"signals"`
}

// Score produces the verdict for fs. An empty feature set yields
// (0, unassigned, 0) rather than an error.
func Score(fs FeatureSet, cfg ScoringConfig) RiskVerdict {
	verdict := RiskVerdict{AddressID: fs.AddressID}
	if fs.IsEmpty() {
		verdict.Category = models.CategoryUnassigned
		verdict.Level = RiskLow
		return verdict
	}

	var signals []string

	// ─── Baseline ────────────────────────────────────────────────────
	baseline := 0
	if prior, ok := cfg.CategoryPriors[fs.CategoryHint]; ok && prior > 0 {
		baseline += prior
		signals = append(signals, "category_prior:"+string(fs.CategoryHint))
	}
	if adj := cfg.SourceAdjust[fs.SourceType]; adj != 0 {
		baseline += adj
		signals = append(signals, "source:"+string(fs.SourceType))
	}
	baseline = clampInt(baseline, 0, 100)

	// ─── Pattern flags ───────────────────────────────────────────────
	patterns := 0
	if fs.RoundNumberTransactions {
		patterns += cfg.RoundNumberPoints
		signals = append(signals, "round_number_transactions")
	}
	if fs.RapidTransactions {
		patterns += cfg.RapidPoints
		signals = append(signals, "rapid_transactions")
	}
	if fs.LargeTransactions {
		patterns += cfg.LargePoints
		signals = append(signals, "large_transactions")
	}
	patterns = clampInt(patterns, 0, cfg.PatternCap)

	// ─── Volume / recency ────────────────────────────────────────────
	activity := math.Max(fs.VolumeNorm, fs.ActivityNorm) * cfg.ActivityPoints
	if fs.HasRecency && cfg.MaxRecencyDays > 0 {
		freshness := 1 - clampFloat(fs.RecencyDays, 0, cfg.MaxRecencyDays)/cfg.MaxRecencyDays
		activity += freshness * cfg.RecencyPoints
	}
	activity = clampFloat(activity, 0, float64(cfg.ActivityCap))
	if activity >= 1 {
		signals = append(signals, "activity")
	}

	// ─── Keywords ────────────────────────────────────────────────────
	keywords := clampInt(len(fs.SuspicionHits)*cfg.KeywordPointsPerHit, 0, cfg.KeywordCap)
	for _, kw := range fs.SuspicionHits {
		signals = append(signals, "keyword:"+kw)
	}

	total := float64(baseline+patterns+keywords) + activity
	verdict.RiskScore = clampInt(int(math.Round(total)), 0, 100)
	verdict.Category = assignCategory(fs, cfg)
	verdict.Level = LevelForScore(verdict.RiskScore)
	verdict.Signals = signals
	if fs.InputsTotal > 0 {
		verdict.Confidence = clampFloat(float64(fs.InputsPresent)/float64(fs.InputsTotal), 0, 1)
	}
	return verdict
}

// assignCategory evaluates the category rules and resolves ties by priority.
func assignCategory(fs FeatureSet, cfg ScoringConfig) models.Category {
	weights := make(map[models.Category]int)

	if hint := fs.CategoryHint; hint != "" && hint != models.CategoryUnassigned && hint != models.CategoryUnclassified {
		w := cfg.CategoryPriors[hint]
		if w < cfg.MinHintWeight {
			w = cfg.MinHintWeight
		}
		weights[hint] += w
	}
	for _, kw := range fs.SuspicionHits {
		if c, ok := categoryForKeyword(kw); ok {
			weights[c] += cfg.KeywordRuleWeight
		}
	}
	if fs.RoundNumberTransactions && fs.RapidTransactions {
		weights[models.CategoryMoneyLaundering] += cfg.LaunderingRuleWeight
	}
	if fs.SourceType == models.SourceDarkWeb {
		weights[models.CategoryDarknetMarket] += cfg.DarkWebRuleWeight
	}

	best, bestWeight := models.CategoryUnclassified, 0
	for _, c := range categoryPriority {
		if w := weights[c]; w > bestWeight {
			best, bestWeight = c, w
		}
	}
	return best
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
