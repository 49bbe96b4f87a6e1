package heuristics

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/intel-engine/pkg/models"
)

// Feature Extractor
//
// Turns a registry address plus optional chain statistics into the flat,
// normalized FeatureSet consumed by the scorer. Extraction never fails:
// whatever is unknown is reported as absent and lowers data confidence.
//
// Inputs counted toward confidence:
//   volume        balance or received+spent
//   activity      transaction count
//   recency       last seen timestamp
//   patterns      at least MinTransfers sampled transfers
//   text          tags, notes or source url to match keywords against
//   source        source type or source url

// DataConfidence reports how much of the feature set is backed by data.
type DataConfidence string

const (
	ConfidenceFull    DataConfidence = "full"
	ConfidencePartial DataConfidence = "partial"
	ConfidenceNone    DataConfidence = "none"
)

// SourceTrust is the reputation of the place an address was discovered.
type SourceTrust string

const (
	TrustUnknown SourceTrust = "unknown"
	TrustLow     SourceTrust = "low"
	TrustMedium  SourceTrust = "medium"
	TrustHigh    SourceTrust = "high"
)

const featureInputsTotal = 6

// FeatureConfig holds the extraction thresholds.
type FeatureConfig struct {
	VolumeCeiling      float64 // native units at which volume_norm saturates
	TxCountCeiling     float64
	MaxRecencyDays     float64
	RoundUnits         []decimal.Decimal
	RoundShare         float64 // fraction of amounts that must be round
	RapidMedian        time.Duration
	LargeMultiple      float64 // amount > LargeMultiple * mean
	MinTransfers       int
	SuspiciousKeywords []string
}

// DefaultFeatureConfig returns the production thresholds.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		VolumeCeiling:  10000,
		TxCountCeiling: 10000,
		MaxRecencyDays: 3650,
		RoundUnits: []decimal.Decimal{
			decimal.RequireFromString("0.1"),
			decimal.NewFromInt(1),
			decimal.NewFromInt(10),
		},
		RoundShare:         0.30,
		RapidMedian:        10 * time.Minute,
		LargeMultiple:      10,
		MinTransfers:       2,
		SuspiciousKeywords: DefaultSuspiciousKeywords(),
	}
}

// FeatureSet is the per-address input to Score. It is never persisted.
type FeatureSet struct {
	AddressID    string
	CryptoType   models.CryptoType
	CategoryHint models.Category
	SourceType   models.SourceType
	SourceTrust  SourceTrust

	VolumeNorm       float64 // [0,1]
	ActivityNorm     float64 // [0,1], log-normalized transaction count
	TransactionCount int
	RecencyDays      float64 // [0, MaxRecencyDays]
	HasRecency       bool

	RoundNumberTransactions bool
	RapidTransactions       bool
	LargeTransactions       bool

	SuspicionHits []string // matched keywords, sorted and unique

	DataConfidence DataConfidence
	InputsPresent  int
	InputsTotal    int
}

// IsEmpty reports whether the set carries no signal at all.
func (fs FeatureSet) IsEmpty() bool {
	hint := fs.CategoryHint
	return fs.InputsPresent == 0 && (hint == "" || hint == models.CategoryUnassigned)
}

// ExtractFeatures builds the feature set for addr. stats may be nil when the
// chain-stats provider is unavailable or timed out.
func ExtractFeatures(addr models.Address, stats *models.ChainStats, now time.Time, cfg FeatureConfig) FeatureSet {
	fs := FeatureSet{
		AddressID:    addr.ID,
		CryptoType:   addr.CryptoType,
		CategoryHint: addr.SourceCategory,
		SourceType:   addr.SourceType,
		InputsTotal:  featureInputsTotal,
	}

	// ─── Volume ──────────────────────────────────────────────────────
	volume, haveVolume := 0.0, false
	if stats != nil {
		volume, haveVolume = stats.Received+stats.Spent, true
		if volume == 0 && stats.Balance > 0 {
			volume = stats.Balance
		}
	} else if addr.Balance != nil {
		volume, haveVolume = *addr.Balance, true
	}
	if haveVolume {
		fs.VolumeNorm = logNorm(volume, cfg.VolumeCeiling)
		fs.InputsPresent++
	}

	// ─── Activity ────────────────────────────────────────────────────
	txCount, haveCount := addr.TransactionCount, addr.TransactionCount > 0
	if stats != nil {
		txCount, haveCount = stats.TransactionCount, true
	}
	if haveCount {
		fs.TransactionCount = txCount
		fs.ActivityNorm = logNorm(float64(txCount), cfg.TxCountCeiling)
		fs.InputsPresent++
	}

	// ─── Recency ─────────────────────────────────────────────────────
	lastSeen := addr.LastSeen
	if stats != nil && !stats.LastSeen.IsZero() {
		lastSeen = stats.LastSeen
	}
	if !lastSeen.IsZero() {
		days := now.Sub(lastSeen).Hours() / 24
		fs.RecencyDays = clampFloat(days, 0, cfg.MaxRecencyDays)
		fs.HasRecency = true
		fs.InputsPresent++
	}

	// ─── Transfer patterns ───────────────────────────────────────────
	if stats != nil && len(stats.Transfers) >= cfg.MinTransfers {
		fs.RoundNumberTransactions = hasRoundAmounts(stats.Transfers, cfg)
		fs.RapidTransactions = hasRapidCadence(stats.Transfers, cfg.RapidMedian)
		fs.LargeTransactions = hasLargeOutlier(stats.Transfers, cfg.LargeMultiple)
		fs.InputsPresent++
	}

	// ─── Text ────────────────────────────────────────────────────────
	corpus := textCorpus(addr)
	if corpus != "" {
		fs.SuspicionHits = matchKeywords(corpus, cfg.SuspiciousKeywords)
		fs.InputsPresent++
	}

	// ─── Source ──────────────────────────────────────────────────────
	if fs.SourceType == "" {
		fs.SourceType = inferSourceType(addr.SourceURL)
	}
	fs.SourceTrust = trustForSource(fs.SourceType)
	if fs.SourceType != "" || addr.SourceURL != "" {
		fs.InputsPresent++
	}

	switch {
	case fs.InputsPresent == 0:
		fs.DataConfidence = ConfidenceNone
	case stats != nil && fs.InputsPresent == fs.InputsTotal:
		fs.DataConfidence = ConfidenceFull
	default:
		fs.DataConfidence = ConfidencePartial
	}
	return fs
}

func logNorm(v, ceiling float64) float64 {
	if v <= 0 || ceiling <= 0 {
		return 0
	}
	return clampFloat(math.Log10(1+v)/math.Log10(1+ceiling), 0, 1)
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// hasRoundAmounts checks the share of transfers that are exact multiples of
// one of the configured units. Amounts are compared as decimals so 0.3 BTC
// is round and 0.30000001 is not.
func hasRoundAmounts(transfers []models.Transfer, cfg FeatureConfig) bool {
	total, round := 0, 0
	for _, t := range transfers {
		amt, err := decimal.NewFromString(t.Amount)
		if err != nil || !amt.IsPositive() {
			continue
		}
		total++
		for _, unit := range cfg.RoundUnits {
			if unit.IsPositive() && amt.Mod(unit).IsZero() {
				round++
				break
			}
		}
	}
	if total == 0 {
		return false
	}
	return float64(round)/float64(total) >= cfg.RoundShare
}

func hasRapidCadence(transfers []models.Transfer, threshold time.Duration) bool {
	ts := make([]time.Time, 0, len(transfers))
	for _, t := range transfers {
		if !t.Timestamp.IsZero() {
			ts = append(ts, t.Timestamp)
		}
	}
	if len(ts) < 2 {
		return false
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	gaps := make([]time.Duration, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		gaps = append(gaps, ts[i].Sub(ts[i-1]))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })

	var median time.Duration
	if n := len(gaps); n%2 == 1 {
		median = gaps[n/2]
	} else {
		median = (gaps[n/2-1] + gaps[n/2]) / 2
	}
	return median < threshold
}

func hasLargeOutlier(transfers []models.Transfer, multiple float64) bool {
	amounts := make([]decimal.Decimal, 0, len(transfers))
	sum := decimal.Zero
	for _, t := range transfers {
		amt, err := decimal.NewFromString(t.Amount)
		if err != nil || !amt.IsPositive() {
			continue
		}
		amounts = append(amounts, amt)
		sum = sum.Add(amt)
	}
	if len(amounts) == 0 {
		return false
	}
	limit := sum.Div(decimal.NewFromInt(int64(len(amounts)))).Mul(decimal.NewFromFloat(multiple))
	for _, amt := range amounts {
		if amt.GreaterThan(limit) {
			return true
		}
	}
	return false
}

func textCorpus(addr models.Address) string {
	parts := make([]string, 0, len(addr.Tags)+2)
	for _, tag := range addr.Tags {
		if t := strings.TrimSpace(tag); t != "" {
			parts = append(parts, t)
		}
	}
	if n := strings.TrimSpace(addr.Notes); n != "" {
		parts = append(parts, n)
	}
	if addr.SourceURL != "" {
		parts = append(parts, addr.SourceURL)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func matchKeywords(corpus string, keywords []string) []string {
	seen := make(map[string]bool)
	var hits []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		if strings.Contains(corpus, kw) {
			seen[kw] = true
			hits = append(hits, kw)
		}
	}
	sort.Strings(hits)
	return hits
}

func inferSourceType(sourceURL string) models.SourceType {
	if sourceURL == "" {
		return ""
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, ".onion"):
		return models.SourceDarkWeb
	case strings.Contains(host, "reddit") || strings.Contains(host, "bitcointalk") || strings.Contains(host, "forum"):
		return models.SourceForum
	case strings.Contains(host, "twitter") || host == "x.com" || host == "t.me" || strings.Contains(host, "telegram"):
		return models.SourceSocialMedia
	case strings.Contains(host, "treasury.gov") || strings.Contains(host, "sanctions"):
		return models.SourceSanctions
	}
	return ""
}

func trustForSource(st models.SourceType) SourceTrust {
	switch st {
	case models.SourceDarkWeb, models.SourceSanctions:
		return TrustLow
	case models.SourceForum, models.SourceSocialMedia:
		return TrustMedium
	case models.SourceNews:
		return TrustHigh
	default:
		return TrustUnknown
	}
}
