package heuristics

import (
	"github.com/rawblock/intel-engine/pkg/models"
)

// categoryPriority orders categories for tie-breaking. Lower index wins.
var categoryPriority = []models.Category{
	models.CategoryTerrorFinancing,
	models.CategoryMoneyLaundering,
	models.CategoryDarknetMarket,
	models.CategoryScam,
	models.CategoryMixer,
	models.CategoryRansomware,
	models.CategoryGambling,
	models.CategoryExchange,
	models.CategoryUnclassified,
}

// CategoryRank returns the tie-break rank of c. Unknown categories sort last.
func CategoryRank(c models.Category) int {
	for i, known := range categoryPriority {
		if c == known {
			return i
		}
	}
	return len(categoryPriority)
}

// categoryKeywords maps keyword hits to the category they suggest.
var categoryKeywords = map[models.Category][]string{
	models.CategoryTerrorFinancing: {"terror", "jihad", "isis", "extremist", "militant"},
	models.CategoryMoneyLaundering: {"laundering", "launder", "clean money", "cash out", "cashout"},
	models.CategoryDarknetMarket:   {"darknet", "dark web", "marketplace", "silk road", "alphabay", "hydra", "vendor shop", "drugs", "cocaine"},
	models.CategoryScam:            {"scam", "fraud", "phishing", "ponzi", "giveaway", "fake"},
	models.CategoryMixer:           {"mixer", "tumbler", "mixing", "coinjoin"},
	models.CategoryRansomware:      {"ransom", "decryptor", "encrypted files"},
	models.CategoryGambling:        {"casino", "gambling", "betting"},
}

// DefaultSuspiciousKeywords is the fixed case-insensitive keyword list.
func DefaultSuspiciousKeywords() []string {
	var out []string
	for _, c := range categoryPriority {
		out = append(out, categoryKeywords[c]...)
	}
	return append(out, "stolen", "hack", "exploit", "sanction", "ofac")
}

// categoryForKeyword returns the category a keyword points at, if any.
func categoryForKeyword(kw string) (models.Category, bool) {
	for _, c := range categoryPriority {
		for _, k := range categoryKeywords[c] {
			if k == kw {
				return c, true
			}
		}
	}
	return "", false
}

// RiskLevel is the display tier of a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// LevelForScore maps a 0-100 score onto low (<40), medium (40-70) and high (>70).
func LevelForScore(score int) RiskLevel {
	switch {
	case score > 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AlertSeverityFor picks the severity of a watchlist transition.
func AlertSeverityFor(score int, edgeCategory models.Category, criticalScore int) models.Severity {
	if score > criticalScore || edgeCategory == models.CategoryTerrorFinancing {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}
