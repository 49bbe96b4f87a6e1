// Package reporting turns registry contents into dashboard rollups and
// downloadable exports.
package reporting

import (
	"time"

	"github.com/rawblock/intel-engine/pkg/models"
)

const (
	// HighRiskThreshold is exclusive: a score of exactly 70 is not high risk.
	HighRiskThreshold = 70
	RecentWindow      = 24 * time.Hour
)

// Aggregate computes dashboard counts over addrs. An empty slice yields zero
// counts and empty (non-nil) histograms.
func Aggregate(addrs []models.Address, now time.Time) models.DashboardStats {
	stats := models.DashboardStats{
		AddressesByCrypto:   make(map[string]int),
		AddressesByCategory: make(map[string]int),
	}
	cutoff := now.Add(-RecentWindow)

	for _, a := range addrs {
		stats.TotalAddresses++
		if a.RiskScore > HighRiskThreshold {
			stats.HighRiskAddresses++
		}
		if a.IsWatched {
			stats.WatchedAddresses++
		}
		if !a.LastUpdated.IsZero() && a.LastUpdated.After(cutoff) {
			stats.RecentActivity++
		}
		stats.AddressesByCrypto[string(a.CryptoType)]++

		cat := a.Category
		if cat == "" {
			cat = models.CategoryUnassigned
		}
		stats.AddressesByCategory[string(cat)]++
	}
	return stats
}
