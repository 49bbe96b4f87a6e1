package models

import (
	"strings"
	"time"
)

// EdgeReason records why two addresses were linked.
type EdgeReason string

const (
	ReasonSharedSource       EdgeReason = "shared_source"
	ReasonSharedCounterparty EdgeReason = "shared_counterparty"
	ReasonSharedTag          EdgeReason = "shared_tag"
)

// GraphNode is a single address in a relationship graph.
type GraphNode struct {
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	RiskScore int      `json:"risk_score"`
	Category  Category `json:"category"`
	ClusterID string   `json:"cluster_id"`
	Stub      bool     `json:"stub,omitempty"` // synthesized for a dangling edge endpoint
}

// GraphEdge is an undirected, canonicalized link (Source < Target).
type GraphEdge struct {
	Source string     `json:"source"`
	Target string     `json:"target"`
	Weight int        `json:"weight"`
	Reason EdgeReason `json:"reason"`
}

// Cluster is a connected component of the relationship graph.
type Cluster struct {
	ID        string   `json:"cluster_id"`
	Members   []string `json:"members"`
	Size      int      `json:"size"`
	RiskScore int      `json:"risk_score"` // max member score
}

// Graph is the presentation-facing graph object.
type Graph struct {
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
	Clusters []Cluster   `json:"clusters"`
}

// Severity of a watchlist alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity reports false for anything but the three known levels.
func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return sev, true
	}
	return "", false
}

// WatchlistAlert is immutable once created.
type WatchlistAlert struct {
	ID        string    `json:"id"`
	AddressID string    `json:"address_id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// DashboardStats is the rollup rendered on the analyst dashboard.
type DashboardStats struct {
	TotalAddresses      int            `json:"total_addresses"`
	HighRiskAddresses   int            `json:"high_risk_addresses"`
	WatchedAddresses    int            `json:"watched_addresses"`
	RecentActivity      int            `json:"recent_activity"`
	AddressesByCrypto   map[string]int `json:"addresses_by_crypto"`
	AddressesByCategory map[string]int `json:"addresses_by_category"`
}
