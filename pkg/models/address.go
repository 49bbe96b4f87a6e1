package models

import (
	"strings"
	"time"
)

// CryptoType is the chain an address lives on.
type CryptoType string

const (
	CryptoBTC  CryptoType = "BTC"
	CryptoETH  CryptoType = "ETH"
	CryptoLTC  CryptoType = "LTC"
	CryptoXRP  CryptoType = "XRP"
	CryptoBCH  CryptoType = "BCH"
	CryptoDOGE CryptoType = "DOGE"
	CryptoXMR  CryptoType = "XMR"
)

// SupportedCryptoTypes lists every chain the engine accepts.
var SupportedCryptoTypes = []CryptoType{
	CryptoBTC, CryptoETH, CryptoLTC, CryptoXRP, CryptoBCH, CryptoDOGE, CryptoXMR,
}

// ParseCryptoType normalizes a user supplied chain ticker.
func ParseCryptoType(s string) (CryptoType, bool) {
	ct := CryptoType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range SupportedCryptoTypes {
		if ct == known {
			return ct, true
		}
	}
	return "", false
}

// Category is the investigative label assigned by the scoring engine.
type Category string

const (
	CategoryUnassigned      Category = "unassigned"
	CategoryTerrorFinancing Category = "terror_financing"
	CategoryMoneyLaundering Category = "money_laundering"
	CategoryDarknetMarket   Category = "darknet_market"
	CategoryScam            Category = "scam"
	CategoryMixer           Category = "mixer"
	CategoryRansomware      Category = "ransomware"
	CategoryExchange        Category = "exchange"
	CategoryGambling        Category = "gambling"
	CategoryUnclassified    Category = "unclassified"
)

// Categories is the list surfaced to analysts, most severe first.
var Categories = []Category{
	CategoryTerrorFinancing,
	CategoryMoneyLaundering,
	CategoryDarknetMarket,
	CategoryRansomware,
	CategoryScam,
	CategoryMixer,
	CategoryGambling,
	CategoryExchange,
	CategoryUnclassified,
}

// ParseCategory maps free-form labels from scrapers onto a Category.
// Unknown labels become CategoryUnclassified, empty ones CategoryUnassigned.
func ParseCategory(s string) Category {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "":
		return CategoryUnassigned
	case "darknet", "darknet_market", "dark_market":
		return CategoryDarknetMarket
	case "laundering", "money_laundering":
		return CategoryMoneyLaundering
	case "terror", "terrorism", "terror_financing":
		return CategoryTerrorFinancing
	case "scam", "fraud", "fraud_scam", "phishing":
		return CategoryScam
	case "mixer", "tumbler":
		return CategoryMixer
	}
	c := Category(v)
	for _, known := range Categories {
		if c == known {
			return c
		}
	}
	if c == CategoryUnassigned {
		return c
	}
	return CategoryUnclassified
}

// SourceType describes where a discovery was scraped from.
type SourceType string

const (
	SourceDarkWeb     SourceType = "dark_web"
	SourceForum       SourceType = "forum"
	SourceSocialMedia SourceType = "social_media"
	SourceNews        SourceType = "news"
	SourceSanctions   SourceType = "sanctions_list"
	SourceUnknown     SourceType = ""
)

// Address is a registry record plus the forensic fields owned by the engine.
type Address struct {
	ID               string     `json:"id"`
	Address          string     `json:"address"`
	CryptoType       CryptoType `json:"crypto_type"`
	Category         Category   `json:"category"`
	SourceCategory   Category   `json:"source_category"` // label reported by the discovery source
	RiskScore        int        `json:"risk_score"`
	Balance          *float64   `json:"balance"`
	TransactionCount int        `json:"transaction_count"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastSeen         time.Time  `json:"last_seen"`
	LastUpdated      time.Time  `json:"last_updated"`
	Tags             []string   `json:"tags"`
	SourceURL        string     `json:"source_url"`
	SourceType       SourceType `json:"source_type"`
	IsWatched        bool       `json:"is_watched"`
	Notes            string     `json:"notes"`
	ClusterID        string     `json:"cluster_id"`
	Version          int64      `json:"version"`
}

// Key returns the globally unique identity "CRYPTO:address".
func (a Address) Key() string {
	return IdentityKey(a.Address, a.CryptoType)
}

// IdentityKey builds the identity key for an (address, crypto_type) pair.
func IdentityKey(address string, ct CryptoType) string {
	return string(ct) + ":" + address
}

// Patch carries the subset of fields the engine is allowed to write.
// Nil pointers are left untouched. ExpectedVersion, when non-zero, makes the
// update conditional on the stored version.
type Patch struct {
	Category        *Category `json:"category,omitempty"`
	RiskScore       *int      `json:"risk_score,omitempty"`
	ClusterID       *string   `json:"cluster_id,omitempty"`
	IsWatched       *bool     `json:"is_watched,omitempty"`
	ExpectedVersion int64     `json:"-"`
}

// Apply writes the patch onto a copy of a.
func (p Patch) Apply(a Address, now time.Time) Address {
	if p.Category != nil {
		a.Category = *p.Category
	}
	if p.RiskScore != nil {
		a.RiskScore = *p.RiskScore
	}
	if p.ClusterID != nil {
		a.ClusterID = *p.ClusterID
	}
	if p.IsWatched != nil {
		a.IsWatched = *p.IsWatched
	}
	a.LastUpdated = now
	a.Version++
	return a
}

// ChainStats is the optional on-chain view returned by a chain-stats provider.
type ChainStats struct {
	Balance          float64    `json:"balance"`
	Received         float64    `json:"received"`
	Spent            float64    `json:"spent"`
	TransactionCount int        `json:"transaction_count"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastSeen         time.Time  `json:"last_seen"`
	Counterparties   []string   `json:"counterparties"`
	Transfers        []Transfer `json:"transfers"`
}

// Transfer is a single sampled movement used for pattern detection.
// Amount is expressed as a decimal string in the native denomination so round
// number checks stay exact.
type Transfer struct {
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Discovery is one record of the scraper output stream.
type Discovery struct {
	Address    string `json:"address"`
	CryptoType string `json:"crypto_type"`
	SourceURL  string `json:"source_url"`
	SourceType string `json:"source_type,omitempty"`
	Category   string `json:"category,omitempty"`
}
