// Package history records every persisted score so analysts can see how an
// address's risk moved across passes.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/intel-engine/pkg/models"
)

// ScoreRecord is one persisted scoring result.
type ScoreRecord struct {
	AddressID  string            `json:"address_id"`
	CryptoType models.CryptoType `json:"crypto_type"`
	RiskScore  int               `json:"risk_score"`
	Category   models.Category   `json:"category"`
	Confidence float64           `json:"confidence"`
	PassSeq    int64             `json:"pass_seq"`
	ScoredAt   time.Time         `json:"scored_at"`
}

// Store is an append-only score log.
type Store interface {
	Append(ctx context.Context, recs []ScoreRecord) error
	// ForAddress returns the newest limit records, oldest first.
	ForAddress(ctx context.Context, addressID string, limit int) ([]ScoreRecord, error)
}

// Memory keeps the log in process. Used when no ClickHouse DSN is configured.
type Memory struct {
	mu     sync.RWMutex
	byAddr map[string][]ScoreRecord
	maxPer int
}

// NewMemory keeps at most maxPer records per address (0 = 500).
func NewMemory(maxPer int) *Memory {
	if maxPer <= 0 {
		maxPer = 500
	}
	return &Memory{byAddr: make(map[string][]ScoreRecord), maxPer: maxPer}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Append(_ context.Context, recs []ScoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		list := append(m.byAddr[r.AddressID], r)
		if len(list) > m.maxPer {
			list = list[len(list)-m.maxPer:]
		}
		m.byAddr[r.AddressID] = list
	}
	return nil
}

func (m *Memory) ForAddress(_ context.Context, addressID string, limit int) ([]ScoreRecord, error) {
	m.mu.RLock()
	list := append([]ScoreRecord(nil), m.byAddr[addressID]...)
	m.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool { return list[i].ScoredAt.Before(list[j].ScoredAt) })
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list, nil
}
