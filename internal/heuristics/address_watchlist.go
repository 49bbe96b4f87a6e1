package heuristics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/intel-engine/pkg/models"
)

// Address Watchlist Engine
//
// Per watched address state machine:
//
//   quiescent ──(score crosses threshold | new heavy edge to a darknet or
//                terror node)──▶ alerted
//   alerted   ──(operator acknowledge)──▶ quiescent
//
// Exactly one alert is created per transition into alerted. Evaluation
// always consumes a Snapshot whose scores and graph come from the same pass,
// and evaluating a snapshot twice is a no-op.

// ErrSnapshotMismatch rejects snapshots that mix scores and edges from
// different passes.
var ErrSnapshotMismatch = errors.New("snapshot mixes scoring and graph passes")

// WatchState is the state of one watched address.
type WatchState string

const (
	WatchQuiescent WatchState = "quiescent"
	WatchAlerted   WatchState = "alerted"
)

// WatchRecord is the persisted watchlist state of one address.
type WatchRecord struct {
	AddressID  string     `json:"address_id"`
	State      WatchState `json:"state"`
	LastScore  int        `json:"last_score"`
	HasScore   bool       `json:"has_score"`
	KnownEdges []string   `json:"known_edges"` // qualifying edge keys already seen
	LastSeq    int64      `json:"last_seq"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// WatchStateStore persists watch records.
type WatchStateStore interface {
	GetWatchState(ctx context.Context, addressID string) (WatchRecord, bool, error)
	PutWatchState(ctx context.Context, rec WatchRecord) error
}

// Snapshot is the input to one watchlist evaluation.
type Snapshot struct {
	ScoreSeq    int64
	GraphSeq    int64
	Addresses   []models.Address // scores as of ScoreSeq
	PriorScores map[string]int   // scores before the pass, for first-time records
	Graph       models.Graph     // built at GraphSeq
}

// WatchlistConfig holds the trigger thresholds.
type WatchlistConfig struct {
	ScoreThreshold int // alert when the score goes from <= this to > this
	CriticalScore  int
	EdgeWeightMin  int
	EdgeCategories []models.Category
}

// DefaultWatchlistConfig returns the production thresholds.
func DefaultWatchlistConfig() WatchlistConfig {
	return WatchlistConfig{
		ScoreThreshold: 70,
		CriticalScore:  85,
		EdgeWeightMin:  3,
		EdgeCategories: []models.Category{models.CategoryDarknetMarket, models.CategoryTerrorFinancing},
	}
}

// AddressWatchlist is a concurrent-safe in-memory WatchStateStore.
type AddressWatchlist struct {
	mu      sync.RWMutex
	records map[string]WatchRecord
}

// NewAddressWatchlist creates an empty store.
func NewAddressWatchlist() *AddressWatchlist {
	return &AddressWatchlist{records: make(map[string]WatchRecord)}
}

func (w *AddressWatchlist) GetWatchState(_ context.Context, addressID string) (WatchRecord, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.records[addressID]
	rec.KnownEdges = append([]string(nil), rec.KnownEdges...)
	return rec, ok, nil
}

func (w *AddressWatchlist) PutWatchState(_ context.Context, rec WatchRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec.KnownEdges = append([]string(nil), rec.KnownEdges...)
	w.records[rec.AddressID] = rec
	return nil
}

// Size returns the number of tracked records.
func (w *AddressWatchlist) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}

// Watchlist evaluates snapshots against a WatchStateStore.
type Watchlist struct {
	store WatchStateStore
	cfg   WatchlistConfig
	now   func() time.Time

	// Serializes evaluation and acknowledgement so a record is never
	// read-modified-written by two callers at once.
	mu sync.Mutex
}

// NewWatchlist creates an evaluator. store defaults to an in-memory one.
func NewWatchlist(store WatchStateStore, cfg WatchlistConfig) *Watchlist {
	if store == nil {
		store = NewAddressWatchlist()
	}
	return &Watchlist{store: store, cfg: cfg, now: time.Now}
}

// Evaluate applies the state machine to every watched address in snap and
// returns the alerts created, in address id order.
func (wl *Watchlist) Evaluate(ctx context.Context, snap Snapshot) ([]models.WatchlistAlert, error) {
	if snap.ScoreSeq != snap.GraphSeq {
		return nil, fmt.Errorf("%w: scores at %d, graph at %d", ErrSnapshotMismatch, snap.ScoreSeq, snap.GraphSeq)
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()

	categories := make(map[string]models.Category, len(snap.Graph.Nodes))
	for _, n := range snap.Graph.Nodes {
		categories[n.ID] = n.Category
	}
	for _, a := range snap.Addresses {
		if a.Category != "" {
			categories[a.ID] = a.Category
		}
	}
	incident := make(map[string][]models.GraphEdge)
	for _, e := range snap.Graph.Edges {
		incident[e.Source] = append(incident[e.Source], e)
		incident[e.Target] = append(incident[e.Target], e)
	}

	watched := make([]models.Address, 0)
	for _, a := range snap.Addresses {
		if a.IsWatched {
			watched = append(watched, a)
		}
	}
	sort.Slice(watched, func(i, j int) bool { return watched[i].ID < watched[j].ID })

	var alerts []models.WatchlistAlert
	for _, a := range watched {
		if err := ctx.Err(); err != nil {
			return alerts, err
		}
		rec, ok, err := wl.store.GetWatchState(ctx, a.ID)
		if err != nil {
			return alerts, fmt.Errorf("load watch state %s: %w", a.ID, err)
		}
		if !ok {
			rec = WatchRecord{AddressID: a.ID, State: WatchQuiescent}
			if prior, ok := snap.PriorScores[a.ID]; ok {
				rec.LastScore, rec.HasScore = prior, true
			}
		}
		if ok && rec.LastSeq == snap.ScoreSeq {
			continue
		}

		next, alert := wl.transition(rec, a, incident[a.ID], categories, snap.ScoreSeq)
		if err := wl.store.PutWatchState(ctx, next); err != nil {
			return alerts, fmt.Errorf("save watch state %s: %w", a.ID, err)
		}
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts, nil
}

func (wl *Watchlist) transition(rec WatchRecord, a models.Address, edges []models.GraphEdge, categories map[string]models.Category, seq int64) (WatchRecord, *models.WatchlistAlert) {
	crossed := rec.HasScore && rec.LastScore <= wl.cfg.ScoreThreshold && a.RiskScore > wl.cfg.ScoreThreshold

	known := make(map[string]bool, len(rec.KnownEdges))
	for _, k := range rec.KnownEdges {
		known[k] = true
	}
	var newEdge *models.GraphEdge
	var newEdgeCategory models.Category
	for i := range edges {
		e := edges[i]
		if e.Weight < wl.cfg.EdgeWeightMin {
			continue
		}
		other := e.Source
		if other == a.ID {
			other = e.Target
		}
		cat := categories[other]
		if !wl.isEdgeCategory(cat) {
			continue
		}
		key := EdgeKey(e)
		if known[key] {
			continue
		}
		known[key] = true
		rec.KnownEdges = append(rec.KnownEdges, key)
		// Prefer reporting the most severe neighbour.
		if newEdge == nil || CategoryRank(cat) < CategoryRank(newEdgeCategory) {
			newEdge, newEdgeCategory = &e, cat
		}
	}
	sort.Strings(rec.KnownEdges)

	prevScore := rec.LastScore
	rec.LastScore, rec.HasScore = a.RiskScore, true
	rec.LastSeq = seq
	rec.UpdatedAt = wl.now()
	if rec.State == "" {
		rec.State = WatchQuiescent
	}

	if rec.State == WatchAlerted || (!crossed && newEdge == nil) {
		return rec, nil
	}
	rec.State = WatchAlerted

	alert := models.WatchlistAlert{
		AddressID: a.ID,
		Severity:  AlertSeverityFor(a.RiskScore, newEdgeCategory, wl.cfg.CriticalScore),
		CreatedAt: rec.UpdatedAt,
	}
	switch {
	case crossed && newEdge != nil:
		alert.Title = "Watched address became high risk and linked to " + string(newEdgeCategory)
		alert.Message = fmt.Sprintf("%s risk %d -> %d; new %s edge (weight %d) to %s",
			a.Address, prevScore, a.RiskScore, newEdge.Reason, newEdge.Weight, string(newEdgeCategory))
	case crossed:
		alert.Title = "Watched address crossed high risk threshold"
		alert.Message = fmt.Sprintf("%s risk %d -> %d", a.Address, prevScore, a.RiskScore)
	default:
		alert.Title = "Watched address linked to " + string(newEdgeCategory)
		alert.Message = fmt.Sprintf("%s has a new %s edge (weight %d) to a %s address",
			a.Address, newEdge.Reason, newEdge.Weight, string(newEdgeCategory))
	}
	return rec, &alert
}

func (wl *Watchlist) isEdgeCategory(c models.Category) bool {
	for _, ec := range wl.cfg.EdgeCategories {
		if c == ec {
			return true
		}
	}
	return false
}

// SeedScore records prior as the last observed score for an address that
// has no watch record yet. Scoring outside a pass calls this before the new
// score lands so the next evaluation still sees the crossing. Existing
// records are left alone.
func (wl *Watchlist) SeedScore(ctx context.Context, addressID string, prior int) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	_, ok, err := wl.store.GetWatchState(ctx, addressID)
	if err != nil {
		return fmt.Errorf("load watch state %s: %w", addressID, err)
	}
	if ok {
		return nil
	}
	rec := WatchRecord{
		AddressID: addressID,
		State:     WatchQuiescent,
		LastScore: prior,
		HasScore:  true,
		UpdatedAt: wl.now(),
	}
	if err := wl.store.PutWatchState(ctx, rec); err != nil {
		return fmt.Errorf("save watch state %s: %w", addressID, err)
	}
	return nil
}

// Acknowledge returns an alerted address to quiescent and produces an info
// alert for the audit trail. Acknowledging a quiescent address is a no-op
// and returns ok=false.
func (wl *Watchlist) Acknowledge(ctx context.Context, addressID, operator string) (models.WatchlistAlert, bool, error) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	rec, ok, err := wl.store.GetWatchState(ctx, addressID)
	if err != nil {
		return models.WatchlistAlert{}, false, fmt.Errorf("load watch state %s: %w", addressID, err)
	}
	if !ok || rec.State != WatchAlerted {
		return models.WatchlistAlert{}, false, nil
	}
	rec.State = WatchQuiescent
	rec.UpdatedAt = wl.now()
	if err := wl.store.PutWatchState(ctx, rec); err != nil {
		return models.WatchlistAlert{}, false, fmt.Errorf("save watch state %s: %w", addressID, err)
	}
	if operator == "" {
		operator = "operator"
	}
	return models.WatchlistAlert{
		AddressID: addressID,
		Severity:  models.SeverityInfo,
		Title:     "Alert acknowledged",
		Message:   "acknowledged by " + operator,
		CreatedAt: rec.UpdatedAt,
	}, true, nil
}
