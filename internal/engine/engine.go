package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/intel-engine/internal/chainstats"
	"github.com/rawblock/intel-engine/internal/heuristics"
	"github.com/rawblock/intel-engine/internal/history"
	"github.com/rawblock/intel-engine/internal/metrics"
	"github.com/rawblock/intel-engine/internal/observability"
	"github.com/rawblock/intel-engine/internal/registry"
	"github.com/rawblock/intel-engine/internal/reporting"
	"github.com/rawblock/intel-engine/pkg/models"
)

// Options wires an Engine. Registry is required; everything else has a
// working default.
type Options struct {
	Registry  registry.Registry
	Provider  chainstats.Provider // nil: score from registry data only
	History   history.Store
	Watchlist *heuristics.Watchlist
	Alerts    *heuristics.AlertManager

	FeatureConfig heuristics.FeatureConfig
	ScoringConfig heuristics.ScoringConfig

	ChainStatsTimeout time.Duration
	Workers           int
	ChunkSize         int
	GraphLimit        int

	Now func() time.Time
}

// Engine orchestrates scoring, graph building and watchlist evaluation over
// a registry.
type Engine struct {
	reg        registry.Registry
	provider   chainstats.Provider
	history    history.Store
	watchlist  *heuristics.Watchlist
	alerts     *heuristics.AlertManager
	featureCfg heuristics.FeatureConfig
	scoringCfg heuristics.ScoringConfig
	workers    int
	chunkSize  int
	graphLimit int
	now        func() time.Time

	// Counterparties seen by the last successful fetch per address id.
	cpMu           sync.RWMutex
	counterparties map[string][]string

	// One pass at a time; passSeq numbers them.
	passMu       sync.Mutex
	passSeq      atomic.Int64
	lastClusters map[string]string
	lastPass     atomic.Pointer[PassReport]
}

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: engine requires a registry", models.ErrInput)
	}
	e := &Engine{
		reg:            opts.Registry,
		history:        opts.History,
		watchlist:      opts.Watchlist,
		alerts:         opts.Alerts,
		featureCfg:     opts.FeatureConfig,
		scoringCfg:     opts.ScoringConfig,
		workers:        opts.Workers,
		chunkSize:      opts.ChunkSize,
		graphLimit:     opts.GraphLimit,
		now:            opts.Now,
		counterparties: make(map[string][]string),
	}
	if opts.Provider != nil {
		e.provider = chainstats.WithTimeout(opts.Provider, opts.ChainStatsTimeout)
	}
	if e.history == nil {
		e.history = history.NewMemory(0)
	}
	if e.watchlist == nil {
		e.watchlist = heuristics.NewWatchlist(nil, heuristics.DefaultWatchlistConfig())
	}
	if e.alerts == nil {
		e.alerts = heuristics.NewAlertManager(nil)
	}
	if e.featureCfg.VolumeCeiling == 0 {
		e.featureCfg = heuristics.DefaultFeatureConfig()
	}
	if e.scoringCfg.CategoryPriors == nil {
		e.scoringCfg = heuristics.DefaultScoringConfig()
	}
	if e.workers <= 0 {
		e.workers = 8
	}
	if e.chunkSize <= 0 {
		e.chunkSize = 100
	}
	if e.graphLimit <= 0 {
		e.graphLimit = heuristics.DefaultGraphLimit
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Alerts exposes the alert manager for the HTTP layer.
func (e *Engine) Alerts() *heuristics.AlertManager { return e.alerts }

// ─── Scoring ─────────────────────────────────────────────────────────

// ScoreResult is the outcome of scoring one address.
type ScoreResult struct {
	AddressID      string                    `json:"address_id"`
	Verdict        heuristics.RiskVerdict    `json:"verdict"`
	DataConfidence heuristics.DataConfidence `json:"data_confidence"`
	Changed        bool                      `json:"changed"`
	Error          string                    `json:"error,omitempty"`
	Address        models.Address            `json:"-"`
}

// ScoreAddress recomputes and persists the score of one address. A write
// conflict is retried once against a fresh read.
func (e *Engine) ScoreAddress(ctx context.Context, id string) (ScoreResult, error) {
	return e.scoreAddress(ctx, id, 0)
}

func (e *Engine) scoreAddress(ctx context.Context, id string, passSeq int64) (ScoreResult, error) {
	start := time.Now()
	res := ScoreResult{AddressID: id}

	addr, err := e.reg.Get(ctx, id)
	if err != nil {
		observability.RecordScoreFailure("lookup")
		return res, err
	}
	stats := e.fetchStats(ctx, addr)

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if addr, err = e.reg.Get(ctx, id); err != nil {
				observability.RecordScoreFailure("lookup")
				return res, err
			}
		}
		fs := heuristics.ExtractFeatures(addr, stats, e.now(), e.featureCfg)
		verdict := heuristics.Score(fs, e.scoringCfg)
		res.Verdict, res.DataConfidence, res.Address = verdict, fs.DataConfidence, addr

		if addr.RiskScore == verdict.RiskScore && addr.Category == verdict.Category {
			break
		}
		if addr.IsWatched {
			// The watchlist must see the score this write replaces.
			if err := e.watchlist.SeedScore(ctx, id, addr.RiskScore); err != nil {
				log.Printf("[Engine] watch state for %s not seeded: %v", id, err)
			}
		}
		updated, err := e.reg.Update(ctx, id, models.Patch{
			Category:        &verdict.Category,
			RiskScore:       &verdict.RiskScore,
			ExpectedVersion: addr.Version,
		})
		if errors.Is(err, models.ErrPersistenceConflict) {
			observability.RecordWriteConflict()
			if attempt == 0 {
				log.Printf("[Engine] write conflict on %s, retrying with fresh read", id)
				continue
			}
		}
		if err != nil {
			observability.RecordScoreFailure("persist")
			return res, fmt.Errorf("persist score %s: %w", id, err)
		}
		res.Address, res.Changed = updated, true
		break
	}

	rec := history.ScoreRecord{
		AddressID:  id,
		CryptoType: addr.CryptoType,
		RiskScore:  res.Verdict.RiskScore,
		Category:   res.Verdict.Category,
		Confidence: res.Verdict.Confidence,
		PassSeq:    passSeq,
		ScoredAt:   e.now(),
	}
	if err := e.history.Append(ctx, []history.ScoreRecord{rec}); err != nil {
		log.Printf("[Engine] score history append for %s failed: %v", id, err)
	}
	observability.RecordScore(res.Verdict.RiskScore, time.Since(start).Seconds())
	return res, nil
}

// fetchStats returns nil on any provider failure; scoring continues with
// partial features.
func (e *Engine) fetchStats(ctx context.Context, addr models.Address) *models.ChainStats {
	if e.provider == nil {
		return nil
	}
	start := time.Now()
	stats, err := e.provider.Fetch(ctx, addr.Address, addr.CryptoType)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, models.ErrUpstreamTimeout):
			reason = "timeout"
		case errors.Is(err, chainstats.ErrUnsupportedChain):
			reason = "unsupported"
		case errors.Is(err, chainstats.ErrQuotaExceeded):
			reason = "quota"
		case errors.Is(err, models.ErrNotFound):
			reason = "not_found"
		}
		observability.RecordChainStats(string(addr.CryptoType), time.Since(start).Seconds(), reason)
		if reason != "unsupported" && reason != "not_found" {
			log.Printf("[Engine] chain stats for %s unavailable, scoring with partial data: %v", addr.ID, err)
		}
		return nil
	}
	observability.RecordChainStats(string(addr.CryptoType), time.Since(start).Seconds(), "")
	if stats != nil {
		e.cpMu.Lock()
		e.counterparties[addr.ID] = append([]string(nil), stats.Counterparties...)
		e.cpMu.Unlock()
	}
	return stats
}

// ScoreBatch scores ids in chunks of ChunkSize, each chunk in parallel with
// at most Workers goroutines. Every id gets a result; failures never abort
// the batch. Cancellation is observed between chunks.
func (e *Engine) ScoreBatch(ctx context.Context, ids []string) []ScoreResult {
	return e.scoreBatch(ctx, ids, 0, nil)
}

func (e *Engine) scoreBatch(ctx context.Context, ids []string, passSeq int64, progress func(done, failed int)) []ScoreResult {
	results := make([]ScoreResult, len(ids))
	var failed atomic.Int64

	for lo := 0; lo < len(ids); lo += e.chunkSize {
		hi := min(lo+e.chunkSize, len(ids))

		if err := ctx.Err(); err != nil {
			for i := lo; i < len(ids); i++ {
				results[i] = ScoreResult{AddressID: ids[i], Error: err.Error()}
			}
			failed.Add(int64(len(ids) - lo))
			log.Printf("[Engine] batch cancelled after %d of %d addresses", lo, len(ids))
			break
		}

		g := new(errgroup.Group)
		g.SetLimit(e.workers)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				res, err := e.scoreAddress(ctx, ids[i], passSeq)
				if err != nil {
					res.AddressID = ids[i]
					res.Error = err.Error()
					failed.Add(1)
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()

		if progress != nil {
			progress(hi, int(failed.Load()))
		}
	}
	return results
}

// HandleDiscovery resolves a scraped (address, crypto_type) pair against the
// registry and rescores it. Unknown identities return models.ErrNotFound;
// inserting them is the registry owner's job.
func (e *Engine) HandleDiscovery(ctx context.Context, d models.Discovery) (ScoreResult, error) {
	ct, err := models.ValidateIdentity(d.Address, d.CryptoType)
	if err != nil {
		return ScoreResult{}, err
	}
	addr, err := registry.FindByIdentity(ctx, e.reg, d.Address, ct)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("discovery %s: %w", models.IdentityKey(d.Address, ct), err)
	}
	return e.ScoreAddress(ctx, addr.ID)
}

// ─── Passes ──────────────────────────────────────────────────────────

// PassReport summarizes one full scoring pass.
type PassReport struct {
	Seq        int64               `json:"seq"`
	StartedAt  time.Time           `json:"started_at"`
	Duration   string              `json:"duration"`
	Total      int                 `json:"total"`
	Scored     int                 `json:"scored"`
	Failed     int                 `json:"failed"`
	Nodes      int                 `json:"nodes"`
	Edges      int                 `json:"edges"`
	Clusters   int                 `json:"clusters"`
	Drift      metrics.DriftReport `json:"drift"`
	Alerts     int                 `json:"alerts"`
	Incomplete bool                `json:"incomplete"`
}

// RunPass rescores the whole registry, rebuilds the graph from the rescored
// state, persists cluster ids and evaluates the watchlist against that same
// snapshot. progress, when non-nil, is called after every chunk.
func (e *Engine) RunPass(ctx context.Context, progress func(done, failed, total int)) (PassReport, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	started := time.Now()
	seq := e.passSeq.Add(1)
	report := PassReport{Seq: seq, StartedAt: e.now()}

	before, err := registry.ListAll(ctx, e.reg, registry.Filter{}, e.chunkSize)
	if err != nil {
		observability.RecordPass("error", time.Since(started).Seconds())
		return report, fmt.Errorf("list registry: %w", err)
	}
	prior := make(map[string]int, len(before))
	ids := make([]string, len(before))
	for i, a := range before {
		prior[a.ID] = a.RiskScore
		ids[i] = a.ID
	}
	report.Total = len(ids)
	log.Printf("[Engine] Pass %d: scoring %d addresses", seq, len(ids))

	var cb func(done, failed int)
	if progress != nil {
		cb = func(done, failed int) { progress(done, failed, len(ids)) }
	}
	for _, r := range e.scoreBatch(ctx, ids, seq, cb) {
		if r.Error != "" {
			report.Failed++
		} else {
			report.Scored++
		}
	}
	if err := ctx.Err(); err != nil {
		report.Incomplete = true
		report.Duration = time.Since(started).String()
		observability.RecordPass("cancelled", time.Since(started).Seconds())
		return report, err
	}

	// Graph and watchlist read the post-scoring state only.
	after, err := registry.ListAll(ctx, e.reg, registry.Filter{}, e.chunkSize)
	if err != nil {
		observability.RecordPass("error", time.Since(started).Seconds())
		return report, fmt.Errorf("list registry: %w", err)
	}
	graph := heuristics.BuildGraph(after, e.counterpartySnapshot(), heuristics.GraphOptions{
		Limit:   max(len(after), 1),
		Workers: e.workers,
	})
	observability.RecordGraphBuild("pass")
	observability.UpdateGraphSize(len(graph.Nodes), len(graph.Clusters))
	report.Nodes, report.Edges, report.Clusters = len(graph.Nodes), len(graph.Edges), len(graph.Clusters)

	after = e.persistClusters(ctx, after, graph)

	current := make(map[string]string, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if !n.Stub {
			current[n.ID] = n.ClusterID
		}
	}
	if e.lastClusters != nil {
		report.Drift = metrics.Drift(e.lastClusters, current)
		observability.UpdateClusterDrift(report.Drift.ARI)
	}
	e.lastClusters = current

	alerts, err := e.watchlist.Evaluate(ctx, heuristics.Snapshot{
		ScoreSeq:    seq,
		GraphSeq:    seq,
		Addresses:   after,
		PriorScores: prior,
		Graph:       graph,
	})
	if err != nil {
		observability.RecordPass("error", time.Since(started).Seconds())
		return report, fmt.Errorf("watchlist evaluation: %w", err)
	}
	for _, a := range alerts {
		e.alerts.EmitAlert(ctx, a)
		observability.RecordAlert(string(a.Severity))
	}
	report.Alerts = len(alerts)
	report.Duration = time.Since(started).String()

	observability.RecordPass("ok", time.Since(started).Seconds())
	e.lastPass.Store(&report)
	log.Printf("[Engine] Pass %d complete: %d scored, %d failed, %d clusters, %d alerts in %s",
		seq, report.Scored, report.Failed, report.Clusters, report.Alerts, report.Duration)
	return report, nil
}

// LastPass returns the most recent completed pass, if any.
func (e *Engine) LastPass() (PassReport, bool) {
	p := e.lastPass.Load()
	if p == nil {
		return PassReport{}, false
	}
	return *p, true
}

// persistClusters writes changed cluster ids back to the registry and
// returns addrs with the new ids applied.
func (e *Engine) persistClusters(ctx context.Context, addrs []models.Address, graph models.Graph) []models.Address {
	byID := make(map[string]string, len(graph.Nodes))
	for _, n := range graph.Nodes {
		byID[n.ID] = n.ClusterID
	}
	out := make([]models.Address, len(addrs))
	for i, a := range addrs {
		out[i] = a
		cid, ok := byID[a.ID]
		if !ok || cid == a.ClusterID {
			continue
		}
		updated, err := e.reg.Update(ctx, a.ID, models.Patch{ClusterID: &cid, ExpectedVersion: a.Version})
		if err != nil {
			// Next pass retries; the snapshot still carries the computed id.
			log.Printf("[Engine] cluster id for %s not persisted: %v", a.ID, err)
			out[i].ClusterID = cid
			continue
		}
		out[i] = updated
	}
	return out
}

func (e *Engine) counterpartySnapshot() map[string][]string {
	e.cpMu.RLock()
	defer e.cpMu.RUnlock()
	out := make(map[string][]string, len(e.counterparties))
	for id, cps := range e.counterparties {
		out[id] = cps
	}
	return out
}

// ─── Read side ───────────────────────────────────────────────────────

// Graph builds the relationship graph on demand. focus selects the 2-hop
// neighbourhood of one address (id or address string); limit caps global
// mode and defaults to the configured graph limit.
func (e *Engine) Graph(ctx context.Context, focus string, limit int) (models.Graph, error) {
	addrs, err := registry.ListAll(ctx, e.reg, registry.Filter{}, e.chunkSize)
	if err != nil {
		return models.Graph{}, err
	}
	if limit <= 0 {
		limit = e.graphLimit
	}
	mode := "global"
	if focus != "" {
		mode = "focus"
	}
	observability.RecordGraphBuild(mode)
	return heuristics.BuildGraph(addrs, e.counterpartySnapshot(), heuristics.GraphOptions{
		Focus:   focus,
		Limit:   limit,
		Workers: e.workers,
	}), nil
}

// Dashboard aggregates the whole registry.
func (e *Engine) Dashboard(ctx context.Context) (models.DashboardStats, error) {
	addrs, err := registry.ListAll(ctx, e.reg, registry.Filter{}, e.chunkSize)
	if err != nil {
		return models.DashboardStats{}, err
	}
	return reporting.Aggregate(addrs, e.now()), nil
}

// Export encodes the addresses matching f, or their full graph for the graph
// formats.
func (e *Engine) Export(ctx context.Context, format reporting.Format, f registry.Filter) ([]byte, string, error) {
	addrs, err := registry.ListAll(ctx, e.reg, f, e.chunkSize)
	if err != nil {
		return nil, "", err
	}
	if format.IsGraph() {
		g := heuristics.BuildGraph(addrs, e.counterpartySnapshot(), heuristics.GraphOptions{
			Limit:   max(len(addrs), 1),
			Workers: e.workers,
		})
		return reporting.ExportGraph(g, format)
	}
	return reporting.Export(addrs, format)
}

// History returns the recorded scores of one address, oldest first.
func (e *Engine) History(ctx context.Context, id string, limit int) ([]history.ScoreRecord, error) {
	if _, err := e.reg.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.history.ForAddress(ctx, id, limit)
}

// Acknowledge returns an alerted watched address to quiescent and emits the
// info audit alert. ok is false when the address was not alerted.
func (e *Engine) Acknowledge(ctx context.Context, id, operator string) (models.WatchlistAlert, bool, error) {
	if _, err := e.reg.Get(ctx, id); err != nil {
		return models.WatchlistAlert{}, false, err
	}
	alert, ok, err := e.watchlist.Acknowledge(ctx, id, operator)
	if err != nil || !ok {
		return alert, ok, err
	}
	alert = e.alerts.EmitAlert(ctx, alert)
	observability.RecordAlert(string(alert.Severity))
	return alert, true, nil
}

// SetWatched toggles the watch flag of an address.
func (e *Engine) SetWatched(ctx context.Context, id string, watched bool) (models.Address, error) {
	addr, err := e.reg.Get(ctx, id)
	if err != nil {
		return models.Address{}, err
	}
	if addr.IsWatched == watched {
		return addr, nil
	}
	return e.reg.Update(ctx, id, models.Patch{IsWatched: &watched, ExpectedVersion: addr.Version})
}
