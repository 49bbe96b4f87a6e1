package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/intel-engine/internal/chainstats"
	"github.com/rawblock/intel-engine/internal/heuristics"
	"github.com/rawblock/intel-engine/internal/registry"
	"github.com/rawblock/intel-engine/internal/registry/memory"
	"github.com/rawblock/intel-engine/internal/reporting"
	"github.com/rawblock/intel-engine/pkg/models"
)

var passNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const watchedBTC = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"

func rapidRoundStats() models.ChainStats {
	var transfers []models.Transfer
	for i := 0; i < 4; i++ {
		transfers = append(transfers, models.Transfer{Amount: "1", Timestamp: passNow.Add(time.Duration(i-4) * time.Minute)})
	}
	return models.ChainStats{
		Received:         4,
		TransactionCount: 4,
		LastSeen:         passNow.Add(-time.Minute),
		Transfers:        transfers,
	}
}

func newTestEngine(t *testing.T, provider chainstats.Provider, timeout time.Duration) (*Engine, *memory.Registry) {
	t.Helper()
	reg := memory.New()
	err := reg.Seed(
		models.Address{
			ID:             "w",
			Address:        watchedBTC,
			CryptoType:     models.CryptoBTC,
			SourceCategory: models.CategoryDarknetMarket,
			SourceType:     models.SourceDarkWeb,
			SourceURL:      "http://abcdefgh.onion/listing/7",
			RiskScore:      65,
			IsWatched:      true,
		},
		models.Address{
			ID:         "p",
			Address:    "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy",
			CryptoType: models.CryptoBTC,
			SourceURL:  "http://abcdefgh.onion/listing/7",
		},
		models.Address{
			ID:         "z",
			Address:    "0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe",
			CryptoType: models.CryptoETH,
		},
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng, err := New(Options{
		Registry:          reg,
		Provider:          provider,
		ChainStatsTimeout: timeout,
		Workers:           4,
		ChunkSize:         2,
		Now:               func() time.Time { return passNow },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, reg
}

func TestScoreAddress_PersistsVerdict(t *testing.T) {
	fx := chainstats.NewFixture()
	fx.Set(watchedBTC, models.CryptoBTC, rapidRoundStats())
	eng, reg := newTestEngine(t, fx, time.Second)
	ctx := context.Background()

	res, err := eng.ScoreAddress(ctx, "w")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Verdict.RiskScore <= 70 || res.Verdict.Category != models.CategoryDarknetMarket {
		t.Fatalf("expected high darknet verdict, got %+v", res.Verdict)
	}
	if !res.Changed {
		t.Fatalf("expected the stored score to change")
	}
	stored, _ := reg.Get(ctx, "w")
	if stored.RiskScore != res.Verdict.RiskScore || stored.Category != models.CategoryDarknetMarket || stored.Version != 2 {
		t.Fatalf("unexpected stored address %+v", stored)
	}

	again, err := eng.ScoreAddress(ctx, "w")
	if err != nil || again.Changed {
		t.Fatalf("rescoring unchanged input must not write, changed=%v err=%v", again.Changed, err)
	}
	if again.Verdict.RiskScore != res.Verdict.RiskScore {
		t.Fatalf("rescoring is not idempotent: %d vs %d", res.Verdict.RiskScore, again.Verdict.RiskScore)
	}

	hist, err := eng.History(ctx, "w", 10)
	if err != nil || len(hist) != 2 {
		t.Fatalf("expected two history records, got %d (%v)", len(hist), err)
	}
}

func TestScoreAddress_TimeoutDegradesToPartial(t *testing.T) {
	fx := chainstats.NewFixture()
	fx.Set(watchedBTC, models.CryptoBTC, rapidRoundStats())
	fx.SetDelay(500 * time.Millisecond)
	eng, _ := newTestEngine(t, fx, 20*time.Millisecond)

	res, err := eng.ScoreAddress(context.Background(), "w")
	if err != nil {
		t.Fatalf("timeout must not fail scoring: %v", err)
	}
	if res.DataConfidence != heuristics.ConfidencePartial {
		t.Fatalf("expected partial confidence, got %s", res.DataConfidence)
	}
	if res.Verdict.Confidence >= 1 {
		t.Fatalf("expected reduced confidence, got %f", res.Verdict.Confidence)
	}
}

func TestScoreAddress_NotFound(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 0)
	if _, err := eng.ScoreAddress(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScoreBatch_PerItemResults(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 0)
	results := eng.ScoreBatch(context.Background(), []string{"w", "missing", "p", "z"})

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, want := range []string{"w", "missing", "p", "z"} {
		if results[i].AddressID != want {
			t.Fatalf("result %d is for %s, want %s", i, results[i].AddressID, want)
		}
	}
	if results[1].Error == "" {
		t.Fatalf("expected an error for the missing id")
	}
	if results[0].Error != "" || results[2].Error != "" || results[3].Error != "" {
		t.Fatalf("one failure must not affect the others: %+v", results)
	}
}

func TestScoreBatch_CancelledBeforeStart(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := eng.ScoreBatch(ctx, []string{"w", "p", "z"})
	for _, r := range results {
		if r.Error == "" {
			t.Fatalf("expected every item to report cancellation, got %+v", r)
		}
	}
}

func TestScoreAddress_ConcurrentCallersDoNotClobber(t *testing.T) {
	fx := chainstats.NewFixture()
	fx.Set(watchedBTC, models.CryptoBTC, rapidRoundStats())
	eng, reg := newTestEngine(t, fx, time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.ScoreAddress(context.Background(), "w"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent scoring failed: %v", err)
	}
	stored, _ := reg.Get(context.Background(), "w")
	if stored.Version != 2 {
		t.Fatalf("expected exactly one effective write, version %d", stored.Version)
	}
}

func TestRunPass_AlertsAfterOutOfPassRescore(t *testing.T) {
	fx := chainstats.NewFixture()
	fx.Set(watchedBTC, models.CryptoBTC, rapidRoundStats())
	eng, _ := newTestEngine(t, fx, time.Second)
	ctx := context.Background()

	res, err := eng.ScoreAddress(ctx, "w")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !res.Changed || res.Verdict.RiskScore <= 70 {
		t.Fatalf("expected w to cross 70 on rescore, got %+v", res.Verdict)
	}

	report, err := eng.RunPass(ctx, nil)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if report.Alerts != 1 {
		t.Fatalf("expected one alert for the out-of-pass crossing, got %d", report.Alerts)
	}
	alerts := eng.Alerts().GetRecentAlerts(10)
	if len(alerts) != 1 || alerts[0].AddressID != "w" {
		t.Fatalf("unexpected alert history %+v", alerts)
	}

	again, err := eng.RunPass(ctx, nil)
	if err != nil || again.Alerts != 0 {
		t.Fatalf("crossing must alert once, second pass alerts=%d err=%v", again.Alerts, err)
	}
}

func TestRunPass_ClustersAndAlertsOnce(t *testing.T) {
	fx := chainstats.NewFixture()
	fx.Set(watchedBTC, models.CryptoBTC, rapidRoundStats())
	eng, reg := newTestEngine(t, fx, time.Second)
	ctx := context.Background()

	var lastDone, lastTotal int
	report, err := eng.RunPass(ctx, func(done, failed, total int) { lastDone, lastTotal = done, total })
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if report.Seq != 1 || report.Scored != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if lastDone != 3 || lastTotal != 3 {
		t.Fatalf("expected final progress 3/3, got %d/%d", lastDone, lastTotal)
	}
	if report.Alerts != 1 {
		t.Fatalf("expected one alert for 65 -> >70, got %d", report.Alerts)
	}

	w, _ := reg.Get(ctx, "w")
	p, _ := reg.Get(ctx, "p")
	z, _ := reg.Get(ctx, "z")
	if w.ClusterID == "" || w.ClusterID != p.ClusterID {
		t.Fatalf("shared source must put w and p in one cluster: %q vs %q", w.ClusterID, p.ClusterID)
	}
	if z.ClusterID == "" || z.ClusterID == w.ClusterID {
		t.Fatalf("z must be its own cluster")
	}
	if w.ClusterID != heuristics.ClusterID([]string{"p", "w"}) {
		t.Fatalf("cluster id is not content derived")
	}

	second, err := eng.RunPass(ctx, nil)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Alerts != 0 {
		t.Fatalf("unchanged rescoring must not alert, got %d", second.Alerts)
	}
	if second.Drift.Moved != 0 || second.Drift.Common != 3 {
		t.Fatalf("expected stable clusters, got %+v", second.Drift)
	}

	alerts := eng.Alerts().GetRecentAlerts(10)
	if len(alerts) != 1 || alerts[0].AddressID != "w" || alerts[0].Severity != models.SeverityWarning {
		t.Fatalf("unexpected alert history %+v", alerts)
	}

	ack, ok, err := eng.Acknowledge(ctx, "w", "analyst")
	if err != nil || !ok || ack.Severity != models.SeverityInfo || ack.ID == "" {
		t.Fatalf("acknowledge: ok=%v err=%v alert=%+v", ok, err, ack)
	}
	if _, ok, _ := eng.Acknowledge(ctx, "w", "analyst"); ok {
		t.Fatalf("second acknowledge must be a no-op")
	}
	if _, _, err := eng.Acknowledge(ctx, "missing", "analyst"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown address, got %v", err)
	}
	if got := len(eng.Alerts().GetRecentAlerts(10)); got != 2 {
		t.Fatalf("expected acknowledgement in alert history, got %d alerts", got)
	}

	if last, ok := eng.LastPass(); !ok || last.Seq != 2 {
		t.Fatalf("expected last pass 2, got %+v", last)
	}
}

func TestHandleDiscovery(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 0)
	ctx := context.Background()

	if _, err := eng.HandleDiscovery(ctx, models.Discovery{Address: "nope", CryptoType: "BTC"}); !errors.Is(err, models.ErrInput) {
		t.Fatalf("expected ErrInput for malformed address, got %v", err)
	}
	if _, err := eng.HandleDiscovery(ctx, models.Discovery{Address: watchedBTC, CryptoType: "FOO"}); !errors.Is(err, models.ErrInput) {
		t.Fatalf("expected ErrInput for unknown chain, got %v", err)
	}
	unknown := models.Discovery{Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", CryptoType: "BTC"}
	if _, err := eng.HandleDiscovery(ctx, unknown); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unregistered identity, got %v", err)
	}
	res, err := eng.HandleDiscovery(ctx, models.Discovery{Address: watchedBTC, CryptoType: "btc"})
	if err != nil || res.AddressID != "w" {
		t.Fatalf("expected rescoring of w, got %+v (%v)", res, err)
	}
}

func TestReadSide(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 0)
	ctx := context.Background()

	stats, err := eng.Dashboard(ctx)
	if err != nil || stats.TotalAddresses != 3 || stats.WatchedAddresses != 1 {
		t.Fatalf("unexpected dashboard %+v (%v)", stats, err)
	}

	g, err := eng.Graph(ctx, "w", 0)
	if err != nil || len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("expected focused graph w-p, got %+v (%v)", g, err)
	}

	out, ctype, err := eng.Export(ctx, reporting.FormatCSV, registry.Filter{CryptoType: models.CryptoETH})
	if err != nil || ctype != reporting.ContentTypeCSV {
		t.Fatalf("export: %v", err)
	}
	if want := `"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe","ETH"`; !strings.Contains(string(out), want) {
		t.Fatalf("export missing filtered row: %s", out)
	}

	if _, _, err := eng.Export(ctx, reporting.FormatGraphML, registry.Filter{}); err != nil {
		t.Fatalf("graphml export: %v", err)
	}
	out, ctype, err = eng.Export(ctx, reporting.FormatD3, registry.Filter{})
	if err != nil || ctype != reporting.ContentTypeJSON || !strings.Contains(string(out), `"links"`) {
		t.Fatalf("d3 export: %v (%s)", err, ctype)
	}

	updated, err := eng.SetWatched(ctx, "z", true)
	if err != nil || !updated.IsWatched {
		t.Fatalf("set watched: %+v (%v)", updated, err)
	}
}
