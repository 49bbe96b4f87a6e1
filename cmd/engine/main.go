package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/intel-engine/internal/api"
	"github.com/rawblock/intel-engine/internal/chainstats"
	"github.com/rawblock/intel-engine/internal/config"
	"github.com/rawblock/intel-engine/internal/db"
	"github.com/rawblock/intel-engine/internal/engine"
	"github.com/rawblock/intel-engine/internal/heuristics"
	"github.com/rawblock/intel-engine/internal/history"
	"github.com/rawblock/intel-engine/internal/ingest"
	"github.com/rawblock/intel-engine/internal/registry"
	"github.com/rawblock/intel-engine/internal/registry/memory"
	"github.com/rawblock/intel-engine/internal/scanner"
	"github.com/rawblock/intel-engine/internal/sink"
	"github.com/rawblock/intel-engine/pkg/models"
)

func main() {
	log.Println("Starting RawBlock Intel Engine (risk scoring and clustering)...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Registry ───────────────────────────────────────────────────────
	var (
		reg        registry.Registry
		watchStore heuristics.WatchStateStore
		dbStore    *db.PostgresStore
		ready      func(context.Context) error
	)
	switch cfg.RegistryBackend {
	case "memory":
		demo, err := memory.NewDemo()
		if err != nil {
			log.Fatalf("FATAL: load demo registry: %v", err)
		}
		log.Printf("[Registry] In-memory demo registry with %d addresses", demo.Len())
		reg = demo
	default:
		store, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("FATAL: connect to PostgreSQL: %v", err)
		}
		defer store.Close()
		if err := store.InitSchema(ctx); err != nil {
			log.Fatalf("FATAL: DB schema init failed: %v", err)
		}
		reg, watchStore, dbStore, ready = store, store, store, store.Ping
	}

	// ─── Chain stats ────────────────────────────────────────────────────
	var provider chainstats.Provider
	switch cfg.ChainStatsProvider {
	case "blockchair":
		provider = chainstats.NewBlockchair(cfg.BlockchairURL, cfg.BlockchairAPIKey)
		log.Printf("[ChainStats] Using Blockchair (%s)", cfg.BlockchairURL)
	case "bitcoind":
		node, err := chainstats.NewBitcoind(chainstats.BitcoindConfig{
			Host: cfg.BTCRPCHost,
			User: cfg.BTCRPCUser,
			Pass: cfg.BTCRPCPass,
		})
		if err != nil {
			log.Printf("Warning: Bitcoin RPC unavailable, scoring without chain stats: %v", err)
		} else {
			defer node.Shutdown()
			provider = node
		}
	default:
		log.Println("[ChainStats] No provider configured, scoring from registry data only")
	}

	// ─── Score history ──────────────────────────────────────────────────
	var hist history.Store = history.NewMemory(0)
	if cfg.ClickHouseDSN != "" {
		ch, err := history.NewClickHouse(ctx, cfg.ClickHouseDSN)
		if err != nil {
			log.Printf("Warning: ClickHouse unavailable (%s), keeping score history in memory: %v",
				config.RedactDSN(cfg.ClickHouseDSN), err)
		} else {
			defer ch.Close()
			hist = ch
		}
	}

	// ─── Alerts ─────────────────────────────────────────────────────────
	wsHub := api.NewHub()
	go wsHub.Run()

	alerts := heuristics.NewAlertManager(api.BroadcastAlert(wsHub))
	if dbStore != nil {
		alerts.AddSink(dbStore)
		if recent, err := dbStore.ListAlerts(ctx, 1000); err != nil {
			log.Printf("Warning: could not load alert history: %v", err)
		} else {
			alerts.LoadHistory(recent)
		}
	}
	if cfg.AlertWebhookURL != "" {
		alerts.RegisterWebhook("default", cfg.AlertWebhookURL, models.SeverityWarning, nil)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaAlertTopic != "" {
		ks, err := sink.NewKafkaAlertSink(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		if err != nil {
			log.Printf("Warning: Kafka alert sink unavailable: %v", err)
		} else {
			defer ks.Close()
			alerts.AddSink(ks)
		}
	}

	watchlist := heuristics.NewWatchlist(watchStore, heuristics.WatchlistConfig{
		ScoreThreshold: cfg.AlertScoreThreshold,
		CriticalScore:  cfg.AlertCriticalScore,
		EdgeWeightMin:  cfg.AlertEdgeWeightMin,
		EdgeCategories: heuristics.DefaultWatchlistConfig().EdgeCategories,
	})

	// ─── Engine ─────────────────────────────────────────────────────────
	scoring := heuristics.DefaultScoringConfig()
	if cfg.ScoringConfigFile != "" {
		loaded, err := heuristics.LoadScoringConfig(cfg.ScoringConfigFile)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		scoring = loaded
		log.Printf("[Engine] Scoring weights loaded from %s", cfg.ScoringConfigFile)
	}

	eng, err := engine.New(engine.Options{
		Registry:          reg,
		Provider:          provider,
		History:           hist,
		Watchlist:         watchlist,
		Alerts:            alerts,
		ScoringConfig:     scoring,
		ChainStatsTimeout: cfg.ChainStatsTimeout,
		Workers:           cfg.ScoreWorkers,
		ChunkSize:         cfg.BatchChunkSize,
		GraphLimit:        cfg.GraphDefaultLimit,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	rescanner := scanner.NewRescanner(eng)
	go rescanner.RunEvery(ctx, cfg.RescanInterval)

	// ─── Discovery consumer ─────────────────────────────────────────────
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaDiscoveryTopic, eng)
		if err != nil {
			log.Printf("Warning: Kafka discovery consumer unavailable: %v", err)
		} else {
			defer consumer.Close()
			go func() {
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("[Ingest] consumer stopped: %v", err)
				}
			}()
		}
	}

	// ─── HTTP ───────────────────────────────────────────────────────────
	r := api.SetupRouter(api.RouterConfig{
		AllowedOrigins:  cfg.AllowedOrigins,
		AuthToken:       cfg.APIAuthToken,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Backend:         cfg.RegistryBackend,
		Ready:           ready,
	}, eng, wsHub, rescanner)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Printf("Engine running on :%s (registry: %s, chain stats: %s)", cfg.Port, cfg.RegistryBackend, cfg.ChainStatsProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
}
