package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rawblock/intel-engine/internal/heuristics"
	"github.com/rawblock/intel-engine/internal/registry"
	"github.com/rawblock/intel-engine/pkg/models"
)

// setupTestDB starts a Postgres container and returns an initialized store.
func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	store, err := Connect(ctx, dsn)
	require.NoError(t, err, "failed to connect")
	require.NoError(t, store.InitSchema(ctx))

	cleanup := func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return store, cleanup
}

func seedAddress(id, addr string) models.Address {
	bal := 1.5
	return models.Address{
		ID:               id,
		Address:          addr,
		CryptoType:       models.CryptoBTC,
		SourceCategory:   models.CategoryDarknetMarket,
		Balance:          &bal,
		TransactionCount: 10,
		FirstSeen:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Tags:             []string{"vendor", "escrow"},
		SourceURL:        "http://example.onion/v/1",
		SourceType:       models.SourceDarkWeb,
		IsWatched:        true,
	}
}

func TestPostgresStore_GetListUpdate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.UpsertAddress(ctx, seedAddress("a-1", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")))
	require.NoError(t, store.UpsertAddress(ctx, seedAddress("a-2", "12t9YDPgwueZ9NyMgw519p7AA8isjr6SMw")))

	got, err := store.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryUnassigned, got.Category)
	assert.Equal(t, models.CategoryDarknetMarket, got.SourceCategory)
	assert.Equal(t, []string{"vendor", "escrow"}, got.Tags)
	require.NotNil(t, got.Balance)
	assert.InDelta(t, 1.5, *got.Balance, 1e-9)
	assert.True(t, got.LastSeen.IsZero())
	assert.Equal(t, int64(1), got.Version)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := store.List(ctx, registry.Filter{WatchedOnly: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-1", list[0].ID)

	found, err := registry.FindByIdentity(ctx, store, "12t9YDPgwueZ9NyMgw519p7AA8isjr6SMw", models.CryptoBTC)
	require.NoError(t, err)
	assert.Equal(t, "a-2", found.ID)

	score, cat := 91, models.CategoryDarknetMarket
	updated, err := store.Update(ctx, "a-1", models.Patch{RiskScore: &score, Category: &cat, ExpectedVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.Update(ctx, "a-1", models.Patch{RiskScore: &score, ExpectedVersion: 1})
	assert.ErrorIs(t, err, models.ErrPersistenceConflict)

	high, err := store.List(ctx, registry.Filter{MinRisk: 90})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, 91, high[0].RiskScore)
}

func TestPostgresStore_ConcurrentWritersNeverLoseVersions(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, store.UpsertAddress(ctx, seedAddress("a-1", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := i
			if _, err := store.Update(ctx, "a-1", models.Patch{RiskScore: &s, ExpectedVersion: 1}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, models.ErrPersistenceConflict)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one writer may win version 1")
	got, err := store.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestPostgresStore_AlertsAndWatchStates(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"al-1", "al-2", "al-3"} {
		require.NoError(t, store.PublishAlert(ctx, models.WatchlistAlert{
			ID: id, AddressID: "a-1", Severity: models.SeverityWarning,
			Title: "t", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// Re-publishing is idempotent.
	require.NoError(t, store.PublishAlert(ctx, models.WatchlistAlert{ID: "al-1", AddressID: "a-1", Severity: models.SeverityWarning, Title: "t", CreatedAt: base}))

	alerts, err := store.ListAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "al-2", alerts[0].ID)
	assert.Equal(t, "al-3", alerts[1].ID)

	_, ok, err := store.GetWatchState(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := heuristics.WatchRecord{
		AddressID: "a-1", State: heuristics.WatchAlerted, LastScore: 72, HasScore: true,
		KnownEdges: []string{"a-1|b|shared_tag"}, LastSeq: 4, UpdatedAt: base,
	}
	require.NoError(t, store.PutWatchState(ctx, rec))
	got, ok, err := store.GetWatchState(ctx, "a-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, heuristics.WatchAlerted, got.State)
	assert.Equal(t, rec.KnownEdges, got.KnownEdges)
	assert.Equal(t, int64(4), got.LastSeq)
}
