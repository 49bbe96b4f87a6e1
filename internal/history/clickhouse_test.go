package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rawblock/intel-engine/pkg/models"
)

func setupClickHouse(t *testing.T) (*ClickHouse, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "test",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	store, err := NewClickHouse(ctx, fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port()))
	require.NoError(t, err)

	return store, func() {
		store.Close()
		_ = container.Terminate(ctx)
	}
}

func TestClickHouse_AppendAndRead(t *testing.T) {
	store, cleanup := setupClickHouse(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var recs []ScoreRecord
	for i := 0; i < 4; i++ {
		recs = append(recs, ScoreRecord{
			AddressID:  "a-0001",
			CryptoType: models.CryptoBTC,
			RiskScore:  50 + i*10,
			Category:   models.CategoryRansomware,
			Confidence: 0.5,
			PassSeq:    int64(i + 1),
			ScoredAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, store.Append(ctx, recs))

	got, err := store.ForAddress(ctx, "a-0001", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].PassSeq)
	assert.Equal(t, 80, got[1].RiskScore)
	assert.Equal(t, models.CategoryRansomware, got[1].Category)
}
