package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/intel-engine/internal/heuristics"
	"github.com/rawblock/intel-engine/internal/registry"
	"github.com/rawblock/intel-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes
const (
	pgErrUniqueViolation  = "23505" // unique_violation
	pgErrLockNotAvailable = "55P03" // lock_not_available (FOR UPDATE NOWAIT)
	pgErrSerialization    = "40001" // serialization_failure
)

// PostgresStore is the production registry, alert log and watch state store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface checks.
var (
	_ registry.Registry          = (*PostgresStore)(nil)
	_ heuristics.WatchStateStore = (*PostgresStore)(nil)
	_ heuristics.AlertSink       = (*PostgresStore)(nil)
)

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("[Registry] Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("[Registry] Schema initialized")
	return nil
}

const addressColumns = `id, address, crypto_type, category, source_category, risk_score, balance,
	transaction_count, first_seen, last_seen, last_updated, tags, source_url, source_type,
	is_watched, notes, cluster_id, version`

func scanAddress(row pgx.Row) (models.Address, error) {
	var (
		a                   models.Address
		ct, cat, srcCat, st string
		firstSeen, lastSeen *time.Time
	)
	err := row.Scan(
		&a.ID, &a.Address, &ct, &cat, &srcCat, &a.RiskScore, &a.Balance,
		&a.TransactionCount, &firstSeen, &lastSeen, &a.LastUpdated, &a.Tags, &a.SourceURL, &st,
		&a.IsWatched, &a.Notes, &a.ClusterID, &a.Version,
	)
	if err != nil {
		return models.Address{}, err
	}
	a.CryptoType = models.CryptoType(ct)
	a.Category = models.Category(cat)
	a.SourceCategory = models.Category(srcCat)
	a.SourceType = models.SourceType(st)
	if firstSeen != nil {
		a.FirstSeen = firstSeen.UTC()
	}
	if lastSeen != nil {
		a.LastSeen = lastSeen.UTC()
	}
	a.LastUpdated = a.LastUpdated.UTC()
	return a, nil
}

// Get retrieves an address by id. Returns ErrNotFound if it does not exist.
func (s *PostgresStore) Get(ctx context.Context, id string) (models.Address, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+addressColumns+` FROM addresses WHERE id = $1`, id)
	a, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Address{}, fmt.Errorf("address %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Address{}, fmt.Errorf("get address %s: %w", id, err)
	}
	return a, nil
}

// List returns matching addresses ordered by id.
func (s *PostgresStore) List(ctx context.Context, f registry.Filter) ([]models.Address, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.IDs) > 0 {
		where = append(where, "id = ANY("+arg(f.IDs)+")")
	}
	if f.Address != "" {
		where = append(where, "address = "+arg(f.Address))
	}
	if f.CryptoType != "" {
		where = append(where, "crypto_type = "+arg(string(f.CryptoType)))
	}
	if f.Category != "" {
		where = append(where, "category = "+arg(string(f.Category)))
	}
	if f.MinRisk > 0 {
		where = append(where, "risk_score >= "+arg(f.MinRisk))
	}
	if f.WatchedOnly {
		where = append(where, "is_watched")
	}

	query := `SELECT ` + addressColumns + ` FROM addresses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	result := make([]models.Address, 0)
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// Update applies a patch under a row lock. A row already locked by another
// writer, or a stale ExpectedVersion, yields ErrPersistenceConflict.
func (s *PostgresStore) Update(ctx context.Context, id string, p models.Patch) (models.Address, error) {
	// 1. Begin Transaction
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Address{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 2. Lock the row
	row := tx.QueryRow(ctx, `SELECT `+addressColumns+` FROM addresses WHERE id = $1 FOR UPDATE NOWAIT`, id)
	current, err := scanAddress(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return models.Address{}, fmt.Errorf("address %s: %w", id, models.ErrNotFound)
	case isConflictError(err):
		return models.Address{}, fmt.Errorf("address %s locked: %w", id, models.ErrPersistenceConflict)
	case err != nil:
		return models.Address{}, fmt.Errorf("lock address %s: %w", id, err)
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != current.Version {
		return models.Address{}, fmt.Errorf("address %s at version %d, expected %d: %w",
			id, current.Version, p.ExpectedVersion, models.ErrPersistenceConflict)
	}

	// 3. Write the patched fields
	updated := p.Apply(current, time.Now().UTC())
	_, err = tx.Exec(ctx, `
		UPDATE addresses
		SET category = $2, risk_score = $3, cluster_id = $4, is_watched = $5,
		    last_updated = $6, version = $7
		WHERE id = $1 AND version = $8`,
		id, string(updated.Category), updated.RiskScore, updated.ClusterID, updated.IsWatched,
		updated.LastUpdated, updated.Version, current.Version,
	)
	if isConflictError(err) {
		return models.Address{}, fmt.Errorf("address %s: %w", id, models.ErrPersistenceConflict)
	}
	if err != nil {
		return models.Address{}, fmt.Errorf("update address %s: %w", id, err)
	}

	// 4. Commit transaction
	if err := tx.Commit(ctx); err != nil {
		if isConflictError(err) {
			return models.Address{}, fmt.Errorf("address %s: %w", id, models.ErrPersistenceConflict)
		}
		return models.Address{}, err
	}
	return updated, nil
}

// UpsertAddress writes a full address row. This is the registry owner's
// insert path (seed tooling, tests); the engine never calls it.
func (s *PostgresStore) UpsertAddress(ctx context.Context, a models.Address) error {
	if a.Version == 0 {
		a.Version = 1
	}
	if a.Category == "" {
		a.Category = models.CategoryUnassigned
	}
	if a.LastUpdated.IsZero() {
		a.LastUpdated = time.Now().UTC()
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO addresses (`+addressColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address, crypto_type = EXCLUDED.crypto_type,
			category = EXCLUDED.category, source_category = EXCLUDED.source_category,
			risk_score = EXCLUDED.risk_score, balance = EXCLUDED.balance,
			transaction_count = EXCLUDED.transaction_count, first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen, last_updated = EXCLUDED.last_updated,
			tags = EXCLUDED.tags, source_url = EXCLUDED.source_url,
			source_type = EXCLUDED.source_type, is_watched = EXCLUDED.is_watched,
			notes = EXCLUDED.notes, cluster_id = EXCLUDED.cluster_id, version = EXCLUDED.version`,
		a.ID, a.Address, string(a.CryptoType), string(a.Category), string(a.SourceCategory),
		a.RiskScore, a.Balance, a.TransactionCount, nullTime(a.FirstSeen), nullTime(a.LastSeen),
		a.LastUpdated, tags, a.SourceURL, string(a.SourceType), a.IsWatched, a.Notes, a.ClusterID, a.Version,
	)
	if isDuplicateKeyError(err) {
		return fmt.Errorf("%w: identity %s already registered", models.ErrInput, a.Key())
	}
	return err
}

// ─── Alerts ──────────────────────────────────────────────────────────

// PublishAlert appends an alert to the immutable alert log.
func (s *PostgresStore) PublishAlert(ctx context.Context, alert models.WatchlistAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watchlist_alerts (id, address_id, severity, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID, alert.AddressID, string(alert.Severity), alert.Title, alert.Message, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// ListAlerts returns up to limit alerts, oldest first, from the newest window.
func (s *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]models.WatchlistAlert, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, address_id, severity, title, message, created_at FROM (
			SELECT * FROM watchlist_alerts ORDER BY created_at DESC, id DESC LIMIT $1
		) recent ORDER BY created_at ASC, id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.WatchlistAlert
	for rows.Next() {
		var a models.WatchlistAlert
		var sev string
		if err := rows.Scan(&a.ID, &a.AddressID, &sev, &a.Title, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = models.Severity(sev)
		a.CreatedAt = a.CreatedAt.UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ─── Watch states ────────────────────────────────────────────────────

func (s *PostgresStore) GetWatchState(ctx context.Context, addressID string) (heuristics.WatchRecord, bool, error) {
	var rec heuristics.WatchRecord
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT address_id, state, last_score, has_score, known_edges, last_seq, updated_at
		FROM watch_states WHERE address_id = $1`, addressID,
	).Scan(&rec.AddressID, &state, &rec.LastScore, &rec.HasScore, &rec.KnownEdges, &rec.LastSeq, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return heuristics.WatchRecord{}, false, nil
	}
	if err != nil {
		return heuristics.WatchRecord{}, false, fmt.Errorf("get watch state %s: %w", addressID, err)
	}
	rec.State = heuristics.WatchState(state)
	return rec, true, nil
}

func (s *PostgresStore) PutWatchState(ctx context.Context, rec heuristics.WatchRecord) error {
	edges := rec.KnownEdges
	if edges == nil {
		edges = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watch_states (address_id, state, last_score, has_score, known_edges, last_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address_id) DO UPDATE SET
			state = EXCLUDED.state, last_score = EXCLUDED.last_score, has_score = EXCLUDED.has_score,
			known_edges = EXCLUDED.known_edges, last_seq = EXCLUDED.last_seq, updated_at = EXCLUDED.updated_at`,
		rec.AddressID, string(rec.State), rec.LastScore, rec.HasScore, edges, rec.LastSeq, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put watch state %s: %w", rec.AddressID, err)
	}
	return nil
}

// ─── Error classification ────────────────────────────────────────────

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// isConflictError reports lock contention or serialization failures.
func isConflictError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrLockNotAvailable || pgErr.Code == pgErrSerialization
	}
	return false
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
