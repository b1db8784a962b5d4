// Package store implements the Store Gateway: a sqlite-backed persistence
// layer holding the single running fleet.Aggregate document and the set
// of already-processed vehicle-event ids used for deduplication.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGo

	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/plaenen/fleet-reporter/internal/store/migrate"
	"github.com/plaenen/fleet-reporter/pkg/observability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// config holds internal configuration for the sqlite-backed store.
type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	logger       *slog.Logger
	metrics      *observability.Metrics
}

func defaultConfig() config {
	return config{
		dsn:          "fleet-reporter.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		logger:       slog.Default(),
	}
}

// Option configures a Store.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *config) { c.dsn = dsn }
}

// WithMemoryDatabase points the store at an in-memory database.
func WithMemoryDatabase() Option {
	return func(c *config) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) { c.maxIdleConns = n }
}

// WithWALMode toggles write-ahead logging. Ignored for :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) { c.walMode = enabled }
}

// WithAutoMigrate toggles running pending migrations on Open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) { c.autoMigrate = enabled }
}

// WithLogger overrides the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Store persists the fleet statistics aggregate and the processed-event
// log behind a pure-Go sqlite driver.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *observability.Metrics
	mu      sync.RWMutex
}

// Open opens (and by default migrates) the sqlite-backed store.
func Open(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", fleet.ErrStoreUnavailable, err)
	}

	if cfg.dsn == ":memory:" {
		// Each connection to :memory: gets its own isolated database;
		// pin the pool to a single connection so all callers share it.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: cfg.logger, metrics: cfg.metrics}

	if cfg.walMode && cfg.dsn != ":memory:" {
		if err := s.setWALMode(); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: set WAL mode: %v", fleet.ErrStoreUnavailable, err)
		}
	}

	if cfg.autoMigrate {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: migrate: %v", fleet.ErrStoreUnavailable, err)
		}
	}

	return s, nil
}

func (s *Store) setWALMode() error {
	_, err := s.db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`)
	return err
}

func (s *Store) migrate() error {
	m := migrate.New(s.db, "schema_migrations")
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return err
	}
	return m.Up()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetProcessed reports which of the given ids have already been
// recorded in the processed-event log.
func (s *Store) GetProcessed(ctx context.Context, aids []string) (map[string]bool, error) {
	if len(aids) == 0 {
		return map[string]bool{}, nil
	}

	start := time.Now()
	defer s.recordLatency(ctx, "get_processed", start)

	placeholders := make([]string, len(aids))
	args := make([]any, len(aids))
	for i, aid := range aids {
		placeholders[i] = "?"
		args[i] = aid
	}

	query := fmt.Sprintf("SELECT aid FROM processed_vehicles WHERE aid IN (%s)", strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query processed: %v", fleet.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	processed := make(map[string]bool, len(aids))
	for rows.Next() {
		var aid string
		if err := rows.Scan(&aid); err != nil {
			return nil, fmt.Errorf("%w: scan processed: %v", fleet.ErrStoreSchema, err)
		}
		processed[aid] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate processed: %v", fleet.ErrStoreUnavailable, err)
	}

	return processed, nil
}

// InsertProcessed records a set of ids as processed. Already-present ids
// are ignored (idempotent under at-least-once redelivery).
func (s *Store) InsertProcessed(ctx context.Context, tx *sql.Tx, aids []string, at time.Time) error {
	if len(aids) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processed_vehicles (aid, processed_at)
		VALUES (?, ?)
		ON CONFLICT(aid) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert processed: %v", fleet.ErrStoreUnavailable, err)
	}
	defer stmt.Close()

	for _, aid := range aids {
		if _, err := stmt.ExecContext(ctx, aid, at.Unix()); err != nil {
			return fmt.Errorf("%w: insert processed %s: %v", fleet.ErrStoreUnavailable, aid, err)
		}
	}

	return nil
}

// ApplyAggregate folds a partial aggregate into the singleton document,
// atomically, inside the given transaction. The caller is responsible
// for committing; the pipeline calls it immediately before
// InsertProcessed in the same transaction and commits after both,
// per the dedup-and-commit ordering contract.
func (s *Store) ApplyAggregate(ctx context.Context, tx *sql.Tx, partial fleet.PartialAggregate, now time.Time) error {
	row := tx.QueryRowContext(ctx, `
		SELECT total_vehicles, vehicles_by_type, vehicles_by_decade, vehicles_by_speed,
		       hp_sum, hp_count, hp_min, hp_max
		FROM fleet_statistics WHERE id = ?
	`, fleet.StatsDocumentID)

	var (
		total                                    int64
		byTypeRaw, byDecadeRaw, bySpeedRaw        string
		hpSum, hpCount                            int64
		hpMin, hpMax                              sql.NullInt64
	)

	err := row.Scan(&total, &byTypeRaw, &byDecadeRaw, &bySpeedRaw, &hpSum, &hpCount, &hpMin, &hpMax)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		total, hpSum, hpCount = 0, 0, 0
		byTypeRaw, byDecadeRaw, bySpeedRaw = "{}", "{}", "{}"
		hpMin, hpMax = sql.NullInt64{}, sql.NullInt64{}
	case err != nil:
		return fmt.Errorf("%w: read aggregate: %v", fleet.ErrStoreSchema, err)
	}

	byType, err := decodeCounts(byTypeRaw)
	if err != nil {
		return fmt.Errorf("%w: decode vehicles_by_type: %v", fleet.ErrStoreSchema, err)
	}
	byDecade, err := decodeCounts(byDecadeRaw)
	if err != nil {
		return fmt.Errorf("%w: decode vehicles_by_decade: %v", fleet.ErrStoreSchema, err)
	}
	bySpeed, err := decodeCounts(bySpeedRaw)
	if err != nil {
		return fmt.Errorf("%w: decode vehicles_by_speed: %v", fleet.ErrStoreSchema, err)
	}

	mergeCounts(byType, partial.VehiclesByType)
	mergeCounts(byDecade, partial.VehiclesByDecade)
	mergeCounts(bySpeed, partial.VehiclesBySpeedClass)

	total += partial.TotalVehicles
	hpSum += partial.HPSum
	hpCount += partial.HPCount

	if partial.HPMin != nil {
		if !hpMin.Valid || *partial.HPMin < hpMin.Int64 {
			hpMin = sql.NullInt64{Int64: *partial.HPMin, Valid: true}
		}
	}
	if partial.HPMax != nil {
		if !hpMax.Valid || *partial.HPMax > hpMax.Int64 {
			hpMax = sql.NullInt64{Int64: *partial.HPMax, Valid: true}
		}
	}

	byTypeJSON, _ := json.Marshal(byType)
	byDecadeJSON, _ := json.Marshal(byDecade)
	bySpeedJSON, _ := json.Marshal(bySpeed)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fleet_statistics (
			id, total_vehicles, vehicles_by_type, vehicles_by_decade, vehicles_by_speed,
			hp_sum, hp_count, hp_min, hp_max, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_vehicles = excluded.total_vehicles,
			vehicles_by_type = excluded.vehicles_by_type,
			vehicles_by_decade = excluded.vehicles_by_decade,
			vehicles_by_speed = excluded.vehicles_by_speed,
			hp_sum = excluded.hp_sum,
			hp_count = excluded.hp_count,
			hp_min = excluded.hp_min,
			hp_max = excluded.hp_max,
			last_updated = excluded.last_updated
	`, fleet.StatsDocumentID, total, string(byTypeJSON), string(byDecadeJSON), string(bySpeedJSON),
		hpSum, hpCount, nullableInt64(hpMin), nullableInt64(hpMax), now.Unix())
	if err != nil {
		return fmt.Errorf("%w: upsert aggregate: %v", fleet.ErrStoreUnavailable, err)
	}

	return nil
}

// ReadAggregate returns the current fleet statistics document. A missing
// document or a schema error degrades to a synthetic zero-aggregate
// rather than failing the read path.
func (s *Store) ReadAggregate(ctx context.Context) (*fleet.Aggregate, error) {
	start := time.Now()
	defer s.recordLatency(ctx, "read_aggregate", start)

	row := s.db.QueryRowContext(ctx, `
		SELECT total_vehicles, vehicles_by_type, vehicles_by_decade, vehicles_by_speed,
		       hp_sum, hp_count, hp_min, hp_max, last_updated
		FROM fleet_statistics WHERE id = ?
	`, fleet.StatsDocumentID)

	var (
		total                               int64
		byTypeRaw, byDecadeRaw, bySpeedRaw  string
		hpSum, hpCount, lastUpdated         int64
		hpMin, hpMax                        sql.NullInt64
	)

	err := row.Scan(&total, &byTypeRaw, &byDecadeRaw, &bySpeedRaw, &hpSum, &hpCount, &hpMin, &hpMax, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.ZeroAggregate(time.Now()), nil
	}
	if err != nil {
		s.logger.Warn("degrading to zero-aggregate after store read error", "error", err)
		return fleet.ZeroAggregate(time.Now()), nil
	}

	byType, errType := decodeCounts(byTypeRaw)
	byDecade, errDecade := decodeCounts(byDecadeRaw)
	bySpeed, errSpeed := decodeCounts(bySpeedRaw)
	if errType != nil || errDecade != nil || errSpeed != nil {
		s.logger.Warn("degrading to zero-aggregate after schema decode error")
		return fleet.ZeroAggregate(time.Now()), nil
	}

	agg := &fleet.Aggregate{
		TotalVehicles:        total,
		VehiclesByType:       byType,
		VehiclesByDecade:     byDecade,
		VehiclesBySpeedClass: bySpeed,
		HPStats: fleet.HPStats{
			Sum:   hpSum,
			Count: hpCount,
		},
		LastUpdated: time.Unix(lastUpdated, 0).UTC(),
	}
	if hpMin.Valid {
		agg.HPStats.Min = hpMin.Int64
	}
	if hpMax.Valid {
		agg.HPStats.Max = hpMax.Int64
	}
	if hpCount > 0 {
		agg.HPStats.Avg = float64(hpSum) / float64(hpCount)
	}

	return agg, nil
}

// Begin starts a transaction for callers that need to span
// ApplyAggregate and InsertProcessed atomically.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %v", fleet.ErrStoreUnavailable, err)
	}
	return tx, nil
}

func (s *Store) recordLatency(ctx context.Context, operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStoreOperation(ctx, operation, time.Since(start))
	}
}

func decodeCounts(raw string) (map[string]int64, error) {
	counts := map[string]int64{}
	if raw == "" {
		return counts, nil
	}
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func mergeCounts(dst, delta map[string]int64) {
	for k, v := range delta {
		dst[k] += v
	}
}

func nullableInt64(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}

