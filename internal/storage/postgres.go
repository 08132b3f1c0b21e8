package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

const callSchema = `
CREATE TABLE IF NOT EXISTS call_records (
	id                 TEXT PRIMARY KEY,
	agent_id           TEXT NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	ended_at           TIMESTAMPTZ NOT NULL,
	duration_seconds   DOUBLE PRECISION NOT NULL,
	satisfaction_score DOUBLE PRECISION,
	CHECK (ended_at > started_at)
);
CREATE INDEX IF NOT EXISTS idx_call_records_agent_window
	ON call_records (agent_id, started_at, ended_at);
`

const uniqueViolation = "23505"

// PostgresCallStore implements CallStore on PostgreSQL via lib/pq
type PostgresCallStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenPostgresCallStore connects to dsn, verifies the connection and
// ensures the schema exists
func OpenPostgresCallStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresCallStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open call store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping call store", err)
	}

	store := NewPostgresCallStore(db, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Msg("Postgres call store initialized")
	return store, nil
}

// NewPostgresCallStore wraps an open database handle
func NewPostgresCallStore(db *sql.DB, logger zerolog.Logger) *PostgresCallStore {
	return &PostgresCallStore{
		db:     db,
		logger: logger.With().Str("component", "postgres_call_store").Logger(),
	}
}

// NewCallStore creates the appropriate call store based on configuration
func NewCallStore(ctx context.Context, dsn string, logger zerolog.Logger) (CallStore, error) {
	if dsn == "" {
		logger.Info().Msg("CALL_STORE_DSN not set, calls kept in memory")
		return NewMemoryCallStore(), nil
	}
	store, err := OpenPostgresCallStore(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the call_records table if it is missing
func (s *PostgresCallStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, callSchema); err != nil {
		return unavailable("create call schema", err)
	}
	return nil
}

// Close releases the database handle
func (s *PostgresCallStore) Close() error {
	return s.db.Close()
}

func (s *PostgresCallStore) FindOverlapping(ctx context.Context, agentID string, start, end time.Time) ([]types.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, started_at, ended_at, duration_seconds, satisfaction_score
		FROM call_records
		WHERE agent_id = $1 AND started_at < $2 AND ended_at > $3
		ORDER BY started_at`,
		agentID, end, start,
	)
	if err != nil {
		return nil, unavailable("query calls", err)
	}
	defer rows.Close()

	var calls []types.CallRecord
	for rows.Next() {
		var (
			c     types.CallRecord
			score sql.NullFloat64
		)
		if err := rows.Scan(&c.ID, &c.AgentID, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &score); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		if score.Valid {
			v := score.Float64
			c.SatisfactionScore = &v
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate calls", err)
	}
	return calls, nil
}

func (s *PostgresCallStore) Save(ctx context.Context, record types.CallRecord) error {
	var score sql.NullFloat64
	if record.SatisfactionScore != nil {
		score = sql.NullFloat64{Float64: *record.SatisfactionScore, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (id, agent_id, started_at, ended_at, duration_seconds, satisfaction_score)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.AgentID, record.StartedAt, record.EndedAt, record.DurationSeconds, score,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("call %s already exists: %w", record.ID, ErrConflict)
		}
		return unavailable("insert call", err)
	}
	return nil
}

func (s *PostgresCallStore) Stats(ctx context.Context) (types.CallStats, error) {
	var stats types.CallStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(satisfaction_score), COALESCE(AVG(duration_seconds), 0)
		FROM call_records`,
	).Scan(&stats.TotalCalls, &stats.ScoredCalls, &stats.AvgCallDuration)
	if err != nil {
		return types.CallStats{}, unavailable("call stats", err)
	}
	return stats, nil
}
