// Package store persists the C3 read model (session, agent, and
// study projections) to PostgreSQL via pgx, with schema migrations applied
// at startup via golang-migrate from embedded SQL files — grounded on
// tarsy's pkg/database/client.go (NewClient/runMigrations), minus its
// ent.Client embedding: this store talks pgx directly, since no
// ent-generated client is available to wrap.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	stdsql "database/sql"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection settings for the projection store.
type Config struct {
	DSN          string
	MaxConns     int32
	ConnLifetime time.Duration
}

// Session is one row of the session_projections table.
type Session struct {
	SessionID   string
	Name        string
	State       string
	Recoverable bool
	LastOffset  uint64
	UpdatedAt   time.Time
}

// Agent is one row of the agent_projections table.
type Agent struct {
	AgentID    string
	Name       string
	Type       string
	Status     string
	LastOffset uint64
	UpdatedAt  time.Time
}

// Study is one row of the study_projections table. StartedAt/StoppedAt
// are nil until the corresponding lifecycle event has been applied.
type Study struct {
	StudyID     string
	Name        string
	Status      string
	PeriodType  string
	PeriodValue int
	StartedAt   *time.Time
	StoppedAt   *time.Time
	LastOffset  uint64
	UpdatedAt   time.Time
}

// Store wraps a pgx connection pool and provides the read/write
// surface the projection engine needs.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pooled connection to dsn and applies pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an already-open pool; no migrations are applied.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open for migration: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "projections", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// UpsertSession writes the latest snapshot for a session, ignoring
// the write if a newer offset is already recorded (idempotent replay
// safety under at-least-once delivery).
func (s *Store) UpsertSession(ctx context.Context, tx pgx.Tx, sess Session) error {
	q := s.pool.QueryRow
	if tx != nil {
		q = tx.QueryRow
	}
	var ignored int
	err := q(ctx, `
		INSERT INTO session_projections (session_id, name, state, recoverable, last_offset, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id) DO UPDATE SET
			name = EXCLUDED.name,
			state = EXCLUDED.state,
			recoverable = EXCLUDED.recoverable,
			last_offset = EXCLUDED.last_offset,
			updated_at = now()
		WHERE EXCLUDED.last_offset >= session_projections.last_offset
		RETURNING 1
	`, sess.SessionID, sess.Name, sess.State, sess.Recoverable, sess.LastOffset).Scan(&ignored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // stale event, superseded by a later offset already applied
	}
	return err
}

// DeleteSession removes a session's projection row.
func (s *Store) DeleteSession(ctx context.Context, tx pgx.Tx, sessionID string) error {
	exec := s.pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(ctx, `DELETE FROM session_projections WHERE session_id = $1`, sessionID)
	return err
}

// GetSession fetches one session projection.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, name, state, recoverable, last_offset, updated_at
		FROM session_projections WHERE session_id = $1
	`, sessionID).Scan(&sess.SessionID, &sess.Name, &sess.State, &sess.Recoverable, &sess.LastOffset, &sess.UpdatedAt)
	return sess, err
}

// ListSessions returns all session projections ordered by session id.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, name, state, recoverable, last_offset, updated_at
		FROM session_projections ORDER BY session_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.SessionID, &sess.Name, &sess.State, &sess.Recoverable, &sess.LastOffset, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpsertAgent writes the latest snapshot for an agent, with the same
// stale-offset guard as UpsertSession.
func (s *Store) UpsertAgent(ctx context.Context, tx pgx.Tx, a Agent) error {
	q := s.pool.QueryRow
	if tx != nil {
		q = tx.QueryRow
	}
	var ignored int
	err := q(ctx, `
		INSERT INTO agent_projections (agent_id, name, type, status, last_offset, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			last_offset = EXCLUDED.last_offset,
			updated_at = now()
		WHERE EXCLUDED.last_offset >= agent_projections.last_offset
		RETURNING 1
	`, a.AgentID, a.Name, a.Type, a.Status, a.LastOffset).Scan(&ignored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// DeleteAgent removes an agent's projection row.
func (s *Store) DeleteAgent(ctx context.Context, tx pgx.Tx, agentID string) error {
	exec := s.pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(ctx, `DELETE FROM agent_projections WHERE agent_id = $1`, agentID)
	return err
}

// GetAgent fetches one agent projection.
func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, name, type, status, last_offset, updated_at
		FROM agent_projections WHERE agent_id = $1
	`, agentID).Scan(&a.AgentID, &a.Name, &a.Type, &a.Status, &a.LastOffset, &a.UpdatedAt)
	return a, err
}

// ListAgents returns all agent projections ordered by agent id.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, name, type, status, last_offset, updated_at
		FROM agent_projections ORDER BY agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.Name, &a.Type, &a.Status, &a.LastOffset, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertStudy writes the latest snapshot for a study, with the same
// stale-offset guard as UpsertSession.
func (s *Store) UpsertStudy(ctx context.Context, tx pgx.Tx, st Study) error {
	q := s.pool.QueryRow
	if tx != nil {
		q = tx.QueryRow
	}
	var ignored int
	err := q(ctx, `
		INSERT INTO study_projections (study_id, name, status, period_type, period_value, started_at, stopped_at, last_offset, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (study_id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			period_type = EXCLUDED.period_type,
			period_value = EXCLUDED.period_value,
			started_at = EXCLUDED.started_at,
			stopped_at = EXCLUDED.stopped_at,
			last_offset = EXCLUDED.last_offset,
			updated_at = now()
		WHERE EXCLUDED.last_offset >= study_projections.last_offset
		RETURNING 1
	`, st.StudyID, st.Name, st.Status, st.PeriodType, st.PeriodValue, st.StartedAt, st.StoppedAt, st.LastOffset).Scan(&ignored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // stale event, superseded by a later offset already applied
	}
	return err
}

// GetStudy fetches one study projection.
func (s *Store) GetStudy(ctx context.Context, studyID string) (Study, error) {
	var st Study
	err := s.pool.QueryRow(ctx, `
		SELECT study_id, name, status, period_type, period_value, started_at, stopped_at, last_offset, updated_at
		FROM study_projections WHERE study_id = $1
	`, studyID).Scan(&st.StudyID, &st.Name, &st.Status, &st.PeriodType, &st.PeriodValue, &st.StartedAt, &st.StoppedAt, &st.LastOffset, &st.UpdatedAt)
	return st, err
}

// ListStudies returns all study projections ordered by study id.
func (s *Store) ListStudies(ctx context.Context) ([]Study, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT study_id, name, status, period_type, period_value, started_at, stopped_at, last_offset, updated_at
		FROM study_projections ORDER BY study_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Study
	for rows.Next() {
		var st Study
		if err := rows.Scan(&st.StudyID, &st.Name, &st.Status, &st.PeriodType, &st.PeriodValue, &st.StartedAt, &st.StoppedAt, &st.LastOffset, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TruncateAll wipes every projection table, used by rebuild() before
// replaying the log from the beginning.
func (s *Store) TruncateAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE session_projections, agent_projections, study_projections`)
	return err
}

// BeginTx starts a transaction for a batch apply.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}
