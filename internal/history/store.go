// Package history persists ended sessions to PostgreSQL. Only anonymous
// metadata is kept: regions, whether the peer was a bot, the invite link
// used and the session's start, end and length. User ids are never stored.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/anonmeet/meet-server/internal/region"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "meet_schema_migrations"

// Entry is one ended session.
type Entry struct {
	SessionID   string
	User1Region region.Region
	User2Region region.Region
	IsBot       bool
	LinkID      string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Duration is the session length, never negative.
func (e Entry) Duration() time.Duration {
	if d := e.EndedAt.Sub(e.StartedAt); d > 0 {
		return d
	}
	return 0
}

// Summary aggregates history over a time window.
type Summary struct {
	Total         int   `json:"total"`
	Bot           int   `json:"bot"`
	Link          int   `json:"link"`
	AvgDurationMs int64 `json:"avgDurationMs"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("history: migrations source: %w", err)
	}
	defer src.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("history: migrate conn: %w", err)
	}
	defer conn.Close()

	drv, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("history: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		log.Printf("[history] schema at version %d (dirty=%t)", version, dirty)
	}
	return nil
}

// Store writes and queries session history.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts an ended session. Recording the same session twice is a
// no-op.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.SessionID == "" {
		return fmt.Errorf("history: record: empty session id")
	}

	var linkID sql.NullString
	if e.LinkID != "" {
		linkID = sql.NullString{String: e.LinkID, Valid: true}
	}

	const query = `
		INSERT INTO session_history (session_id, user1_region, user2_region, is_bot, link_id, started_at, ended_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		e.SessionID,
		string(e.User1Region),
		string(e.User2Region),
		e.IsBot,
		linkID,
		e.StartedAt.UTC(),
		e.EndedAt.UTC(),
		e.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
		SELECT session_id, user1_region, user2_region, is_bot, link_id, started_at, ended_at
		FROM session_history
		ORDER BY ended_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			r1, r2 string
			linkID sql.NullString
		)
		if err := rows.Scan(&e.SessionID, &r1, &r2, &e.IsBot, &linkID, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.User1Region, e.User2Region, e.LinkID = region.Region(r1), region.Region(r2), linkID.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return out, nil
}

// Summarize aggregates sessions that ended within the window.
func (s *Store) Summarize(ctx context.Context, window time.Duration) (Summary, error) {
	const query = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_bot),
		       COUNT(*) FILTER (WHERE link_id IS NOT NULL),
		       COALESCE(AVG(duration_ms), 0)
		FROM session_history
		WHERE ended_at >= NOW() - make_interval(secs => $1)`

	var (
		sum   Summary
		avgMs float64
	)
	err := s.db.QueryRowContext(ctx, query, window.Seconds()).Scan(&sum.Total, &sum.Bot, &sum.Link, &avgMs)
	if err != nil {
		return Summary{}, fmt.Errorf("history: summarize: %w", err)
	}
	sum.AvgDurationMs = int64(avgMs)
	return sum, nil
}
