package database

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	log  *logrus.Entry
}

// New creates a new database connection
func New(dsn string, log *logrus.Entry) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, log: log}

	// Initialize tables and run migrations
	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.migrateSchema(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// createTables creates the necessary tables
func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			house TEXT NOT NULL DEFAULT '',
			daily_points BIGINT NOT NULL DEFAULT 0,
			monthly_points BIGINT NOT NULL DEFAULT 0,
			total_points BIGINT NOT NULL DEFAULT 0,
			daily_voice_seconds BIGINT NOT NULL DEFAULT 0,
			monthly_voice_seconds BIGINT NOT NULL DEFAULT 0,
			total_voice_seconds BIGINT NOT NULL DEFAULT 0,
			streak BIGINT NOT NULL DEFAULT 0,
			streak_updated_today BOOLEAN NOT NULL DEFAULT FALSE,
			last_daily_reset TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id UUID NOT NULL,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL,
			left_at TIMESTAMPTZ NOT NULL,
			seconds BIGINT NOT NULL DEFAULT 0,
			credited BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (id)
		)`,
		`CREATE INDEX IF NOT EXISTS voice_sessions_user_idx ON voice_sessions (user_id, left_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// migrateSchema handles database schema migrations
func (db *DB) migrateSchema() error {
	migrations := []string{
		// Streak columns arrived after the first deploy
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS streak BIGINT NOT NULL DEFAULT 0`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS streak_updated_today BOOLEAN NOT NULL DEFAULT FALSE`,

		// Early rows stored an empty timezone instead of UTC
		`UPDATE users SET timezone = 'UTC' WHERE timezone = ''`,

		// voice_sessions originally lacked the credited marker
		`ALTER TABLE voice_sessions ADD COLUMN IF NOT EXISTS credited BOOLEAN NOT NULL DEFAULT TRUE`,

		// Counters must never go negative; clamp anything a bad build left behind
		`UPDATE users SET daily_points = 0 WHERE daily_points < 0`,
		`UPDATE users SET monthly_points = 0 WHERE monthly_points < 0`,
		`UPDATE users SET daily_voice_seconds = 0 WHERE daily_voice_seconds < 0`,
		`UPDATE users SET monthly_voice_seconds = 0 WHERE monthly_voice_seconds < 0`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			db.log.WithError(err).Warn("Migration failed (this might be expected)")
		}
	}

	return nil
}
