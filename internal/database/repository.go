package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"housepoints/internal/models"
)

// StreakThresholdSeconds is the credited daily voice time after which the
// day counts toward the user's streak.
const StreakThresholdSeconds = 30 * 60

// Querier is the query surface shared by *sql.DB and *sql.Tx, so session
// crediting can run standalone or inside the reset transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository handles database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// WithTx runs fn inside a transaction, rolling back on error.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EnsureUser makes sure a user row exists.
func (r *Repository) EnsureUser(ctx context.Context, userID string) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO users (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// GetUser loads a user's counters. Returns (nil, nil) when unknown.
func (r *Repository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT user_id, timezone, house,
		       daily_points, monthly_points, total_points,
		       daily_voice_seconds, monthly_voice_seconds, total_voice_seconds,
		       streak, streak_updated_today, last_daily_reset
		FROM users WHERE user_id = $1`, userID).Scan(
		&u.UserID, &u.Timezone, &u.House,
		&u.DailyPoints, &u.MonthlyPoints, &u.TotalPoints,
		&u.DailyVoiceSeconds, &u.MonthlyVoiceSeconds, &u.TotalVoiceSeconds,
		&u.Streak, &u.StreakUpdatedToday, &u.LastDailyReset,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// SetTimezone stores a user's IANA timezone.
func (r *Repository) SetTimezone(ctx context.Context, userID, timezone string) error {
	if err := r.EnsureUser(ctx, userID); err != nil {
		return err
	}
	_, err := r.db.conn.ExecContext(ctx,
		`UPDATE users SET timezone = $2 WHERE user_id = $1`, userID, timezone)
	if err != nil {
		return fmt.Errorf("failed to set timezone: %w", err)
	}
	return nil
}

// SetHouse stores a user's house affiliation.
func (r *Repository) SetHouse(ctx context.Context, userID string, house models.House) error {
	if err := r.EnsureUser(ctx, userID); err != nil {
		return err
	}
	_, err := r.db.conn.ExecContext(ctx,
		`UPDATE users SET house = $2 WHERE user_id = $1`, userID, string(house))
	if err != nil {
		return fmt.Errorf("failed to set house: %w", err)
	}
	return nil
}

// SaveSession persists a finalized session and credits its points and
// voice time in one transaction.
func (r *Repository) SaveSession(ctx context.Context, rec models.SessionRecord) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.SaveSessionOn(ctx, tx, rec)
	})
}

// SaveSessionOn is SaveSession running on a caller-supplied transaction.
// The reset scheduler uses it so a session split around a boundary commits
// or rolls back together with the counter reset. Zero-duration records are
// skipped entirely, which makes re-closing an already-closed session a no-op.
func (r *Repository) SaveSessionOn(ctx context.Context, q Querier, rec models.SessionRecord) error {
	if rec.Seconds <= 0 {
		return nil
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO voice_sessions (id, user_id, channel_id, joined_at, left_at, seconds, credited)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.ChannelID, rec.JoinedAt, rec.LeftAt, rec.Seconds)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO users (user_id,
			daily_points, monthly_points, total_points,
			daily_voice_seconds, monthly_voice_seconds, total_voice_seconds)
		VALUES ($1, $2, $2, $2, $3, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			daily_points = users.daily_points + EXCLUDED.daily_points,
			monthly_points = users.monthly_points + EXCLUDED.monthly_points,
			total_points = users.total_points + EXCLUDED.total_points,
			daily_voice_seconds = users.daily_voice_seconds + EXCLUDED.daily_voice_seconds,
			monthly_voice_seconds = users.monthly_voice_seconds + EXCLUDED.monthly_voice_seconds,
			total_voice_seconds = users.total_voice_seconds + EXCLUDED.total_voice_seconds`,
		rec.UserID, rec.Points, rec.Seconds)
	if err != nil {
		return fmt.Errorf("failed to credit session: %w", err)
	}

	// Credit the streak once per local day, as soon as the threshold is met.
	_, err = q.ExecContext(ctx, `
		UPDATE users SET streak = streak + 1, streak_updated_today = TRUE
		WHERE user_id = $1 AND streak_updated_today = FALSE AND daily_voice_seconds >= $2`,
		rec.UserID, StreakThresholdSeconds)
	if err != nil {
		return fmt.Errorf("failed to update streak: %w", err)
	}

	return nil
}

// GetResetStates loads every user's timezone and reset state, locked for
// the duration of the reset transaction.
func (r *Repository) GetResetStates(ctx context.Context, q Querier) ([]models.ResetState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, timezone, last_daily_reset, streak, streak_updated_today
		FROM users FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reset states: %w", err)
	}
	defer rows.Close()

	var states []models.ResetState
	for rows.Next() {
		var s models.ResetState
		if err := rows.Scan(&s.UserID, &s.Timezone, &s.LastDailyReset, &s.Streak, &s.StreakUpdatedToday); err != nil {
			return nil, fmt.Errorf("failed to scan reset state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reset states: %w", err)
	}
	return states, nil
}

// ApplyDailyReset zeroes the daily counters for the selected users, stamps
// the reset instant, and applies the streak rule: a streak survives only if
// the user qualified during the day that just ended. The flag is cleared
// unconditionally so the new day starts uncredited.
func (r *Repository) ApplyDailyReset(ctx context.Context, q Querier, userIDs []string, resetAt time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		UPDATE users SET
			daily_points = 0,
			daily_voice_seconds = 0,
			streak = CASE WHEN streak_updated_today THEN streak ELSE 0 END,
			streak_updated_today = FALSE,
			last_daily_reset = $2
		WHERE user_id = ANY($1)`,
		pq.Array(userIDs), resetAt)
	if err != nil {
		return fmt.Errorf("failed to apply daily reset: %w", err)
	}
	return nil
}

// ApplyMonthlyReset zeroes the monthly counters for all users. Daily and
// total counters are untouched.
func (r *Repository) ApplyMonthlyReset(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, `
		UPDATE users SET monthly_points = 0, monthly_voice_seconds = 0`)
	if err != nil {
		return fmt.Errorf("failed to apply monthly reset: %w", err)
	}
	return nil
}

// Leaderboard returns the top users by daily or monthly points.
func (r *Repository) Leaderboard(ctx context.Context, column string, limit int) ([]models.LeaderboardEntry, error) {
	var query string
	switch column {
	case "daily":
		query = `SELECT user_id, daily_points FROM users ORDER BY daily_points DESC LIMIT $1`
	case "monthly":
		query = `SELECT user_id, monthly_points FROM users ORDER BY monthly_points DESC LIMIT $1`
	default:
		query = `SELECT user_id, total_points FROM users ORDER BY total_points DESC LIMIT $1`
	}

	rows, err := r.db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []models.LeaderboardEntry
	for rows.Next() {
		var e models.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Points); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HouseStandings aggregates total points per house.
func (r *Repository) HouseStandings(ctx context.Context) ([]models.HouseStanding, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT house, COALESCE(SUM(total_points), 0)
		FROM users WHERE house <> ''
		GROUP BY house ORDER BY 2 DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get house standings: %w", err)
	}
	defer rows.Close()

	var standings []models.HouseStanding
	for rows.Next() {
		var s models.HouseStanding
		if err := rows.Scan(&s.House, &s.Points); err != nil {
			return nil, fmt.Errorf("failed to scan house standing: %w", err)
		}
		standings = append(standings, s)
	}
	return standings, rows.Err()
}

// PoolStats exposes connection pool statistics for the metrics gauge.
func (r *Repository) PoolStats() sql.DBStats {
	return r.db.conn.Stats()
}
