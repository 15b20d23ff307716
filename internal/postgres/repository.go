package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vapr-xp/internal/config"
	"github.com/vapr-xp/internal/domain"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS user_progress (
			user_id VARCHAR(64) PRIMARY KEY,
			level INT NOT NULL DEFAULT 0,
			xp DOUBLE PRECISION NOT NULL DEFAULT 0,
			xp_required DOUBLE PRECISION NOT NULL DEFAULT 700,
			total_xp DOUBLE PRECISION NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS xp_events (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			action VARCHAR(32),
			amount DOUBLE PRECISION NOT NULL,
			levels_gained INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_progress_total_xp ON user_progress(total_xp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_xp_events_user ON xp_events(user_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// CreateUser seeds a progress row for a user. Creating an already known
// user is a no-op.
func (r *Repository) CreateUser(ctx context.Context, userID string) error {
	query := `
		INSERT INTO user_progress (user_id, level, xp, xp_required, total_xp, version, created_at, updated_at)
		VALUES ($1, 0, 0, $2, 0, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, userID, float64(domain.BaseXPRequired), time.Now())
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// GetProgress retrieves a user's progress record and its version
func (r *Repository) GetProgress(ctx context.Context, userID string) (*domain.Progress, int64, error) {
	query := `
		SELECT user_id, level, xp, xp_required, total_xp, version, updated_at
		FROM user_progress
		WHERE user_id = $1
	`
	var progress domain.Progress
	var version int64
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&progress.UserID,
		&progress.Level,
		&progress.XP,
		&progress.XPRequired,
		&progress.TotalXP,
		&version,
		&progress.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, domain.ErrUserNotFound
		}
		return nil, 0, fmt.Errorf("getting progress: %w", err)
	}

	progress.Hydrate()
	return &progress, version, nil
}

// UpdateProgressCAS writes a progress record back only if nobody else has
// written it since it was read at expectedVersion. A zero-row update means
// the version moved underneath us and the caller should re-read and retry.
func (r *Repository) UpdateProgressCAS(ctx context.Context, progress *domain.Progress, expectedVersion int64) error {
	query := `
		UPDATE user_progress
		SET level = $1, xp = $2, xp_required = $3, total_xp = $4,
		    version = version + 1, updated_at = $5
		WHERE user_id = $6 AND version = $7
	`
	result, err := r.pool.Exec(ctx, query,
		progress.Level,
		progress.XP,
		progress.XPRequired,
		progress.TotalXP,
		time.Now(),
		progress.UserID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// RecordAward records an XP award event for auditing
func (r *Repository) RecordAward(ctx context.Context, event domain.AwardEvent) error {
	query := `
		INSERT INTO xp_events (user_id, action, amount, levels_gained, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		event.UserID,
		string(event.Action),
		event.Amount,
		event.LevelsGained,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("recording award: %w", err)
	}
	return nil
}

// GetRecentAwards retrieves the most recent XP awards for a user
func (r *Repository) GetRecentAwards(ctx context.Context, userID string, limit int) ([]domain.AwardEvent, error) {
	query := `
		SELECT user_id, action, amount, levels_gained, created_at
		FROM xp_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("getting recent awards: %w", err)
	}
	defer rows.Close()

	var events []domain.AwardEvent
	for rows.Next() {
		var event domain.AwardEvent
		var action string
		err := rows.Scan(&event.UserID, &action, &event.Amount, &event.LevelsGained, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scanning award event: %w", err)
		}
		event.Action = domain.Action(action)
		events = append(events, event)
	}
	return events, nil
}

// ListProgress retrieves progress records ordered by total XP (for sync)
func (r *Repository) ListProgress(ctx context.Context, limit, offset int) ([]domain.Progress, error) {
	query := `
		SELECT user_id, level, xp, xp_required, total_xp, updated_at
		FROM user_progress
		ORDER BY total_xp DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing progress: %w", err)
	}
	defer rows.Close()

	var records []domain.Progress
	for rows.Next() {
		var progress domain.Progress
		err := rows.Scan(
			&progress.UserID,
			&progress.Level,
			&progress.XP,
			&progress.XPRequired,
			&progress.TotalXP,
			&progress.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning progress: %w", err)
		}
		progress.Hydrate()
		records = append(records, progress)
	}
	return records, nil
}

// CountUsers returns the total number of progress records
func (r *Repository) CountUsers(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM user_progress`
	var count int64
	err := r.pool.QueryRow(ctx, query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

// UserExists checks if a user has a progress record
func (r *Repository) UserExists(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM user_progress WHERE user_id = $1)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking user existence: %w", err)
	}
	return exists, nil
}
