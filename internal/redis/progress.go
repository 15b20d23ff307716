package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vapr-xp/internal/config"
	"github.com/vapr-xp/internal/domain"
)

// leaderboardKey is the sorted set ranking users by lifetime XP
const leaderboardKey = "xp:leaderboard"

// ProgressService provides Redis-based progress caching and the XP leaderboard
type ProgressService struct {
	client *redis.Client
	logger *slog.Logger
}

// NewProgressService creates a new Redis progress service
func NewProgressService(cfg *config.RedisConfig, logger *slog.Logger) (*ProgressService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &ProgressService{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (s *ProgressService) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *ProgressService) Client() *redis.Client {
	return s.client
}

// progressKey returns the Redis key for a user's cached progress
func (s *ProgressService) progressKey(userID string) string {
	return fmt.Sprintf("xp:progress:%s", userID)
}

// SetProgress caches a user's progress and updates the leaderboard
func (s *ProgressService) SetProgress(ctx context.Context, progress *domain.Progress) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.progressKey(progress.UserID),
		"level", progress.Level,
		"xp", progress.XP,
		"xp_required", progress.XPRequired,
		"total_xp", progress.TotalXP,
	)
	pipe.ZAdd(ctx, leaderboardKey, redis.Z{
		Score:  progress.TotalXP,
		Member: progress.UserID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching progress: %w", err)
	}
	return nil
}

// GetProgress retrieves a user's cached progress. A cache miss is reported
// as ErrUserNotFound; callers fall back to the durable store.
func (s *ProgressService) GetProgress(ctx context.Context, userID string) (*domain.Progress, error) {
	result, err := s.client.HGetAll(ctx, s.progressKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting cached progress: %w", err)
	}
	if len(result) == 0 {
		return nil, domain.ErrUserNotFound
	}

	level, _ := strconv.Atoi(result["level"])
	xp, _ := strconv.ParseFloat(result["xp"], 64)
	xpRequired, _ := strconv.ParseFloat(result["xp_required"], 64)
	totalXP, _ := strconv.ParseFloat(result["total_xp"], 64)

	progress := &domain.Progress{
		UserID:     userID,
		Level:      level,
		XP:         xp,
		XPRequired: xpRequired,
		TotalXP:    totalXP,
	}
	progress.Hydrate()
	return progress, nil
}

// RemoveUser drops a user from the cache and the leaderboard
func (s *ProgressService) RemoveUser(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.progressKey(userID))
	pipe.ZRem(ctx, leaderboardKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing user: %w", err)
	}
	return nil
}

// GetTopN returns the top N users by lifetime XP
func (s *ProgressService) GetTopN(ctx context.Context, n int) ([]domain.RankedUser, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, leaderboardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	entries := make([]domain.RankedUser, len(results))
	for i, result := range results {
		entries[i] = domain.RankedUser{
			Rank:    int64(i + 1),
			UserID:  result.Member.(string),
			TotalXP: result.Score,
		}
	}
	return entries, nil
}

// GetRank returns a user's leaderboard rank and lifetime XP
func (s *ProgressService) GetRank(ctx context.Context, userID string) (*domain.RankedUser, error) {
	// Use pipeline to get both rank and score
	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, leaderboardKey, userID)
	scoreCmd := pipe.ZScore(ctx, leaderboardKey, userID)
	_, err := pipe.Exec(ctx)

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}

	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	return &domain.RankedUser{
		Rank:    rank + 1, // Convert 0-indexed to 1-indexed
		UserID:  userID,
		TotalXP: score,
	}, nil
}

// GetCount returns the total number of users on the leaderboard
func (s *ProgressService) GetCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, leaderboardKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// BatchSetProgress caches multiple progress records using pipelining
func (s *ProgressService) BatchSetProgress(ctx context.Context, records []domain.Progress) error {
	if len(records) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, progress := range records {
		pipe.HSet(ctx, s.progressKey(progress.UserID),
			"level", progress.Level,
			"xp", progress.XP,
			"xp_required", progress.XPRequired,
			"total_xp", progress.TotalXP,
		)
		pipe.ZAdd(ctx, leaderboardKey, redis.Z{
			Score:  progress.TotalXP,
			Member: progress.UserID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch caching progress: %w", err)
	}
	return nil
}
