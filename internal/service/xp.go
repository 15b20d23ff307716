package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vapr-xp/internal/config"
	"github.com/vapr-xp/internal/domain"
)

// ProgressStore is the durable store for user progression records
type ProgressStore interface {
	CreateUser(ctx context.Context, userID string) error
	GetProgress(ctx context.Context, userID string) (*domain.Progress, int64, error)
	UpdateProgressCAS(ctx context.Context, progress *domain.Progress, expectedVersion int64) error
	RecordAward(ctx context.Context, event domain.AwardEvent) error
	GetRecentAwards(ctx context.Context, userID string, limit int) ([]domain.AwardEvent, error)
}

// ProgressCache is the read-side cache and leaderboard
type ProgressCache interface {
	SetProgress(ctx context.Context, progress *domain.Progress) error
	GetProgress(ctx context.Context, userID string) (*domain.Progress, error)
	GetTopN(ctx context.Context, n int) ([]domain.RankedUser, error)
	GetRank(ctx context.Context, userID string) (*domain.RankedUser, error)
	GetCount(ctx context.Context) (int64, error)
}

// Broadcaster pushes progress changes to connected clients
type Broadcaster interface {
	BroadcastProgress(progress domain.Progress)
	BroadcastLevelUp(progress domain.Progress, levelsGained int)
}

// XPService applies XP awards and resolves level-ups
type XPService struct {
	store  ProgressStore
	cache  ProgressCache
	config *config.XPConfig
	logger *slog.Logger
	hub    Broadcaster
}

// NewXPService creates a new XP service
func NewXPService(store ProgressStore, cache ProgressCache, cfg *config.XPConfig, logger *slog.Logger) *XPService {
	return &XPService{
		store:  store,
		cache:  cache,
		config: cfg,
		logger: logger,
	}
}

// SetHub sets the broadcaster used for progress notifications
func (s *XPService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// RegisterUser seeds a progress record for a new user. Registering an
// already known user leaves their progression untouched.
func (s *XPService) RegisterUser(ctx context.Context, userID string) (*domain.Progress, error) {
	if userID == "" {
		return nil, domain.ErrInvalidRequest
	}

	if err := s.store.CreateUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("registering user: %w", err)
	}

	progress, _, err := s.store.GetProgress(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetProgress(ctx, progress); err != nil {
			s.logger.Warn("failed to cache new user progress", "user_id", userID, "error", err)
		}
	}
	return progress, nil
}

// Award applies an XP award request to a user
func (s *XPService) Award(ctx context.Context, req domain.AwardRequest) (*domain.Progress, error) {
	if req.UserID == "" {
		return nil, domain.ErrInvalidRequest
	}

	amount, err := req.ResolveAmount()
	if err != nil {
		return nil, err
	}

	return s.award(ctx, req.UserID, req.Action, amount)
}

// AwardXP applies a raw XP amount to a user
func (s *XPService) AwardXP(ctx context.Context, userID string, amount float64) (*domain.Progress, error) {
	if userID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	return s.award(ctx, userID, "", amount)
}

// AwardAction applies the table amount for a qualifying action to a user
func (s *XPService) AwardAction(ctx context.Context, userID string, action domain.Action) (*domain.Progress, error) {
	if userID == "" {
		return nil, domain.ErrInvalidRequest
	}
	amount, err := domain.AmountFor(action)
	if err != nil {
		return nil, err
	}
	return s.award(ctx, userID, action, amount)
}

// award runs the read-apply-CAS loop. The write retries a bounded number
// of times when concurrent awards move the version underneath us, so no
// award is lost and the progression invariants hold.
func (s *XPService) award(ctx context.Context, userID string, action domain.Action, amount float64) (*domain.Progress, error) {
	retries := s.config.CASRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		progress, version, err := s.store.GetProgress(ctx, userID)
		if err != nil {
			return nil, err
		}

		// A zero award changes nothing; skip the write entirely
		if amount == 0 {
			return progress, nil
		}

		levels, err := progress.Apply(amount)
		if err != nil {
			return nil, err
		}

		err = s.store.UpdateProgressCAS(ctx, progress, version)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persisting progress: %w", err)
		}

		s.afterAward(ctx, progress, action, amount, levels)
		return progress, nil
	}

	return nil, fmt.Errorf("award for user %s: %w", userID, domain.ErrVersionConflict)
}

// afterAward handles the bookkeeping that follows a committed award. XP is
// cosmetic progression, so none of this may fail the award itself; failures
// are logged and the award stands.
func (s *XPService) afterAward(ctx context.Context, progress *domain.Progress, action domain.Action, amount float64, levels int) {
	event := domain.AwardEvent{
		UserID:       progress.UserID,
		Action:       action,
		Amount:       amount,
		LevelsGained: levels,
		Timestamp:    time.Now(),
	}
	if err := s.store.RecordAward(ctx, event); err != nil {
		s.logger.Warn("failed to record award event", "user_id", progress.UserID, "error", err)
	}

	if s.cache != nil {
		if err := s.cache.SetProgress(ctx, progress); err != nil {
			s.logger.Warn("failed to cache progress", "user_id", progress.UserID, "error", err)
		}
	}

	if s.hub != nil {
		s.hub.BroadcastProgress(*progress)
		if levels > 0 {
			s.hub.BroadcastLevelUp(*progress, levels)
		}
	}
}

// AwardBatch applies multiple awards. Individual failures are logged and
// do not stop the rest of the batch.
func (s *XPService) AwardBatch(ctx context.Context, batch domain.BatchAwardRequest) error {
	for _, req := range batch.Awards {
		if _, err := s.Award(ctx, req); err != nil {
			s.logger.Error("failed to apply award in batch",
				"user_id", req.UserID,
				"action", req.Action,
				"error", err,
			)
			// Continue processing other awards
		}
	}
	return nil
}

// GetProgress returns a user's current progression, preferring the cache
func (s *XPService) GetProgress(ctx context.Context, userID string) (*domain.Progress, error) {
	if s.cache != nil {
		progress, err := s.cache.GetProgress(ctx, userID)
		if err == nil {
			return progress, nil
		}
		if !domain.IsNotFoundError(err) {
			s.logger.Warn("progress cache read failed", "user_id", userID, "error", err)
		}
	}

	progress, _, err := s.store.GetProgress(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetProgress(ctx, progress); err != nil {
			s.logger.Warn("failed to backfill progress cache", "user_id", userID, "error", err)
		}
	}
	return progress, nil
}

// GetRecentAwards returns the most recent awards for a user
func (s *XPService) GetRecentAwards(ctx context.Context, userID string, limit int) ([]domain.AwardEvent, error) {
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	return s.store.GetRecentAwards(ctx, userID, limit)
}

// GetLeaderboard returns the top N users by lifetime XP, enriched with
// their current level where the cache has it
func (s *XPService) GetLeaderboard(ctx context.Context, n int) ([]domain.RankedUser, error) {
	if s.cache == nil {
		return nil, domain.ErrInternalError
	}

	if n <= 0 {
		n = s.config.DefaultLimit
	}
	if n > s.config.MaxLimit {
		n = s.config.MaxLimit
	}

	entries, err := s.cache.GetTopN(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("getting leaderboard: %w", err)
	}

	for i := range entries {
		progress, err := s.cache.GetProgress(ctx, entries[i].UserID)
		if err != nil {
			continue
		}
		entries[i].Level = progress.Level
	}
	return entries, nil
}

// GetUserRank returns a user's leaderboard position
func (s *XPService) GetUserRank(ctx context.Context, userID string) (*domain.RankedUser, error) {
	if s.cache == nil {
		return nil, domain.ErrInternalError
	}

	entry, err := s.cache.GetRank(ctx, userID)
	if err != nil {
		return nil, err
	}

	if progress, err := s.cache.GetProgress(ctx, userID); err == nil {
		entry.Level = progress.Level
	}
	return entry, nil
}

// GetUserCount returns the number of users on the leaderboard
func (s *XPService) GetUserCount(ctx context.Context) (int64, error) {
	if s.cache == nil {
		return 0, domain.ErrInternalError
	}
	return s.cache.GetCount(ctx)
}
