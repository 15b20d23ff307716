package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vapr-xp/internal/config"
	"github.com/vapr-xp/internal/postgres"
	"github.com/vapr-xp/internal/redis"
)

// SyncWorker periodically rebuilds the Redis progress cache and XP
// leaderboard from PostgreSQL. Postgres is the source of truth; the
// cache can be dropped and recovered at any time.
type SyncWorker struct {
	redis    *redis.ProgressService
	postgres *postgres.Repository
	config   *config.SyncConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	redis *redis.ProgressService,
	postgres *postgres.Repository,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		redis:    redis,
		postgres: postgres,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.SyncFromDatabase(ctx); err != nil {
				w.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// SyncFromDatabase loads all progress records from PostgreSQL into the
// Redis cache and leaderboard, paging through the table in batches.
// Used for recovery on startup and on the periodic interval.
func (w *SyncWorker) SyncFromDatabase(ctx context.Context) error {
	w.logger.Info("starting sync cycle")
	startTime := time.Now()

	batchSize := w.config.BatchSize
	if batchSize == 0 {
		batchSize = 1000
	}

	synced := 0
	offset := 0

	for {
		records, err := w.postgres.ListProgress(ctx, batchSize, offset)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}

		if err := w.redis.BatchSetProgress(ctx, records); err != nil {
			return err
		}

		synced += len(records)
		offset += len(records)

		if len(records) < batchSize {
			break
		}
	}

	duration := time.Since(startTime)
	w.logger.Info("sync cycle completed",
		"duration", duration,
		"synced", synced,
	)
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single sync cycle (useful for manual triggers)
func (w *SyncWorker) RunOnce(ctx context.Context) {
	if err := w.SyncFromDatabase(ctx); err != nil {
		w.logger.Error("manual sync failed", "error", err)
	}
}
