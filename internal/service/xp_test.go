package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/vapr-xp/internal/config"
	"github.com/vapr-xp/internal/domain"
)

// fakeStore is an in-memory ProgressStore with the same optimistic
// concurrency behavior as the Postgres repository
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*storedRecord
	events    []domain.AwardEvent
	recordErr error
}

type storedRecord struct {
	progress domain.Progress
	version  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*storedRecord)}
}

func (f *fakeStore) CreateUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[userID]; !ok {
		f.records[userID] = &storedRecord{progress: *domain.NewProgress(userID)}
	}
	return nil
}

func (f *fakeStore) GetProgress(ctx context.Context, userID string) (*domain.Progress, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return nil, 0, domain.ErrUserNotFound
	}
	progress := rec.progress
	return &progress, rec.version, nil
}

func (f *fakeStore) UpdateProgressCAS(ctx context.Context, progress *domain.Progress, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[progress.UserID]
	if !ok || rec.version != expectedVersion {
		return domain.ErrVersionConflict
	}
	rec.progress = *progress
	rec.version++
	return nil
}

func (f *fakeStore) RecordAward(ctx context.Context, event domain.AwardEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) GetRecentAwards(ctx context.Context, userID string, limit int) ([]domain.AwardEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []domain.AwardEvent
	for i := len(f.events) - 1; i >= 0 && len(events) < limit; i-- {
		if f.events[i].UserID == userID {
			events = append(events, f.events[i])
		}
	}
	return events, nil
}

func (f *fakeStore) version(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[userID]; ok {
		return rec.version
	}
	return -1
}

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// fakeCache is an in-memory ProgressCache
type fakeCache struct {
	mu       sync.Mutex
	progress map[string]domain.Progress
}

func newFakeCache() *fakeCache {
	return &fakeCache{progress: make(map[string]domain.Progress)}
}

func (f *fakeCache) SetProgress(ctx context.Context, progress *domain.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[progress.UserID] = *progress
	return nil
}

func (f *fakeCache) GetProgress(ctx context.Context, userID string) (*domain.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress, ok := f.progress[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &progress, nil
}

func (f *fakeCache) GetTopN(ctx context.Context, n int) ([]domain.RankedUser, error) {
	return nil, nil
}

func (f *fakeCache) GetRank(ctx context.Context, userID string) (*domain.RankedUser, error) {
	return nil, domain.ErrUserNotFound
}

func (f *fakeCache) GetCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.progress)), nil
}

func newTestService(store ProgressStore, cache ProgressCache) *XPService {
	cfg := &config.XPConfig{CASRetries: 5, DefaultLimit: 100, MaxLimit: 1000}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewXPService(store, cache, cfg, logger)
}

func TestAwardXPUnknownUser(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	_, err := svc.AwardXP(context.Background(), "nobody", 20)
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestAwardXPRejectsNegativeAmount(t *testing.T) {
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	svc := newTestService(store, nil)

	_, err := svc.AwardXP(context.Background(), "u1", -50)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if store.version("u1") != 0 {
		t.Fatal("rejected award wrote to the store")
	}
}

func TestAwardXPLevelUp(t *testing.T) {
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	svc := newTestService(store, nil)

	progress, err := svc.AwardXP(context.Background(), "u1", 700)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if progress.Level != 1 || progress.XP != 0 || progress.XPRequired != 770 {
		t.Fatalf("got (%d, %v, %v), want (1, 0, 770)", progress.Level, progress.XP, progress.XPRequired)
	}

	stored, _, err := store.GetProgress(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Level != 1 || stored.XP != 0 || stored.XPRequired != 770 {
		t.Fatalf("persisted state (%d, %v, %v), want (1, 0, 770)", stored.Level, stored.XP, stored.XPRequired)
	}
}

func TestAwardActionUsesTable(t *testing.T) {
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	svc := newTestService(store, nil)

	progress, err := svc.AwardAction(context.Background(), "u1", domain.ActionPost)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if progress.XP != 450 {
		t.Fatalf("xp = %v, want 450", progress.XP)
	}

	events, err := svc.GetRecentAwards(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("recent awards: %v", err)
	}
	if len(events) != 1 || events[0].Action != domain.ActionPost || events[0].Amount != 450 {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestAwardZeroSkipsWrite(t *testing.T) {
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	svc := newTestService(store, nil)

	progress, err := svc.AwardXP(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if progress.Level != 0 || progress.XP != 0 {
		t.Fatalf("zero award changed state: %+v", progress)
	}
	if store.version("u1") != 0 {
		t.Fatal("zero award wrote to the store")
	}
	if store.eventCount() != 0 {
		t.Fatal("zero award recorded an event")
	}
}

func TestAwardSurvivesAuditFailure(t *testing.T) {
	// XP is cosmetic but the award itself is not: a failing audit insert
	// must not roll back or fail the award
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	store.recordErr = errors.New("audit table on fire")
	svc := newTestService(store, nil)

	progress, err := svc.AwardXP(context.Background(), "u1", 20)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if progress.XP != 20 {
		t.Fatalf("xp = %v, want 20", progress.XP)
	}
	if store.version("u1") != 1 {
		t.Fatal("award was not persisted")
	}
}

func TestConcurrentAwardsLoseNothing(t *testing.T) {
	// Two concurrent 400 XP awards from (0, 0, 700) must both land:
	// cumulative 800 XP crosses the threshold once
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	svc := newTestService(store, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AwardXP(context.Background(), "u1", 400)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("award %d: %v", i, err)
		}
	}

	progress, _, err := store.GetProgress(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if progress.Level != 1 || progress.XP != 100 || progress.XPRequired != 770 {
		t.Fatalf("got (%d, %v, %v), want (1, 100, 770)", progress.Level, progress.XP, progress.XPRequired)
	}
	if progress.TotalXP != 800 {
		t.Fatalf("total xp = %v, want 800", progress.TotalXP)
	}
}

func TestAwardBatchContinuesOnError(t *testing.T) {
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	svc := newTestService(store, nil)

	batch := domain.BatchAwardRequest{Awards: []domain.AwardRequest{
		{UserID: "ghost", Action: domain.ActionLike},
		{UserID: "u1", Action: domain.ActionLike},
	}}

	if err := svc.AwardBatch(context.Background(), batch); err != nil {
		t.Fatalf("batch: %v", err)
	}

	progress, _, err := store.GetProgress(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if progress.XP != 20 {
		t.Fatalf("xp = %v, want 20 despite earlier batch failure", progress.XP)
	}
}

func TestRegisterUserIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	if _, err := svc.RegisterUser(context.Background(), "u1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.AwardXP(context.Background(), "u1", 100); err != nil {
		t.Fatalf("award: %v", err)
	}

	// Re-registering must not reset progression
	progress, err := svc.RegisterUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if progress.XP != 100 {
		t.Fatalf("re-registration reset progress: xp = %v, want 100", progress.XP)
	}
}

func TestGetProgressPrefersCache(t *testing.T) {
	store := newFakeStore()
	store.CreateUser(context.Background(), "u1")
	cache := newFakeCache()
	svc := newTestService(store, cache)

	// Miss falls back to the store and backfills the cache
	progress, err := svc.GetProgress(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if progress.XPRequired != domain.BaseXPRequired {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	if _, err := cache.GetProgress(context.Background(), "u1"); err != nil {
		t.Fatal("store read did not backfill the cache")
	}

	// Cache updates after awards are what readers see
	if _, err := svc.AwardXP(context.Background(), "u1", 20); err != nil {
		t.Fatalf("award: %v", err)
	}
	cached, err := cache.GetProgress(context.Background(), "u1")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if cached.XP != 20 {
		t.Fatalf("cached xp = %v, want 20", cached.XP)
	}
}
