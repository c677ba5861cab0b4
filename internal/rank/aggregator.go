// Package rank maintains the per-competition leaderboard derived from
// finished uploads.
package rank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/transhub/cceval/internal/competition"
	"github.com/transhub/cceval/internal/coordinator"
	"github.com/transhub/cceval/internal/task"
)

const (
	// leaderboardTTL bounds how stale a cached leaderboard view may get.
	leaderboardTTL = 10 * time.Minute
	// deleteCooldown rate-limits self-service rank deletion.
	deleteCooldown = 12 * time.Hour
)

var (
	// ErrDeleteCooldown means the user already spent their deletion within
	// the cooldown window.
	ErrDeleteCooldown = errors.New("rank was already deleted recently")
	// ErrCompetitionClosed means deletion is frozen near or past the
	// competition's end.
	ErrCompetitionClosed = errors.New("competition is closed for rank deletion")
)

type cacheEntry struct {
	ranks    []*task.Rank
	cachedAt time.Time
}

// Aggregator folds each user's most recent upload into one leaderboard row
// and serves leaderboard reads through a short-lived cache.
type Aggregator struct {
	tasks task.Store
	ranks task.RankStore
	kv    coordinator.KVStore
	cfg   *competition.Config
	log   *slog.Logger

	cache *xsync.MapOf[string, cacheEntry]
	now   func() time.Time
}

func NewAggregator(tasks task.Store, ranks task.RankStore, kv coordinator.KVStore,
	cfg *competition.Config, log *slog.Logger) *Aggregator {
	return &Aggregator{
		tasks: tasks,
		ranks: ranks,
		kv:    kv,
		cfg:   cfg,
		log:   log,
		cache: xsync.NewMapOf[string, cacheEntry](),
		now:   time.Now,
	}
}

// OnTaskComplete re-aggregates the task's upload and upserts the rank row.
// It is idempotent: the result depends only on the stored tasks, never on
// which completion arrived last. The rank always reflects the user's most
// recent upload; completions of an older upload never overwrite it.
func (a *Aggregator) OnTaskComplete(ctx context.Context, t *task.Task, username string) error {
	siblings, err := a.tasks.ListUploadTasks(t.UploadID)
	if err != nil {
		return fmt.Errorf("list upload tasks: %w", err)
	}
	sum := task.SummarizeUpload(siblings)

	existing, err := a.ranks.GetRank(t.Competition, t.UserID)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return fmt.Errorf("load rank: %w", err)
	}
	if existing != nil && existing.UploadID != t.UploadID &&
		existing.UploadTime.After(t.CreatedAt) {
		a.log.Debug("skipping rank update for superseded upload",
			"upload", t.UploadID, "user", t.UserID)
		return nil
	}

	r := &task.Rank{
		UserID:      t.UserID,
		Username:    username,
		Competition: t.Competition,
		UploadID:    t.UploadID,
		Score:       sum.Score,
		Algorithm:   t.Algorithm,
		UploadTime:  t.CreatedAt,
	}
	if err := a.ranks.UpsertRank(r); err != nil {
		return fmt.Errorf("upsert rank: %w", err)
	}
	a.Invalidate(t.Competition)
	a.log.Info("rank updated",
		"task", t.ID, "user", t.UserID, "competition", t.Competition,
		"upload", t.UploadID, "score", sum.Score, "upload_status", sum.Status)
	return nil
}

func cacheKey(comp string, adminView bool) string {
	if adminView {
		return comp + "/admin"
	}
	return comp + "/public"
}

// Leaderboard serves the sorted rank rows for a competition from the cache,
// reading through to the store when the cached view expired. The public
// view strips identifiers students should not see.
func (a *Aggregator) Leaderboard(ctx context.Context, comp string, adminView bool) ([]*task.Rank, error) {
	key := cacheKey(comp, adminView)
	if e, ok := a.cache.Load(key); ok && a.now().Sub(e.cachedAt) < leaderboardTTL {
		return e.ranks, nil
	}

	rows, err := a.ranks.ListRanks(comp)
	if err != nil {
		return nil, fmt.Errorf("list ranks: %w", err)
	}
	if !adminView {
		redacted := make([]*task.Rank, len(rows))
		for i, r := range rows {
			cp := *r
			cp.UserID = ""
			cp.UploadID = ""
			redacted[i] = &cp
		}
		rows = redacted
	}
	a.cache.Store(key, cacheEntry{ranks: rows, cachedAt: a.now()})
	return rows, nil
}

// Invalidate drops both cached views of a competition's leaderboard.
func (a *Aggregator) Invalidate(comp string) {
	a.cache.Delete(cacheKey(comp, true))
	a.cache.Delete(cacheKey(comp, false))
}

func deleteLimitKey(comp, userID string) string {
	return fmt.Sprintf("rank_delete_limit:%s:%s", comp, userID)
}

// DeleteRank removes a user's leaderboard row. Non-admin deletion is a
// rate-limited resource gate, not an authorization decision: at most once
// per 12 hours, and never within the last 12 hours of - or after - the
// competition's end. Both cached views are invalidated on success.
func (a *Aggregator) DeleteRank(ctx context.Context, comp, userID string, isAdmin bool) error {
	if !isAdmin {
		c, err := a.cfg.Competition(comp)
		if err != nil {
			return err
		}
		now := a.now()
		if now.After(c.EndTime.Add(-deleteCooldown)) {
			return ErrCompetitionClosed
		}
		_, err = a.kv.Get(ctx, deleteLimitKey(comp, userID))
		if err == nil {
			return ErrDeleteCooldown
		}
		if !errors.Is(err, coordinator.ErrKeyMissing) {
			return fmt.Errorf("check delete limit: %w", err)
		}
	}

	if err := a.ranks.DeleteRank(comp, userID); err != nil {
		return err
	}
	if !isAdmin {
		// A failed delete must not burn the allowance, so the claim is
		// taken only once the row is actually gone.
		ok, err := a.kv.SetNX(ctx, deleteLimitKey(comp, userID), "1", deleteCooldown)
		if err != nil || !ok {
			a.log.Warn("failed to record delete cooldown",
				"user", userID, "competition", comp, "err", err)
		}
	}
	a.Invalidate(comp)
	a.log.Info("rank deleted", "user", userID, "competition", comp, "admin", isAdmin)
	return nil
}
