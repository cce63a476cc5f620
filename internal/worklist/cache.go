package worklist

import (
	"context"
	"errors"
	"iter"
	"time"

	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/repository"
	"orthanc-orchestrator/internal/store"

	"go.uber.org/zap"
)

const cachePrefix = "worklist:"

type snapshot struct {
	StoredAt time.Time              `json:"stored_at"`
	Entries  []models.ScheduleEntry `json:"entries"`
}

// CachedSource serves scans from a KV snapshot no older than ttl and
// refills it from the backing store otherwise.
type CachedSource struct {
	source repository.ScheduleStore
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewCachedSource(source repository.ScheduleStore, kv store.KV, ttl time.Duration, logger *zap.Logger) *CachedSource {
	return &CachedSource{source: source, kv: kv, ttl: ttl, logger: logger, now: time.Now}
}

func cacheKey(f repository.ScheduleFilter) string {
	return cachePrefix + f.DateFrom + "-" + f.DateTo
}

func (c *CachedSource) Scan(ctx context.Context, filter repository.ScheduleFilter) iter.Seq2[models.ScheduleEntry, error] {
	return func(yield func(models.ScheduleEntry, error) bool) {
		key := cacheKey(filter)

		var snap snapshot
		err := store.GetJSON(ctx, c.kv, key, &snap)
		switch {
		case err == nil && c.now().Sub(snap.StoredAt) < c.ttl:
			for _, e := range snap.Entries {
				if !yield(e, nil) {
					return
				}
			}
			return
		case err != nil && !errors.Is(err, store.ErrMiss):
			c.logger.Warn("Worklist cache read failed", zap.String("key", key), zap.Error(err))
		}

		snap = snapshot{StoredAt: c.now().UTC()}
		for e, err := range c.source.Scan(ctx, filter) {
			if err != nil {
				yield(models.ScheduleEntry{}, err)
				return
			}
			snap.Entries = append(snap.Entries, e)
		}
		if err := store.SetJSON(ctx, c.kv, key, snap, c.ttl); err != nil {
			c.logger.Warn("Worklist cache write failed", zap.String("key", key), zap.Error(err))
		}
		for _, e := range snap.Entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Invalidate drops every cached snapshot.
func (c *CachedSource) Invalidate(ctx context.Context) error {
	keys, err := c.kv.ScanKeys(ctx, cachePrefix+"*")
	if err != nil {
		return err
	}
	return c.kv.Delete(ctx, keys...)
}
