package worklist

import (
	"context"
	"iter"
	"sync/atomic"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Resolver answers worklist queries. Query execution is bounded by its own
// pool so slow schedule lookups cannot starve other work.
type Resolver struct {
	source repository.ScheduleStore
	pool   *semaphore.Weighted
	logger *zap.Logger

	queries atomic.Uint64
	matched atomic.Uint64
	errors  atomic.Uint64
}

func NewResolver(source repository.ScheduleStore, workers int, logger *zap.Logger) *Resolver {
	if workers <= 0 {
		workers = 1
	}
	return &Resolver{
		source: source,
		pool:   semaphore.NewWeighted(int64(workers)),
		logger: logger,
	}
}

// Resolve returns a lazy sequence of matching entries. Each iteration
// re-reads the source; breaking out early releases the pool slot and the
// underlying cursor. No match is an empty sequence.
func (r *Resolver) Resolve(ctx context.Context, q models.WorklistQuery) iter.Seq2[models.ScheduleEntry, error] {
	return func(yield func(models.ScheduleEntry, error) bool) {
		if err := r.pool.Acquire(ctx, 1); err != nil {
			r.errors.Add(1)
			yield(models.ScheduleEntry{}, faults.Unavailable("worklist pool", err))
			return
		}
		defer r.pool.Release(1)

		r.queries.Add(1)
		r.logger.Info("Worklist query",
			zap.String("issuer_aet", q.IssuerAET),
			zap.String("called_aet", q.CalledAET),
			zap.Any("matching_keys", q.MatchingKeys),
		)

		for e, err := range r.source.Scan(ctx, pushdown(q.MatchingKeys)) {
			if err != nil {
				r.errors.Add(1)
				if faults.KindOf(err) == "" {
					err = faults.Unavailable("worklist scan", err)
				}
				yield(models.ScheduleEntry{}, err)
				return
			}
			if !Match(q.MatchingKeys, e) {
				continue
			}
			r.matched.Add(1)
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Collect drains Resolve into a slice, stopping after limit entries when
// limit > 0.
func (r *Resolver) Collect(ctx context.Context, q models.WorklistQuery, limit int) ([]models.ScheduleEntry, error) {
	out := []models.ScheduleEntry{}
	for e, err := range r.Resolve(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats counters since start.
type Stats struct {
	Queries uint64 `json:"queries"`
	Matched uint64 `json:"matched"`
	Errors  uint64 `json:"errors"`
}

func (r *Resolver) Stats() Stats {
	return Stats{Queries: r.queries.Load(), Matched: r.matched.Load(), Errors: r.errors.Load()}
}
