package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"orthanc-orchestrator/internal/faults"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Causes attached to a cancelled route job. ErrRouteCancelled covers
// deletion and a newer job for the same study; ErrRouterClosed is shutdown.
var (
	ErrRouteCancelled = errors.New("route cancelled")
	ErrRouterClosed   = errors.New("router closed")
)

// Sender performs one C-STORE of a resource to a named modality.
type Sender interface {
	StoreToModality(ctx context.Context, modality, resourceID string) error
}

// WaitFunc sleeps for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RouterOptions for NewRouter.
type RouterOptions struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Wait replaces the backoff sleep, e.g. in tests
	Wait WaitFunc
}

// RouteResult is the outcome of sending one study to one target.
type RouteResult struct {
	Target    string          `json:"target"`
	Attempts  int             `json:"attempts"`
	Backoffs  []time.Duration `json:"backoffs,omitempty"`
	// Err is the cancel cause when Cancelled is set
	Err       error           `json:"-"`
	Cancelled bool            `json:"cancelled,omitempty"`
}

// Router sends studies to route targets, retrying transient failures with
// exponential backoff. Each study has its own job and cancellable context.
type Router struct {
	sender Sender
	logger *zap.Logger
	opts   RouterOptions

	mu   sync.Mutex
	jobs map[string]*routeJob
	wg   sync.WaitGroup
}

type routeJob struct {
	id     string
	cancel context.CancelCauseFunc
}

func NewRouter(sender Sender, logger *zap.Logger, opts RouterOptions) *Router {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.Wait == nil {
		opts.Wait = sleep
	}
	return &Router{
		sender: sender,
		logger: logger,
		opts:   opts,
		jobs:   make(map[string]*routeJob),
	}
}

// Backoff returns the delay before attempt n+1, n >= 1.
func (r *Router) Backoff(n int) time.Duration {
	d := r.opts.BackoffInitial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.opts.BackoffMax {
			return r.opts.BackoffMax
		}
	}
	return d
}

// Route starts a job sending studyID to every target in order and calls done
// with the results from the job goroutine. A job already running for the
// study is cancelled first.
func (r *Router) Route(studyID string, targets []string, done func([]RouteResult)) string {
	ctx, cancel := context.WithCancelCause(context.Background())
	job := &routeJob{id: uuid.NewString(), cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.jobs[studyID]; ok {
		prev.cancel(ErrRouteCancelled)
	}
	r.jobs[studyID] = job
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel(nil)

		results := make([]RouteResult, 0, len(targets))
		for _, target := range targets {
			res := r.send(ctx, job.id, studyID, target)
			results = append(results, res)
			if res.Cancelled {
				break
			}
		}

		r.mu.Lock()
		if r.jobs[studyID] == job {
			delete(r.jobs, studyID)
		}
		r.mu.Unlock()

		if done != nil {
			done(results)
		}
	}()
	return job.id
}

func (r *Router) send(ctx context.Context, jobID, studyID, target string) RouteResult {
	res := RouteResult{Target: target}
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Err = context.Cause(ctx)
			return res
		}
		res.Attempts = attempt
		err := r.sender.StoreToModality(ctx, target, studyID)
		if err == nil {
			r.logger.Info("Study routed",
				zap.String("study_id", studyID),
				zap.String("target", target),
				zap.Int("attempt", attempt),
				zap.String("job_id", jobID),
			)
			res.Err = nil
			return res
		}
		res.Err = err
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			res.Cancelled = true
			res.Err = context.Cause(ctx)
			return res
		}
		if !faults.IsTransient(err) {
			r.logger.Error("Route failed permanently",
				zap.String("study_id", studyID),
				zap.String("target", target),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return res
		}
		if attempt == r.opts.MaxAttempts {
			break
		}

		backoff := r.Backoff(attempt)
		res.Backoffs = append(res.Backoffs, backoff)
		r.logger.Warn("Route attempt failed, retrying",
			zap.String("study_id", studyID),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if werr := r.opts.Wait(ctx, backoff); werr != nil {
			res.Cancelled = true
			res.Err = context.Cause(ctx)
			if res.Err == nil {
				res.Err = werr
			}
			return res
		}
	}
	r.logger.Error("Route attempts exhausted",
		zap.String("study_id", studyID),
		zap.String("target", target),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err),
	)
	return res
}

// Cancel stops the pending job for studyID; it reports whether one existed.
func (r *Router) Cancel(studyID string) bool {
	r.mu.Lock()
	job, ok := r.jobs[studyID]
	if ok {
		delete(r.jobs, studyID)
	}
	r.mu.Unlock()
	if ok {
		job.cancel(ErrRouteCancelled)
		r.logger.Info("Route job cancelled", zap.String("study_id", studyID), zap.String("job_id", job.id))
	}
	return ok
}

// Pending returns the number of running jobs.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Close cancels every job with ErrRouterClosed and waits for them until ctx
// ends.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	for id, job := range r.jobs {
		job.cancel(ErrRouterClosed)
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
