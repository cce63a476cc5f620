package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/idempotency"
	"orthanc-orchestrator/internal/models"

	"go.uber.org/zap"
)

// Handler reacts to one kind of change event. Name must be stable across
// restarts since it is part of the idempotency key.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev models.ChangeEvent) error
}

type funcHandler struct {
	name string
	fn   func(context.Context, models.ChangeEvent) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, ev models.ChangeEvent) error { return h.fn(ctx, ev) }

// HandlerFunc adapts a function to Handler.
func HandlerFunc(name string, fn func(context.Context, models.ChangeEvent) error) Handler {
	return funcHandler{name: name, fn: fn}
}

// Route binds handlers to a change kind. Handlers run in slice order.
type Route struct {
	Kind     models.ChangeKind
	Handlers []Handler
}

// Options for NewAdapter.
type Options struct {
	// Timeout bounds how long Dispatch blocks the caller
	Timeout time.Duration
	// MarkTTL is the lifetime of idempotency marks
	MarkTTL time.Duration
	// MaxFailures is the size of the failure ring
	MaxFailures int
}

// Stats counters since start.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Handled    uint64 `json:"handled"`
	Duplicates uint64 `json:"duplicates"`
	Failures   uint64 `json:"failures"`
	Timeouts   uint64 `json:"timeouts"`
	Dropped    uint64 `json:"dropped"`
	Lanes      int    `json:"lanes"`
}

// Adapter dispatches change events to handlers. Events for the same
// resource run one at a time in arrival order; different resources run
// concurrently.
type Adapter struct {
	logger   *zap.Logger
	marks    idempotency.Marks
	opts     Options
	routes   map[models.ChangeKind][]Handler
	failures *failureRing

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	dispatched atomic.Uint64
	handled    atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64
	timeouts   atomic.Uint64
	dropped    atomic.Uint64
}

type lane struct {
	queue []pending
}

type pending struct {
	ev   models.ChangeEvent
	done chan struct{}
}

// NewAdapter builds the adapter with a fixed route table.
func NewAdapter(logger *zap.Logger, marks idempotency.Marks, opts Options, routes ...Route) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MarkTTL <= 0 {
		opts.MarkTTL = 72 * time.Hour
	}
	table := make(map[models.ChangeKind][]Handler, len(routes))
	for _, r := range routes {
		table[r.Kind] = append(table[r.Kind], r.Handlers...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		logger:   logger,
		marks:    marks,
		opts:     opts,
		routes:   table,
		failures: newFailureRing(opts.MaxFailures),
		baseCtx:  ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
	}
}

// MarkKey is the idempotency key for one handler and one event.
func MarkKey(handler string, kind models.ChangeKind, resourceID string) string {
	return fmt.Sprintf("handled:%s:%s:%s", handler, kind, resourceID)
}

// Dispatch queues ev on its resource lane and waits for it at most
// Options.Timeout. It never returns handler errors.
func (a *Adapter) Dispatch(ctx context.Context, ev models.ChangeEvent) {
	a.dispatched.Add(1)
	if len(a.routes[ev.Kind]) == 0 {
		a.logger.Debug("No handlers for change", zap.String("change_type", string(ev.Kind)), zap.String("resource_id", ev.ResourceID))
		return
	}

	p := pending{ev: ev, done: make(chan struct{})}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.dropped.Add(1)
		a.logger.Error("Change dropped, adapter closed", zap.String("event", ev.String()))
		return
	}
	l, running := a.lanes[ev.ResourceID]
	if !running {
		l = &lane{}
		a.lanes[ev.ResourceID] = l
		a.wg.Add(1)
		go a.drain(ev.ResourceID, l)
	}
	l.queue = append(l.queue, p)
	a.mu.Unlock()

	timer := time.NewTimer(a.opts.Timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		a.timeouts.Add(1)
		a.logger.Warn("Dispatch timed out, event continues in background",
			zap.String("event", ev.String()),
			zap.Duration("timeout", a.opts.Timeout),
		)
	case <-ctx.Done():
		a.timeouts.Add(1)
		a.logger.Warn("Dispatch caller gave up, event continues in background",
			zap.String("event", ev.String()),
			zap.Error(ctx.Err()),
		)
	}
}

func (a *Adapter) drain(key string, l *lane) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		if len(l.queue) == 0 {
			delete(a.lanes, key)
			a.mu.Unlock()
			return
		}
		p := l.queue[0]
		l.queue[0] = pending{}
		l.queue = l.queue[1:]
		a.mu.Unlock()

		for _, h := range a.routes[p.ev.Kind] {
			a.run(h, p.ev)
		}
		close(p.done)
	}
}

func (a *Adapter) run(h Handler, ev models.ChangeEvent) {
	ctx := a.baseCtx
	key := MarkKey(h.Name(), ev.Kind, ev.ResourceID)

	claimed, err := a.marks.MarkOnce(ctx, key, a.opts.MarkTTL)
	if err != nil {
		a.fail(h, ev, faults.Unavailable("claim idempotency mark", err))
		return
	}
	if !claimed {
		a.duplicates.Add(1)
		a.logger.Debug("Skipping already handled change", zap.String("handler", h.Name()), zap.String("event", ev.String()))
		return
	}

	if err := invoke(ctx, h, ev); err != nil {
		if relErr := a.marks.Release(ctx, key); relErr != nil {
			a.logger.Warn("Failed to release idempotency mark", zap.String("key", key), zap.Error(relErr))
		}
		a.fail(h, ev, err)
		return
	}
	a.handled.Add(1)
}

func invoke(ctx context.Context, h Handler, ev models.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.HandlerFault(h.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	return h.Handle(ctx, ev)
}

func (a *Adapter) fail(h Handler, ev models.ChangeEvent, err error) {
	kind := faults.KindOf(err)
	if kind == "" {
		kind = faults.KindHandlerFault
	}
	a.failed.Add(1)
	a.failures.add(HandlerFailure{
		Handler: h.Name(),
		Event:   ev,
		Kind:    kind,
		Cause:   err.Error(),
		At:      time.Now().UTC(),
	})
	a.logger.Error("Change handler failed",
		zap.String("handler", h.Name()),
		zap.String("change_type", string(ev.Kind)),
		zap.String("resource_id", ev.ResourceID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
}

// Failures returns recorded handler failures, oldest first.
func (a *Adapter) Failures() []HandlerFailure {
	return a.failures.snapshot()
}

func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	lanes := len(a.lanes)
	a.mu.Unlock()
	return Stats{
		Dispatched: a.dispatched.Load(),
		Handled:    a.handled.Load(),
		Duplicates: a.duplicates.Load(),
		Failures:   a.failed.Load(),
		Timeouts:   a.timeouts.Load(),
		Dropped:    a.dropped.Load(),
		Lanes:      lanes,
	}
}

// Close stops accepting events and waits for queued ones until ctx ends.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	defer a.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("event lanes still running"), ctx.Err())
	}
}
