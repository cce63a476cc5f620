package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"orthanc-orchestrator/internal/models"

	"go.uber.org/zap"
)

// FailMode decides what a predicate error means.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ParseFailMode defaults to FailClosed for anything but "open".
func ParseFailMode(s string) FailMode {
	if s == string(FailOpen) {
		return FailOpen
	}
	return FailClosed
}

const timeoutReason = "filter timeout"

// Stats counters since start.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Errors   uint64 `json:"errors"`
	Timeouts uint64 `json:"timeouts"`
}

// Filter is the pre-store gate: a conjunction of predicates evaluated in
// order. It is safe for concurrent use.
type Filter struct {
	predicates []Predicate
	failMode   FailMode
	timeout    time.Duration
	logger     *zap.Logger

	accepted atomic.Uint64
	rejected atomic.Uint64
	errors   atomic.Uint64
	timeouts atomic.Uint64
}

func NewFilter(logger *zap.Logger, failMode FailMode, timeout time.Duration, predicates ...Predicate) *Filter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Filter{
		predicates: predicates,
		failMode:   failMode,
		timeout:    timeout,
		logger:     logger,
	}
}

// ShouldAccept decides within the filter timeout; running out of time is a
// reject.
func (f *Filter) ShouldAccept(ctx context.Context, candidate models.InstanceMetadata, origin string) models.IngestDecision {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var decided atomic.Bool
	out := make(chan models.IngestDecision, 1)
	go func() {
		d, held := f.evaluate(ctx, candidate, origin)
		if ctx.Err() != nil {
			undo(held)
			held = nil
			d = models.IngestDecision{Accept: false, Reason: timeoutReason}
		}
		if decided.CompareAndSwap(false, true) {
			out <- d
			return
		}
		// the caller already got a timeout reject
		undo(held)
	}()

	var d models.IngestDecision
	select {
	case d = <-out:
	case <-ctx.Done():
		if decided.CompareAndSwap(false, true) {
			d = models.IngestDecision{Accept: false, Reason: timeoutReason}
		} else {
			d = <-out
		}
	}

	if d.Reason == timeoutReason {
		f.timeouts.Add(1)
	}
	if d.Accept {
		f.accepted.Add(1)
	} else {
		f.rejected.Add(1)
		f.logger.Info("Instance rejected",
			zap.String("origin", origin),
			zap.String("sop_instance_uid", candidate.SOPInstanceUID),
			zap.String("modality", candidate.Modality),
			zap.String("reason", d.Reason),
		)
	}
	return d
}

// evaluate returns the decision and, for an accept, the reservations it holds.
func (f *Filter) evaluate(ctx context.Context, candidate models.InstanceMetadata, origin string) (d models.IngestDecision, held []reserver) {
	var current Predicate
	defer func() {
		if r := recover(); r != nil {
			undo(held)
			held = nil
			d = f.onError(current, fmt.Errorf("panic: %v", r))
		}
	}()

	for _, p := range f.predicates {
		current = p
		v, err := p.Check(ctx, candidate, origin)
		if err != nil {
			d = f.onError(p, err)
			if !d.Accept {
				undo(held)
				return d, nil
			}
			continue
		}
		if !v.Pass {
			undo(held)
			return models.IngestDecision{Accept: false, Reason: p.Name() + ": " + v.Detail}, nil
		}
		if r, ok := p.(reserver); ok {
			held = append(held, r)
		}
	}
	if d.Reason != "" {
		return d, held
	}
	return models.IngestDecision{Accept: true}, held
}

func (f *Filter) onError(p Predicate, err error) models.IngestDecision {
	f.errors.Add(1)
	name := "filter"
	if p != nil {
		name = p.Name()
	}
	f.logger.Warn("Ingest predicate failed",
		zap.String("predicate", name),
		zap.String("fail_mode", string(f.failMode)),
		zap.Error(err),
	)
	if f.failMode == FailOpen {
		return models.IngestDecision{Accept: true, Reason: fmt.Sprintf("%s: check failed, accepted: %v", name, err)}
	}
	return models.IngestDecision{Accept: false, Reason: fmt.Sprintf("%s: check failed: %v", name, err)}
}

func undo(held []reserver) {
	for _, r := range held {
		r.Unreserve()
	}
}

func (f *Filter) Stats() Stats {
	return Stats{
		Accepted: f.accepted.Load(),
		Rejected: f.rejected.Load(),
		Errors:   f.errors.Load(),
		Timeouts: f.timeouts.Load(),
	}
}

// Predicates returns the configured predicate names in evaluation order.
func (f *Filter) Predicates() []string {
	names := make([]string, len(f.predicates))
	for i, p := range f.predicates {
		names[i] = p.Name()
	}
	return names
}
