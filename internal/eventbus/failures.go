package eventbus

import (
	"fmt"
	"sync"
	"time"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"
)

// HandlerFailure is recorded when a handler returns an error or panics.
type HandlerFailure struct {
	Handler string             `json:"handler"`
	Event   models.ChangeEvent `json:"event"`
	Kind    faults.Kind        `json:"kind"`
	Cause   string             `json:"cause"`
	At      time.Time          `json:"at"`
}

func (f HandlerFailure) Error() string {
	return fmt.Sprintf("handler %s failed on %s: %s", f.Handler, f.Event, f.Cause)
}

// failureRing keeps the most recent failures, oldest first.
type failureRing struct {
	mu    sync.Mutex
	items []HandlerFailure
	next  int
	full  bool
}

func newFailureRing(size int) *failureRing {
	if size <= 0 {
		size = 256
	}
	return &failureRing{items: make([]HandlerFailure, size)}
}

func (r *failureRing) add(f HandlerFailure) {
	r.mu.Lock()
	r.items[r.next] = f
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *failureRing) snapshot() []HandlerFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]HandlerFailure(nil), r.items[:r.next]...)
	}
	out := make([]HandlerFailure, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
