package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/orthanc"
)

// Verdict of a single predicate.
type Verdict struct {
	Pass   bool
	Detail string
}

func pass() Verdict { return Verdict{Pass: true} }

func failf(format string, args ...any) Verdict {
	return Verdict{Detail: fmt.Sprintf(format, args...)}
}

// Predicate is one accept condition. Check returns an error only when the
// condition could not be evaluated.
type Predicate interface {
	Name() string
	Check(ctx context.Context, candidate models.InstanceMetadata, origin string) (Verdict, error)
}

// reserver is implemented by predicates whose passing Check holds a resource
// that must be given back when the overall decision is a reject.
type reserver interface {
	Unreserve()
}

// ModalityAllowList accepts instances whose Modality is listed.
type ModalityAllowList struct {
	allowed map[string]bool
}

func NewModalityAllowList(modalities ...string) *ModalityAllowList {
	return &ModalityAllowList{allowed: upperSet(modalities)}
}

func (p *ModalityAllowList) Name() string { return "modality" }

func (p *ModalityAllowList) Check(_ context.Context, c models.InstanceMetadata, _ string) (Verdict, error) {
	m := strings.ToUpper(strings.TrimSpace(c.Modality))
	if m == "" {
		return failf("modality missing"), nil
	}
	if !p.allowed[m] {
		return failf("modality %s not allowed", m), nil
	}
	return pass(), nil
}

// AETAllowList accepts instances sent by a listed calling AE title.
type AETAllowList struct {
	allowed map[string]bool
}

func NewAETAllowList(aets ...string) *AETAllowList {
	return &AETAllowList{allowed: upperSet(aets)}
}

func (p *AETAllowList) Name() string { return "aet" }

func (p *AETAllowList) Check(_ context.Context, _ models.InstanceMetadata, origin string) (Verdict, error) {
	aet := strings.ToUpper(strings.TrimSpace(origin))
	if aet == "" {
		return failf("origin AE title missing"), nil
	}
	if !p.allowed[aet] {
		return failf("AE title %s not allowed", aet), nil
	}
	return pass(), nil
}

// InstanceQuota caps the number of stored instances. A passing Check
// reserves one slot; Release gives slots back when instances are deleted.
type InstanceQuota struct {
	max   int64
	count atomic.Int64
}

func NewInstanceQuota(max int64) *InstanceQuota {
	return &InstanceQuota{max: max}
}

func (q *InstanceQuota) Name() string { return "instance-quota" }

func (q *InstanceQuota) Check(context.Context, models.InstanceMetadata, string) (Verdict, error) {
	for {
		cur := q.count.Load()
		if cur >= q.max {
			return failf("instance quota reached (%d/%d)", cur, q.max), nil
		}
		if q.count.CompareAndSwap(cur, cur+1) {
			return pass(), nil
		}
	}
}

func (q *InstanceQuota) Unreserve() { q.Release(1) }

// Release frees n slots after deletions; the counter never drops below zero.
func (q *InstanceQuota) Release(n int64) {
	for {
		cur := q.count.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if cur == next || q.count.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Seed sets the counter to the number of instances already stored.
func (q *InstanceQuota) Seed(n int64) {
	if n < 0 {
		n = 0
	}
	q.count.Store(n)
}

func (q *InstanceQuota) Used() int64 { return q.count.Load() }

func (q *InstanceQuota) Max() int64 { return q.max }

// StatisticsSource reports storage usage, e.g. the Orthanc client.
type StatisticsSource interface {
	GetStatistics(ctx context.Context) (*orthanc.Statistics, error)
}

// DiskQuota rejects while the store uses maxMB or more.
type DiskQuota struct {
	maxMB  int64
	source StatisticsSource
}

func NewDiskQuota(maxMB int64, source StatisticsSource) *DiskQuota {
	return &DiskQuota{maxMB: maxMB, source: source}
}

func (q *DiskQuota) Name() string { return "disk-quota" }

func (q *DiskQuota) Check(ctx context.Context, _ models.InstanceMetadata, _ string) (Verdict, error) {
	stats, err := q.source.GetStatistics(ctx)
	if err != nil {
		if faults.KindOf(err) == "" {
			err = faults.Unavailable("disk quota", err)
		}
		return Verdict{}, err
	}
	if stats.TotalDiskSizeMB >= q.maxMB {
		return failf("disk quota reached (%d/%d MB)", stats.TotalDiskSizeMB, q.maxMB), nil
	}
	return pass(), nil
}

func upperSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.ToUpper(strings.TrimSpace(it)); it != "" {
			set[it] = true
		}
	}
	return set
}
