package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/orthanc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func instance(modality string) models.InstanceMetadata {
	return models.InstanceMetadataFromTags("", map[string]string{
		"Modality":       modality,
		"SOPInstanceUID": "1.2.840.1." + modality,
	})
}

// MockStatisticsSource is a mock implementation of StatisticsSource
type MockStatisticsSource struct {
	mock.Mock
}

func (m *MockStatisticsSource) GetStatistics(ctx context.Context) (*orthanc.Statistics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orthanc.Statistics), args.Error(1)
}

func statsReturning(stats *orthanc.Statistics, err error) *MockStatisticsSource {
	m := new(MockStatisticsSource)
	if stats == nil {
		m.On("GetStatistics", mock.Anything).Return(nil, err)
	} else {
		m.On("GetStatistics", mock.Anything).Return(stats, err)
	}
	return m
}

type slowPredicate struct{ delay time.Duration }

func (slowPredicate) Name() string { return "slow" }

func (p slowPredicate) Check(ctx context.Context, _ models.InstanceMetadata, _ string) (Verdict, error) {
	select {
	case <-time.After(p.delay):
		return pass(), nil
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}
}

type panicPredicate struct{}

func (panicPredicate) Name() string { return "broken" }

func (panicPredicate) Check(context.Context, models.InstanceMetadata, string) (Verdict, error) {
	panic("index out of range")
}

func TestShouldAccept_NoPredicatesAccepts(t *testing.T) {
	f := NewFilter(zap.NewNop(), FailClosed, time.Second)
	d := f.ShouldAccept(context.Background(), instance("US"), "ANY")
	assert.True(t, d.Accept)
	assert.Empty(t, d.Reason)
}

func TestShouldAccept_ModalityAllowList(t *testing.T) {
	f := NewFilter(zap.NewNop(), FailClosed, time.Second, NewModalityAllowList("CT", "MR"))

	d := f.ShouldAccept(context.Background(), instance("US"), "SCANNER1")
	assert.False(t, d.Accept)
	assert.Equal(t, "modality: modality US not allowed", d.Reason)

	d = f.ShouldAccept(context.Background(), instance("CT"), "SCANNER1")
	assert.True(t, d.Accept)

	d = f.ShouldAccept(context.Background(), instance("mr"), "SCANNER1")
	assert.True(t, d.Accept, "modality match is case-insensitive")

	assert.Equal(t, Stats{Accepted: 2, Rejected: 1}, f.Stats())
}

func TestShouldAccept_FirstFailingPredicateGivesReason(t *testing.T) {
	f := NewFilter(zap.NewNop(), FailClosed, time.Second,
		NewAETAllowList(" scanner1 "),
		NewModalityAllowList("CT"),
	)

	d := f.ShouldAccept(context.Background(), instance("US"), "OTHER")
	assert.False(t, d.Accept)
	assert.Equal(t, "aet: AE title OTHER not allowed", d.Reason)

	d = f.ShouldAccept(context.Background(), instance("US"), "Scanner1")
	assert.False(t, d.Accept)
	assert.Contains(t, d.Reason, "modality:")
}

func TestShouldAccept_FailModes(t *testing.T) {
	source := statsReturning(nil, errors.New("connection refused"))
	down := NewDiskQuota(100, source)

	closed := NewFilter(zap.NewNop(), FailClosed, time.Second, down)
	d := closed.ShouldAccept(context.Background(), instance("CT"), "A")
	assert.False(t, d.Accept)
	assert.Contains(t, d.Reason, "disk-quota: check failed")

	open := NewFilter(zap.NewNop(), FailOpen, time.Second, down)
	d = open.ShouldAccept(context.Background(), instance("CT"), "A")
	assert.True(t, d.Accept)
	assert.Contains(t, d.Reason, "connection refused")
	assert.Equal(t, uint64(1), open.Stats().Errors)
	source.AssertNumberOfCalls(t, "GetStatistics", 2)
}

func TestShouldAccept_DiskQuota(t *testing.T) {
	fullSource := statsReturning(&orthanc.Statistics{TotalDiskSizeMB: 120}, nil)
	full := NewFilter(zap.NewNop(), FailClosed, time.Second, NewDiskQuota(100, fullSource))
	d := full.ShouldAccept(context.Background(), instance("CT"), "A")
	assert.False(t, d.Accept)
	assert.Equal(t, "disk-quota: disk quota reached (120/100 MB)", d.Reason)
	fullSource.AssertExpectations(t)

	roomy := NewFilter(zap.NewNop(), FailClosed, time.Second,
		NewDiskQuota(100, statsReturning(&orthanc.Statistics{TotalDiskSizeMB: 10}, nil)))
	assert.True(t, roomy.ShouldAccept(context.Background(), instance("CT"), "A").Accept)
}

func TestShouldAccept_TimeoutRejects(t *testing.T) {
	f := NewFilter(zap.NewNop(), FailOpen, 20*time.Millisecond, slowPredicate{delay: time.Second})

	start := time.Now()
	d := f.ShouldAccept(context.Background(), instance("CT"), "A")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, d.Accept)
	assert.Equal(t, "filter timeout", d.Reason)
	assert.Equal(t, uint64(1), f.Stats().Timeouts)
}

func TestShouldAccept_PanicFollowsFailMode(t *testing.T) {
	f := NewFilter(zap.NewNop(), FailClosed, time.Second, panicPredicate{})
	var d models.IngestDecision
	assert.NotPanics(t, func() { d = f.ShouldAccept(context.Background(), instance("CT"), "A") })
	assert.False(t, d.Accept)
	assert.Contains(t, d.Reason, "broken")
}

func TestInstanceQuota_ConcurrentReservations(t *testing.T) {
	quota := NewInstanceQuota(25)
	f := NewFilter(zap.NewNop(), FailClosed, time.Second, quota)

	var mu sync.Mutex
	accepted := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.ShouldAccept(context.Background(), instance("CT"), "A").Accept {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, accepted)
	assert.Equal(t, int64(25), quota.Used())
}

func TestInstanceQuota_RejectLaterReleasesReservation(t *testing.T) {
	quota := NewInstanceQuota(10)
	f := NewFilter(zap.NewNop(), FailClosed, time.Second, quota, NewModalityAllowList("CT"))

	d := f.ShouldAccept(context.Background(), instance("US"), "A")
	require.False(t, d.Accept)
	assert.Equal(t, int64(0), quota.Used())
}

func TestInstanceQuota_SeedAndRelease(t *testing.T) {
	quota := NewInstanceQuota(2)
	quota.Seed(2)

	v, err := quota.Check(context.Background(), instance("CT"), "A")
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Equal(t, "instance quota reached (2/2)", v.Detail)

	quota.Release(1)
	v, _ = quota.Check(context.Background(), instance("CT"), "A")
	assert.True(t, v.Pass)

	quota.Seed(3)
	quota.Release(5)
	assert.Equal(t, int64(0), quota.Used(), "counter never goes negative")
}
