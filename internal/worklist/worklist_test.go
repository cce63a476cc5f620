package worklist

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/repository"
	"orthanc-orchestrator/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var entries = []models.ScheduleEntry{
	{PatientID: "PAT001", PatientName: "DOE^JOHN", AccessionNumber: "ACC1", StudyInstanceUID: "1.2.3.1", ScheduledDate: "20240115", ScheduledTime: "093000", Modality: "CT", StationAET: "CT01", Description: "CT CHEST", Status: "PENDING"},
	{PatientID: "PAT001", PatientName: "DOE^JOHN", AccessionNumber: "ACC1", StudyInstanceUID: "1.2.3.1", ScheduledDate: "20240115", ScheduledTime: "093000", Modality: "CT", StationAET: "CT01", Description: "CT CHEST", Status: "COMPLETED"},
	{PatientID: "PAT002", PatientName: "ROE^JANE", AccessionNumber: "ACC2", StudyInstanceUID: "1.2.3.2", ScheduledDate: "20240120", ScheduledTime: "140000", Modality: "MR", StationAET: "", Description: "MR KNEE", Status: "PENDING"},
	{PatientID: "PAT003", PatientName: "", AccessionNumber: "ACC3", StudyInstanceUID: "1.2.3.3", ScheduledDate: "20240201", ScheduledTime: "080000", Modality: "US", StationAET: "US01", Description: "", Status: "PENDING"},
}

func newResolver(workers int) *Resolver {
	return NewResolver(repository.NewMemoryScheduleStore(entries), workers, zap.NewNop())
}

func accessions(t *testing.T, seq iter.Seq2[models.ScheduleEntry, error]) []string {
	t.Helper()
	var out []string
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, e.AccessionNumber)
	}
	return out
}

func query(keys map[string]string) models.WorklistQuery {
	return models.WorklistQuery{MatchingKeys: keys, IssuerAET: "CT01", CalledAET: "ORTHANC"}
}

func TestResolve_EmptyQueryReturnsEverything(t *testing.T) {
	r := newResolver(2)
	assert.Equal(t, []string{"ACC1", "ACC1", "ACC2", "ACC3"}, accessions(t, r.Resolve(context.Background(), query(nil))))
	assert.Len(t, accessions(t, r.Resolve(context.Background(), query(map[string]string{}))), 4)
}

func TestResolve_DuplicatesAreKept(t *testing.T) {
	r := newResolver(2)
	got := accessions(t, r.Resolve(context.Background(), query(map[string]string{KeyAccessionNumber: "ACC1"})))
	assert.Equal(t, []string{"ACC1", "ACC1"}, got)
}

func TestResolve_Wildcards(t *testing.T) {
	r := newResolver(2)
	ctx := context.Background()

	assert.Equal(t, []string{"ACC1", "ACC1"}, accessions(t, r.Resolve(ctx, query(map[string]string{KeyPatientName: "doe*"}))))
	// '*' also matches an empty value
	assert.Len(t, accessions(t, r.Resolve(ctx, query(map[string]string{KeyPatientName: "*"}))), 4)
	assert.Equal(t, []string{"ACC2"}, accessions(t, r.Resolve(ctx, query(map[string]string{KeyPatientID: "PAT00?", KeyModality: "MR"}))))
	assert.Empty(t, accessions(t, r.Resolve(ctx, query(map[string]string{KeyPatientID: "PAT?"}))))
}

func TestResolve_DateAndTimeRanges(t *testing.T) {
	r := newResolver(2)
	ctx := context.Background()

	got := accessions(t, r.Resolve(ctx, query(map[string]string{KeyScheduledDate: "20240116-20240131"})))
	assert.Equal(t, []string{"ACC2"}, got)

	got = accessions(t, r.Resolve(ctx, query(map[string]string{KeyScheduledDate: "20240120-"})))
	assert.Equal(t, []string{"ACC2", "ACC3"}, got)

	got = accessions(t, r.Resolve(ctx, query(map[string]string{KeyScheduledTime: "-1000"})))
	assert.Equal(t, []string{"ACC1", "ACC1", "ACC3"}, got)
}

func TestResolve_DottedStoredDates(t *testing.T) {
	legacy := []models.ScheduleEntry{
		{AccessionNumber: "OLD1", ScheduledDate: "2024.01.18"},
		{AccessionNumber: "OLD2", ScheduledDate: "2024.02.03"},
	}
	r := NewResolver(repository.NewMemoryScheduleStore(legacy), 1, zap.NewNop())

	got := accessions(t, r.Resolve(context.Background(), query(map[string]string{KeyScheduledDate: "20240116-20240131"})))
	assert.Equal(t, []string{"OLD1"}, got)

	got = accessions(t, r.Resolve(context.Background(), query(map[string]string{KeyScheduledDate: "2024.02.03"})))
	assert.Equal(t, []string{"OLD2"}, got)
}

func TestResolve_UIDListAndUnknownKeys(t *testing.T) {
	r := newResolver(2)
	got := accessions(t, r.Resolve(context.Background(), query(map[string]string{
		KeyStudyInstanceUID: `1.2.3.2\1.2.3.3`,
		"ReferringPhysicianName": "NOBODY",
	})))
	assert.Equal(t, []string{"ACC2", "ACC3"}, got)
}

func TestResolve_NoMatchIsEmptyNotError(t *testing.T) {
	r := newResolver(2)
	got, err := r.Collect(context.Background(), query(map[string]string{KeyModality: "XA"}), 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestResolve_IsRestartableAndStopsEarly(t *testing.T) {
	r := newResolver(1)
	seq := r.Resolve(context.Background(), query(nil))

	first := 0
	for range seq {
		first++
		break
	}
	assert.Equal(t, 1, first)

	// the pool slot was released by the early break
	assert.Len(t, accessions(t, seq), 4)
	assert.Len(t, accessions(t, seq), 4)
}

type countingStore struct {
	inner  repository.ScheduleStore
	active int32
	max    int32
	scans  int32
	delay  time.Duration
	err    error
}

func (s *countingStore) Scan(ctx context.Context, f repository.ScheduleFilter) iter.Seq2[models.ScheduleEntry, error] {
	return func(yield func(models.ScheduleEntry, error) bool) {
		atomic.AddInt32(&s.scans, 1)
		n := atomic.AddInt32(&s.active, 1)
		defer atomic.AddInt32(&s.active, -1)
		for {
			m := atomic.LoadInt32(&s.max)
			if n <= m || atomic.CompareAndSwapInt32(&s.max, m, n) {
				break
			}
		}
		time.Sleep(s.delay)
		if s.err != nil {
			yield(models.ScheduleEntry{}, s.err)
			return
		}
		for e, err := range s.inner.Scan(ctx, f) {
			if !yield(e, err) {
				return
			}
		}
	}
}

func TestResolve_PoolBoundsConcurrency(t *testing.T) {
	cs := &countingStore{inner: repository.NewMemoryScheduleStore(entries), delay: 10 * time.Millisecond}
	r := NewResolver(cs, 2, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Collect(context.Background(), query(nil), 0)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&cs.max), int32(2))
	assert.Equal(t, uint64(8), r.Stats().Queries)
}

func TestResolve_StoreErrorIsUnavailable(t *testing.T) {
	cs := &countingStore{inner: repository.NewMemoryScheduleStore(nil), err: errors.New("connection refused")}
	r := NewResolver(cs, 1, zap.NewNop())

	_, err := r.Collect(context.Background(), query(nil), 0)
	assert.True(t, faults.Is(err, faults.KindUnavailable))
}

func TestResolve_CancelledWhileWaitingForPool(t *testing.T) {
	r := newResolver(1)
	ctx := context.Background()

	next, stop := iter.Pull2(r.Resolve(ctx, query(nil)))
	_, _, ok := next()
	require.True(t, ok)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := r.Collect(cctx, query(nil), 0)
	assert.True(t, faults.Is(err, faults.KindUnavailable))
	stop()
}

func TestCachedSource_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cs := &countingStore{inner: repository.NewMemoryScheduleStore(entries)}
	cached := NewCachedSource(cs, store.NewRedisKV(client, "orchestrator:"), 30*time.Second, zap.NewNop())
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }
	r := NewResolver(cached, 2, zap.NewNop())
	ctx := context.Background()

	assert.Len(t, accessions(t, r.Resolve(ctx, query(nil))), 4)
	assert.Len(t, accessions(t, r.Resolve(ctx, query(map[string]string{KeyModality: "CT"}))), 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cs.scans), "second query served from cache")

	// older than TTL is never returned, even while Redis still has it
	now = now.Add(31 * time.Second)
	assert.Len(t, accessions(t, r.Resolve(ctx, query(nil))), 4)
	assert.Equal(t, int32(2), atomic.LoadInt32(&cs.scans))

	require.NoError(t, cached.Invalidate(ctx))
	assert.Len(t, accessions(t, r.Resolve(ctx, query(nil))), 4)
	assert.Equal(t, int32(3), atomic.LoadInt32(&cs.scans))
}

func TestCachedSource_RedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	cached := NewCachedSource(repository.NewMemoryScheduleStore(entries), store.NewRedisKV(client, ""), time.Minute, zap.NewNop())
	r := NewResolver(cached, 1, zap.NewNop())
	assert.Len(t, accessions(t, r.Resolve(context.Background(), query(nil))), 4)
}

func TestPushdown(t *testing.T) {
	assert.Equal(t, repository.ScheduleFilter{}, pushdown(nil))
	assert.Equal(t, repository.ScheduleFilter{DateFrom: "20240115", DateTo: "20240115"}, pushdown(map[string]string{KeyScheduledDate: "20240115"}))
	assert.Equal(t, repository.ScheduleFilter{DateFrom: "20240101"}, pushdown(map[string]string{KeyScheduledDate: "20240101-"}))
	assert.Equal(t, repository.ScheduleFilter{}, pushdown(map[string]string{KeyScheduledDate: "2024*"}))
}

func TestToDataset(t *testing.T) {
	ds := ToDataset(entries[2], "ORTHANC")
	assert.Equal(t, "PAT002", ds["PatientID"])
	assert.Equal(t, "20240120", ds["ScheduledProcedureStepStartDate"])
	assert.Equal(t, "140000", ds["ScheduledProcedureStepStartTime"])
	assert.Equal(t, "MR KNEE", ds["ScheduledProcedureStepDescription"])
	assert.Equal(t, "ORTHANC", ds["ScheduledStationAETitle"])

	ds = ToDataset(entries[0], "ORTHANC")
	assert.Equal(t, "CT01", ds["ScheduledStationAETitle"])
}

func TestExportXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportXLSX(&buf, entries[:2]))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Patient ID", rows[0][0])
	assert.Equal(t, "PAT001", rows[1][0])
	assert.Equal(t, "20240115", rows[1][7])
	assert.Equal(t, "COMPLETED", rows[2][12])
}
