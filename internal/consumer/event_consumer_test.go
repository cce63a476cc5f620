package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	rediscommon "orthanc-orchestrator/common/redis"
	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev models.ChangeEvent) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client, *recordingDispatcher, *EventConsumer) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := &recordingDispatcher{}
	c := NewEventConsumer(client, d, zap.NewNop(), Options{
		Stream:       "orthanc:changes",
		Group:        "orchestrator-group",
		ConsumerName: "test",
		Block:        -1,
	})
	require.NoError(t, rediscommon.CreateConsumerGroup(context.Background(), client, "orthanc:changes", "orchestrator-group"))
	return mr, client, d, c
}

func TestConsumeOnce_DispatchesAndAcks(t *testing.T) {
	_, client, d, c := setup(t)
	ctx := context.Background()

	_, err := rediscommon.PublishJSONToStream(ctx, client, "orthanc:changes", ChangeRecord{
		ChangeType: "NewInstance", ResourceType: "Instance", ID: "instX", Seq: 41,
	})
	require.NoError(t, err)
	_, err = rediscommon.PublishToStream(ctx, client, "orthanc:changes", map[string]interface{}{
		"ChangeType": "StableStudy", "ResourceType": "Study", "ID": "study1", "Seq": int64(42),
	})
	require.NoError(t, err)

	n, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, d.events, 2)
	assert.Equal(t, models.ChangeNewInstance, d.events[0].Kind)
	assert.Equal(t, "instX", d.events[0].ResourceID)
	assert.Equal(t, models.ChangeStableStudy, d.events[1].Kind)
	assert.Equal(t, int64(42), d.events[1].Seq)

	pending, err := client.XPending(ctx, "orthanc:changes", "orchestrator-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumeOnce_MalformedIsAckedAndCounted(t *testing.T) {
	_, client, d, c := setup(t)
	ctx := context.Background()

	_, err := rediscommon.PublishToStream(ctx, client, "orthanc:changes", map[string]interface{}{
		"data": "{not json",
	})
	require.NoError(t, err)
	_, err = rediscommon.PublishToStream(ctx, client, "orthanc:changes", map[string]interface{}{
		"ChangeType": "UpdatedAttachment", "ResourceType": "Instance", "ID": "i1",
	})
	require.NoError(t, err)

	n, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, d.events)

	consumed, malformed := c.Counts()
	assert.Equal(t, uint64(0), consumed)
	assert.Equal(t, uint64(2), malformed)

	pending, err := client.XPending(ctx, "orthanc:changes", "orchestrator-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumeOnce_EmptyStream(t *testing.T) {
	_, _, d, c := setup(t)

	n, err := c.ConsumeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, d.events)
}

func TestConsumeOnce_RedisDown(t *testing.T) {
	mr, _, _, c := setup(t)
	mr.Close()

	_, err := c.ConsumeOnce(context.Background())
	assert.Error(t, err)
}

func TestStart_StopsOnCancel(t *testing.T) {
	_, client, d, c := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := rediscommon.PublishJSONToStream(ctx, client, "orthanc:changes", ChangeRecord{
		ChangeType: "Deleted", ResourceType: "Study", ID: "s9",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestParseChangeJSON(t *testing.T) {
	ev, err := ParseChangeJSON([]byte(`{"ChangeType":"StableStudy","ResourceType":"Study","ID":"s1","Seq":7,"Date":"20240315T101500"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStableStudy, ev.Kind)
	assert.Equal(t, models.LevelStudy, ev.Level)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 15, 0, 0, time.UTC), ev.Timestamp)

	_, err = ParseChangeJSON([]byte(`{"ChangeType":"StableStudy","ResourceType":"Study"}`))
	assert.True(t, faults.Is(err, faults.KindValidation))

	_, err = ParseChangeJSON([]byte(`not-json`))
	assert.True(t, faults.Is(err, faults.KindValidation))
}
