package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	mqttcommon "orthanc-orchestrator/common/mqtt"
	"orthanc-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	subscribed   chan string
	unsubscribed chan string
	handler      mqttcommon.MessageHandler
	err          error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subscribed: make(chan string, 1), unsubscribed: make(chan string, 1)}
}

func (s *fakeSubscriber) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	if s.err != nil {
		return s.err
	}
	s.handler = handler
	s.subscribed <- topic
	return nil
}

func (s *fakeSubscriber) Unsubscribe(topic string) error {
	s.unsubscribed <- topic
	return nil
}

func TestMQTTBridge_ForwardsToConsumer(t *testing.T) {
	_, client, d, c := setup(t)
	sub := newFakeSubscriber()
	bridge := NewMQTTBridge(sub, client, "orthanc/changes", 1, "orthanc:changes", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Start(ctx) }()

	select {
	case topic := <-sub.subscribed:
		assert.Equal(t, "orthanc/changes", topic)
	case <-time.After(time.Second):
		t.Fatal("bridge did not subscribe")
	}

	require.NoError(t, sub.handler("orthanc/changes", []byte(`{"ChangeType":"StableStudy","ResourceType":"Study","ID":"study1","Seq":7}`)))
	// malformed messages are dropped, not forwarded
	require.NoError(t, sub.handler("orthanc/changes", []byte(`not-json`)))

	n, err := c.ConsumeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, d.events, 1)
	assert.Equal(t, models.ChangeStableStudy, d.events[0].Kind)
	assert.Equal(t, "study1", d.events[0].ResourceID)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "orthanc/changes", <-sub.unsubscribed)
}

func TestMQTTBridge_SubscribeError(t *testing.T) {
	_, client, _, _ := setup(t)
	sub := newFakeSubscriber()
	sub.err = errors.New("not connected")
	bridge := NewMQTTBridge(sub, client, "orthanc/changes", 1, "orthanc:changes", zap.NewNop())

	err := bridge.Start(context.Background())
	assert.ErrorContains(t, err, "not connected")
}
