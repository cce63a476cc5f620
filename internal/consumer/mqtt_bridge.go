package consumer

import (
	"context"
	"fmt"
	"time"

	mqttcommon "orthanc-orchestrator/common/mqtt"
	rediscommon "orthanc-orchestrator/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Subscriber is the subscribe side of an MQTT client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTBridge forwards change records published on an MQTT topic to the
// change stream, so that they reach the event bus through the same consumer
// group as every other change.
type MQTTBridge struct {
	subscriber  Subscriber
	redisClient *redis.Client
	topic       string
	qos         byte
	stream      string
	logger      *zap.Logger
}

func NewMQTTBridge(subscriber Subscriber, redisClient *redis.Client, topic string, qos byte, stream string, logger *zap.Logger) *MQTTBridge {
	return &MQTTBridge{
		subscriber:  subscriber,
		redisClient: redisClient,
		topic:       topic,
		qos:         qos,
		stream:      stream,
		logger:      logger,
	}
}

// Start subscribes and blocks until ctx is cancelled.
func (b *MQTTBridge) Start(ctx context.Context) error {
	if err := b.subscriber.Subscribe(b.topic, b.qos, b.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to change topic: %w", err)
	}
	b.logger.Info("MQTT change bridge started",
		zap.String("topic", b.topic),
		zap.String("stream", b.stream),
	)

	<-ctx.Done()

	if err := b.subscriber.Unsubscribe(b.topic); err != nil {
		b.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	b.logger.Info("MQTT change bridge stopped")
	return nil
}

// handleMessage validates one record and appends it to the stream.
// Malformed records are dropped here rather than poisoning the stream.
func (b *MQTTBridge) handleMessage(topic string, payload []byte) error {
	ev, err := ParseChangeJSON(payload)
	if err != nil {
		b.logger.Warn("Dropping malformed change message",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streamID, err := rediscommon.PublishToStream(ctx, b.redisClient, b.stream, map[string]interface{}{
		"data":      string(payload),
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish change to stream: %w", err)
	}

	b.logger.Debug("Forwarded change to stream",
		zap.String("change_type", string(ev.Kind)),
		zap.String("resource_id", ev.ResourceID),
		zap.String("stream_id", streamID),
	)
	return nil
}
