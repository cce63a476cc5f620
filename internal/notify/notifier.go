// Package notify fans study outcomes out to the outcome store and to
// downstream subscribers (MQTT topic, Redis stream).
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	rediscommon "orthanc-orchestrator/common/redis"
	"orthanc-orchestrator/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Recorder receives terminal study outcomes.
type Recorder interface {
	Record(ctx context.Context, o models.Outcome) error
}

// Publisher is the publish side of an MQTT client.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTNotifier publishes each outcome as JSON on {prefix}/outcomes/{state}.
type MQTTNotifier struct {
	publisher Publisher
	prefix    string
	qos       byte
	logger    *zap.Logger
}

func NewMQTTNotifier(publisher Publisher, prefix string, qos byte, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "/"),
		qos:       qos,
		logger:    logger,
	}
}

// Topic returns the topic an outcome is published on.
func (n *MQTTNotifier) Topic(o models.Outcome) string {
	state := strings.ToLower(string(o.State))
	if o.Cancelled {
		state = "cancelled"
	}
	return n.prefix + "/outcomes/" + state
}

func (n *MQTTNotifier) Record(_ context.Context, o models.Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	topic := n.Topic(o)
	if err := n.publisher.Publish(topic, n.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish outcome to %s: %w", topic, err)
	}
	n.logger.Debug("Published outcome",
		zap.String("topic", topic),
		zap.String("study_id", o.StudyID),
		zap.String("state", string(o.State)),
	)
	return nil
}

// StreamNotifier appends each outcome to a Redis stream.
type StreamNotifier struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

func NewStreamNotifier(client *redis.Client, stream string, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream, logger: logger}
}

func (n *StreamNotifier) Record(ctx context.Context, o models.Outcome) error {
	id, err := rediscommon.PublishJSONToStream(ctx, n.client, n.stream, o)
	if err != nil {
		return err
	}
	n.logger.Debug("Published outcome to stream",
		zap.String("stream", n.stream),
		zap.String("stream_id", id),
		zap.String("study_id", o.StudyID),
	)
	return nil
}

// Fanout records to every recorder; one failing recorder does not stop the
// others.
type Fanout []Recorder

func (f Fanout) Record(ctx context.Context, o models.Outcome) error {
	var errs []error
	for _, r := range f {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
