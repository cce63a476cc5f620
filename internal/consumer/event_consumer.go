package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	rediscommon "orthanc-orchestrator/common/redis"
	"orthanc-orchestrator/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Dispatcher receives normalized change events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev models.ChangeEvent)
}

// Options for NewEventConsumer.
type Options struct {
	Stream       string
	Group        string
	ConsumerName string
	BatchSize    int64
	Block        time.Duration
}

// EventConsumer reads Orthanc change records from a Redis Stream and hands
// them to the event bus.
type EventConsumer struct {
	redisClient *redis.Client
	dispatcher  Dispatcher
	logger      *zap.Logger
	opts        Options

	consumed  atomic.Uint64
	malformed atomic.Uint64
}

func NewEventConsumer(redisClient *redis.Client, dispatcher Dispatcher, logger *zap.Logger, opts Options) *EventConsumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Block == 0 {
		opts.Block = 2 * time.Second
	}
	return &EventConsumer{
		redisClient: redisClient,
		dispatcher:  dispatcher,
		logger:      logger,
		opts:        opts,
	}
}

// Start consumes until ctx is cancelled.
func (c *EventConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.opts.Stream, c.opts.Group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Change consumer started",
		zap.String("stream", c.opts.Stream),
		zap.String("consumer_group", c.opts.Group),
		zap.String("consumer_name", c.opts.ConsumerName),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := c.ConsumeOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume changes",
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second

		// non-blocking reads poll
		if n == 0 && c.opts.Block < 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// ConsumeOnce reads one batch and returns the number of messages taken.
// Every message is acknowledged: handler failures are recorded by the bus,
// and malformed records would otherwise be redelivered forever.
func (c *EventConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, rediscommon.ReadArgs{
		Stream:   c.opts.Stream,
		Group:    c.opts.Group,
		Consumer: c.opts.ConsumerName,
		Count:    c.opts.BatchSize,
		Block:    c.opts.Block,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		ev, err := ParseChangeValues(msg.Values)
		if err != nil {
			c.malformed.Add(1)
			c.logger.Warn("Discarding malformed change record",
				zap.String("message_id", msg.ID),
				zap.Any("values", msg.Values),
				zap.Error(err),
			)
		} else {
			c.consumed.Add(1)
			c.dispatcher.Dispatch(ctx, ev)
		}

		if err := rediscommon.Ack(ctx, c.redisClient, c.opts.Stream, c.opts.Group, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return len(messages), nil
}

// Counts returns consumed and malformed totals.
func (c *EventConsumer) Counts() (consumed, malformed uint64) {
	return c.consumed.Load(), c.malformed.Load()
}
