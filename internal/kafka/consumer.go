package kafka

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Consumer fans messages out to a fixed set of lanes. Messages with the same
// key always land on the same lane, so notifications for one order are
// delivered in publish order.
type Consumer struct {
	r           *kafka.Reader
	lanes       int
	maxAttempts int
	backoff     time.Duration
	log         *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r:           r,
		lanes:       workers,
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		log:         log.With(zap.String("topic", topic), zap.String("group", group)),
	}
}

func (c *Consumer) lane(key []byte) int {
	if len(key) == 0 || c.lanes == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(c.lanes))
}

// Start blocks until ctx is done or the reader fails. In-flight messages
// finish before it returns.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.lanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(ctx, h, m)
			}
		}(lanes[i])
	}
	stop := func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[c.lane(m.Key)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle retries h with linear backoff. A message that keeps failing is
// logged and committed anyway: notifications are best-effort and must not
// wedge the partition.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err = h(ctx, m); err == nil {
			break
		}
		c.log.Warn("consumer_handler_failed",
			zap.ByteString("key", m.Key),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	if err != nil {
		c.log.Error("consumer_message_dropped", zap.ByteString("key", m.Key), zap.Int64("offset", m.Offset), zap.Error(err))
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Warn("consumer_commit_failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
