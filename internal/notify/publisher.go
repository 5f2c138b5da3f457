package notify

import (
	"context"
	"encoding/json"
	"sync"

	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher queues an event. It never blocks on delivery and never fails.
type Publisher interface {
	Publish(ctx context.Context, ev Envelope)
}

// KafkaPublisher sends events to the notifications topic.
type KafkaPublisher struct {
	Producer *kafkax.Producer
	Log      *zap.Logger
}

func (k *KafkaPublisher) Publish(_ context.Context, ev Envelope) {
	b, err := json.Marshal(ev)
	if err != nil {
		k.Log.Error("notify_encode_failed", zap.String("event_type", ev.EventType), zap.Error(err))
		return
	}
	ok := k.Producer.Publish(PartitionKey(ev.CorrelationID), b,
		kafkago.Header{Key: "x-event-type", Value: []byte(ev.EventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	if !ok {
		k.Log.Warn("notify_dropped",
			zap.String("event_type", ev.EventType),
			zap.String("order_id", ev.CorrelationID),
		)
	}
}

// Queue delivers events in-process through a bounded channel and a worker
// pool. Used when no broker is configured.
type Queue struct {
	n       Notifier
	log     *zap.Logger
	ch      chan Envelope
	workers int
	wg      sync.WaitGroup
	once    sync.Once
}

func NewQueue(n Notifier, buf, workers int, log *zap.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{n: n, log: log, ch: make(chan Envelope, buf), workers: workers}
}

func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for ev := range q.ch {
				if err := Dispatch(ctx, q.n, ev); err != nil {
					q.log.Warn("notify_failed",
						zap.String("event_type", ev.EventType),
						zap.String("order_id", ev.CorrelationID),
						zap.Error(err),
					)
				}
			}
		}()
	}
}

func (q *Queue) Publish(_ context.Context, ev Envelope) {
	defer func() { _ = recover() }()
	select {
	case q.ch <- ev:
	default:
		q.log.Warn("notify_dropped", zap.String("event_type", ev.EventType), zap.String("order_id", ev.CorrelationID))
	}
}

// Close stops intake and waits for queued events to be delivered.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.ch) })
	q.wg.Wait()
}

// Memory records events; handy for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	events []Envelope
}

func (m *Memory) Publish(_ context.Context, ev Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *Memory) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.events...)
}

// OfType returns recorded events of the given type.
func (m *Memory) OfType(t string) []Envelope {
	var out []Envelope
	for _, ev := range m.Events() {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type nop struct{}

func (nop) Publish(context.Context, Envelope) {}

// Nop discards every event.
var Nop Publisher = nop{}
