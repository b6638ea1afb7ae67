package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/kafka"
)

// ErrBufferFull is returned when the Kafka notifier cannot queue an event.
var ErrBufferFull = errors.New("notification buffer full")

var errKafkaClosed = errors.New("kafka notifier closed")

const maxBatch = 100

const publishTimeout = 10 * time.Second

// Publisher is the part of kafka.Producer the notifier uses.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Kafka queues notifications in memory and publishes them from a single
// background goroutine. Events are keyed by source so one source's events
// stay ordered within a partition.
type Kafka struct {
	publisher Publisher
	eventCh   chan kafka.Event
	logger    *slog.Logger
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

func NewKafka(publisher Publisher, bufferSize int) *Kafka {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Kafka{
		publisher: publisher,
		eventCh:   make(chan kafka.Event, bufferSize),
		logger:    slog.Default().With("component", "kafka-notifier"),
		done:      make(chan struct{}),
	}
}

// Start launches the publish loop. The loop outlives cancellation of ctx so
// outcomes of runs drained during shutdown still reach the topic; it stops
// when Close is called.
func (k *Kafka) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(k.done)
		for event := range k.eventCh {
			k.publish(ctx, k.collect(event))
		}
	}()
	k.logger.Info("kafka notifier started", "buffer_size", cap(k.eventCh))
}

func (k *Kafka) publish(ctx context.Context, batch []kafka.Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.publisher.PublishBatch(ctx, batch); err != nil {
		k.logger.Error("failed to publish notifications", "count", len(batch), "error", err)
	}
}

// collect drains whatever is already queued behind first, up to maxBatch.
func (k *Kafka) collect(first kafka.Event) []kafka.Event {
	batch := []kafka.Event{first}
	for len(batch) < maxBatch {
		select {
		case ev, ok := <-k.eventCh:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (k *Kafka) Notify(_ context.Context, n Notification) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return errKafkaClosed
	}
	key := string(n.Source)
	if key == "" {
		key = "orchestrator"
	}
	event := kafka.Event{
		Key:     key,
		Type:    string(n.Type),
		Value:   n,
		Headers: map[string]string{"level": string(n.Level)},
	}
	if n.RunID != "" {
		event.Headers["run-id"] = n.RunID
	}
	select {
	case k.eventCh <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting notifications and waits until queued ones are
// published.
func (k *Kafka) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	close(k.eventCh)
	k.mu.Unlock()
	<-k.done
}
