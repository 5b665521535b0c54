package c2d

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotflow-io/device-sdk/internal/transport"
)

const (
	storeTimeout          = 5 * time.Second
	DefaultIngestCapacity = 64
)

// Pusher persists delivered messages. *Store implements it.
type Pusher interface {
	Push(ctx context.Context, topic string, payload []byte) (*Message, error)
}

// Ingest persists cloud-to-device messages on its own goroutine and only then
// acks them to the broker, so a crash in between causes redelivery, not loss.
// HandleMessage never blocks the transport delivery goroutine; when the
// queue is full the message is left unacked and the broker redelivers it.
type Ingest struct {
	logger   zerolog.Logger
	store    Pusher
	consumer *Consumer

	mu     sync.RWMutex
	queue  chan transport.Message
	closed bool
	done   chan struct{}
}

func NewIngest(store Pusher, consumer *Consumer, logger zerolog.Logger) *Ingest {
	i := &Ingest{
		logger:   logger,
		store:    store,
		consumer: consumer,
		queue:    make(chan transport.Message, DefaultIngestCapacity),
		done:     make(chan struct{}),
	}
	go i.run()
	return i
}

// HandleMessage implements transport.MessageHandler.
func (i *Ingest) HandleMessage(msg transport.Message) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		i.logger.Warn().Str("topic", msg.Topic()).Msg("Cloud-to-device message received after ingest shut down")
		return
	}

	select {
	case i.queue <- msg:
	default:
		i.logger.Warn().Str("topic", msg.Topic()).Msg("Cloud-to-device queue is full, message left for redelivery")
	}
}

func (i *Ingest) run() {
	defer close(i.done)
	for msg := range i.queue {
		i.persist(msg)
	}
}

func (i *Ingest) persist(msg transport.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	stored, err := i.store.Push(ctx, msg.Topic(), msg.Payload())
	if err != nil {
		i.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("Failed to store cloud-to-device message")
		return
	}

	msg.Ack()
	i.logger.Debug().Uint("message_id", stored.ID).Int("size", len(stored.Payload)).
		Msg("Stored cloud-to-device message")

	if i.consumer != nil {
		i.consumer.Notify()
	}
}

// Close stops accepting messages and waits until the queued ones are stored.
// Safe to call more than once.
func (i *Ingest) Close() {
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.queue)
	}
	i.mu.Unlock()

	<-i.done
}
