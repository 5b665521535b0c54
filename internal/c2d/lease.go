package c2d

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAckTimeout = 5 * time.Second
	pollInterval      = time.Second
)

// Queue is the persistent channel a Consumer reads from. *Store implements it.
type Queue interface {
	Next(ctx context.Context, after uint) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
}

// Consumer hands out pending messages as leases. The queue is shared between
// reads and the acks of outstanding leases, so every access goes through mu.
type Consumer struct {
	logger     zerolog.Logger
	ackTimeout time.Duration
	notify     chan struct{}

	mu     sync.Mutex
	queue  Queue
	cursor uint
}

func NewConsumer(queue Queue, logger zerolog.Logger, ackTimeout time.Duration) *Consumer {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Consumer{
		logger:     logger,
		ackTimeout: ackTimeout,
		notify:     make(chan struct{}, 1),
		queue:      queue,
	}
}

// Notify wakes a Read waiting for new messages.
func (c *Consumer) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Read blocks until a message is pending or ctx is done. The caller must
// Release the returned lease.
func (c *Consumer) Read(ctx context.Context) (*Lease, error) {
	for {
		c.mu.Lock()
		msg, err := c.queue.Next(ctx, c.cursor)
		if err == nil {
			c.cursor = msg.ID
		}
		c.mu.Unlock()

		if err == nil {
			return &Lease{msg: msg, consumer: c}, nil
		}
		if !errors.Is(err, ErrNoMessage) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		case <-time.After(pollInterval):
		}
	}
}

// Process reads one message and passes it to fn. The message is acknowledged
// when fn returns, including when it fails or panics.
func (c *Consumer) Process(ctx context.Context, fn func(msg Message) error) error {
	lease, err := c.Read(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn(lease.Message())
}

func (c *Consumer) ack(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
	defer cancel()

	c.mu.Lock()
	err := c.queue.Ack(ctx, msg)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Uint("message_id", msg.ID).
			Msg("Unable to remove message to prevent further processing")
	}
}

// Lease owns one delivered message until Release, which acknowledges it
// against the consumer exactly once. Release blocks until the ack finishes
// and never fails; a failed ack is logged and the message may be redelivered.
// Use it with defer so every exit path releases the message.
type Lease struct {
	msg      *Message
	consumer *Consumer
	once     sync.Once
}

// Message returns a copy of the leased message.
func (l *Lease) Message() Message {
	return *l.msg
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.consumer.ack(l.msg)
	})
}
