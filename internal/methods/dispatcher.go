package methods

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotflow-io/device-sdk/internal/topics"
	"github.com/spotflow-io/device-sdk/internal/transport"
	"github.com/spotflow-io/device-sdk/internal/types"
)

// DefaultQueueCapacity is the number of calls that may wait for the worker.
const DefaultQueueCapacity = 50

const (
	statusNotFound = 404
	statusPanic    = 500
)

// Publisher publishes responses. transport.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Observer is notified around every invocation the worker runs.
type Observer interface {
	BeforeInvoke(method, requestID string)
	AfterInvoke(method, requestID string, status uint16, elapsed time.Duration)
}

// Invocation is a parsed direct method call waiting for the worker.
type Invocation struct {
	Message   transport.Message
	Method    string
	RequestID string
}

// Dispatcher runs direct method handlers on a single worker goroutine fed by
// a bounded queue, so the transport's delivery goroutine never waits on a
// handler. Every queued call gets exactly one response, published best effort.
type Dispatcher struct {
	logger   zerolog.Logger
	handlers map[string]Handler
	client   Publisher
	observer Observer
	capacity int

	mu     sync.RWMutex
	queue  chan Invocation
	closed bool
	done   chan struct{}
}

type Option func(*Dispatcher)

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.capacity = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New starts the worker. Close must be called to stop it.
func New(handlers map[string]Handler, client Publisher, opts ...Option) *Dispatcher {
	d := newDispatcher(handlers, client, opts...)
	d.start()
	return d
}

func newDispatcher(handlers map[string]Handler, client Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   zerolog.Nop(),
		handlers: make(map[string]Handler, len(handlers)),
		client:   client,
		capacity: DefaultQueueCapacity,
		done:     make(chan struct{}),
	}
	for name, h := range handlers {
		d.handlers[name] = h
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Invocation, d.capacity)
	return d
}

func (d *Dispatcher) start() {
	d.logger.Debug().Msg("Starting direct method processing worker")
	go d.run()
}

// HandleMessage implements transport.MessageHandler.
func (d *Dispatcher) HandleMessage(msg transport.Message) {
	d.Handle(msg)
}

// Handle parses a direct method topic and queues the call without blocking.
// It reports whether the call was queued. Malformed, overloaded and
// post-shutdown calls are logged and dropped; they never get a response.
func (d *Dispatcher) Handle(msg transport.Message) bool {
	topic := msg.Topic()
	d.logger.Debug().Str("topic", topic).Msg("Received direct method call")

	method, requestID, err := topics.ParseMethodTopic(topic)
	if err != nil {
		d.logger.Error().Err(err).Str("topic", topic).Msg("Failed parsing method call topic")
		return false
	}

	inv := Invocation{Message: msg, Method: method, RequestID: requestID}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || d.workerStopped() {
		d.logger.Error().Str("method", method).Str("request_id", requestID).
			Msg("Received direct method call after processor shut down, ignoring it")
		return false
	}

	select {
	case d.queue <- inv:
		d.logger.Debug().Str("method", method).Msg("Queued direct method call")
		return true
	default:
		d.logger.Warn().Str("method", method).Str("request_id", requestID).
			Msg("Received unexpectedly many direct method calls before they could be processed, ignoring call")
		return false
	}
}

func (d *Dispatcher) workerStopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			msg, _ := panicMessage(r)
			d.logger.Error().Str("panic", msg).Msg("Direct method worker failed with panic")
		}
	}()

	for inv := range d.queue {
		d.process(inv)
	}

	d.logger.Debug().Msg("Direct method handler is stopping")
}

func (d *Dispatcher) process(inv Invocation) {
	start := time.Now()
	if d.observer != nil {
		d.observe(inv, func() { d.observer.BeforeInvoke(inv.Method, inv.RequestID) })
	}

	result := d.invoke(inv)
	d.respond(inv, result)

	if d.observer != nil {
		d.observe(inv, func() {
			d.observer.AfterInvoke(inv.Method, inv.RequestID, result.Status, time.Since(start))
		})
	}
}

// observe runs an observer callback, logging instead of propagating a panic
// so a faulty hook cannot stop the worker.
func (d *Dispatcher) observe(inv Invocation, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			msg, _ := panicMessage(r)
			d.logger.Error().Str("method", inv.Method).Str("panic", msg).
				Msg("Direct method observer failed with panic")
		}
	}()
	fn()
}

// invoke acks the call and runs its handler, converting a panic into a 500.
// The ack comes first: a lost ack only causes redelivery, and the call
// itself is never retried once it runs.
func (d *Dispatcher) invoke(inv Invocation) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			msg, ok := panicMessage(r)
			if !ok {
				d.logger.Error().Str("method", inv.Method).Msg("Direct method processing failed with unknown panic")
				result = Fail(statusPanic, msg)
				return
			}
			d.logger.Error().Str("method", inv.Method).Str("panic", msg).
				Msg("Direct method processing failed with panic")
			result = Fail(statusPanic, "Panic: "+msg)
		}
	}()

	inv.Message.Ack()

	if h, ok := d.handlers[inv.Method]; ok {
		if res, applicable := h.Handle(inv.Message.Payload()); applicable {
			return res
		}
	}

	d.logger.Warn().Str("topic", inv.Message.Topic()).Msg("Unhandled direct method call")
	return Fail(statusNotFound, "No handler found")
}

func (d *Dispatcher) respond(inv Invocation, result Result) {
	topic := topics.ResponseTopic(result.Status, inv.RequestID)

	var payload []byte
	if result.Failed() {
		d.logger.Debug().Uint16("status", result.Status).Str("detail", result.Message).
			Msg("Sending error response")
		body, err := json.Marshal(types.ErrorResponse{Detail: result.Message})
		if err != nil {
			d.logger.Error().Err(err).Msg("Failed to encode error response")
			return
		}
		payload = body
	} else {
		d.logger.Debug().Uint16("status", result.Status).Msg("Sending successful response")
		payload = result.Body
		if payload == nil {
			payload = []byte{}
		}
	}

	if err := d.client.Publish(topic, payload); err != nil {
		d.logger.Warn().Err(err).Str("request_id", inv.RequestID).Msg("Failed to publish direct method response")
	}
}

// Close stops accepting calls, lets the worker drain the queue and waits
// for it. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	<-d.done
}

// panicMessage extracts the text of a recovered value. ok is false when the
// value carries no message.
func panicMessage(r any) (msg string, ok bool) {
	switch v := r.(type) {
	case string:
		return v, true
	case error:
		return v.Error(), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "Unknown panic", false
	}
}
