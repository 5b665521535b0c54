package transport

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Message is one delivered publish. mqtt.Message satisfies it.
type Message interface {
	Topic() string
	Payload() []byte
	// Ack acknowledges the message to the broker. Best effort.
	Ack()
}

// MessageHandler consumes messages on the transport's delivery goroutine and
// must return quickly.
type MessageHandler interface {
	HandleMessage(msg Message)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(msg Message)

func (f MessageHandlerFunc) HandleMessage(msg Message) { f(msg) }

type route struct {
	prefix  string
	handler MessageHandler
}

// Router dispatches messages to the handler registered for the longest
// matching topic prefix. Safe for concurrent use.
type Router struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	routes []route
}

func NewRouter(logger zerolog.Logger) *Router {
	return &Router{logger: logger}
}

// Handle registers h for all topics starting with prefix.
func (r *Router) Handle(prefix string, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: prefix, handler: h})
}

func (r *Router) match(topic string) MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *route
	for i := range r.routes {
		rt := &r.routes[i]
		if strings.HasPrefix(topic, rt.prefix) && (best == nil || len(rt.prefix) > len(best.prefix)) {
			best = rt
		}
	}
	if best == nil {
		return nil
	}
	return best.handler
}

// HandleMessage routes msg. Unroutable messages are acked so the broker
// stops redelivering them.
func (r *Router) HandleMessage(msg Message) {
	h := r.match(msg.Topic())
	if h == nil {
		r.logger.Warn().Str("topic", msg.Topic()).Msg("No handler for topic, ignoring message")
		msg.Ack()
		return
	}
	h.HandleMessage(msg)
}
