package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeMessage struct {
	topic string
	acked int
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return nil }
func (m *fakeMessage) Ack()            { m.acked++ }

func TestRouter_LongestPrefixWins(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	var got []string
	r.Handle("$iothub/", MessageHandlerFunc(func(msg Message) { got = append(got, "iothub") }))
	r.Handle("$iothub/methods/POST/", MessageHandlerFunc(func(msg Message) { got = append(got, "methods") }))
	r.Handle("devices/", MessageHandlerFunc(func(msg Message) { got = append(got, "c2d") }))

	r.HandleMessage(&fakeMessage{topic: "$iothub/methods/POST/reboot/?$rid=1"})
	r.HandleMessage(&fakeMessage{topic: "$iothub/twin/res/200/"})
	r.HandleMessage(&fakeMessage{topic: "devices/d/messages/devicebound/x"})

	assert.Equal(t, []string{"methods", "iothub", "c2d"}, got)
}

func TestRouter_UnroutedMessageIsAcked(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	msg := &fakeMessage{topic: "unknown/topic"}

	r.HandleMessage(msg)

	assert.Equal(t, 1, msg.acked)
}

type fakeToken struct {
	done bool
	err  error
}

func (t *fakeToken) Wait() bool                       { return t.done }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestWaitToken(t *testing.T) {
	assert.NoError(t, waitToken(&fakeToken{done: true}, time.Second))
	assert.ErrorIs(t, waitToken(&fakeToken{done: false}, time.Second), ErrTimeout)

	boom := errors.New("boom")
	assert.ErrorIs(t, waitToken(&fakeToken{done: true, err: boom}, time.Second), boom)
}
