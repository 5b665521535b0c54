package methods

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotflow-io/device-sdk/internal/types"
)

type fakeMessage struct {
	topic   string
	payload []byte

	mu    sync.Mutex
	acked int
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

func (m *fakeMessage) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

func call(method, rid string, payload string) *fakeMessage {
	return &fakeMessage{
		topic:   fmt.Sprintf("$iothub/methods/POST/%s/?$rid=%s", method, rid),
		payload: []byte(payload),
	}
}

type published struct {
	topic   string
	payload []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return p.err
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func detail(t *testing.T, payload []byte) string {
	t.Helper()
	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(payload, &body))
	return body.Detail
}

func TestDispatcher_SuccessPublishesExactBody(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(map[string]Handler{
		"echo": HandlerFunc(func(payload []byte) (Result, bool) {
			return OK(201, append([]byte("re:"), payload...)), true
		}),
	}, pub)

	msg := call("echo", "r1", "hi")
	assert.True(t, d.Handle(msg))
	d.Close()

	got := pub.all()
	require.Len(t, got, 1)
	assert.Equal(t, "$iothub/methods/res/201/?$rid=r1", got[0].topic)
	assert.Equal(t, []byte("re:hi"), got[0].payload)
	assert.Equal(t, 1, msg.ackCount())
}

func TestDispatcher_NilBodyPublishesEmptyPayload(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(map[string]Handler{
		"noop": HandlerFunc(func([]byte) (Result, bool) { return OK(200, nil), true }),
	}, pub)

	d.Handle(call("noop", "r", ""))
	d.Close()

	got := pub.all()
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].payload)
	assert.Empty(t, got[0].payload)
}

func TestDispatcher_MethodNameWithSlashes(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(map[string]Handler{
		"a/b/c": HandlerFunc(func([]byte) (Result, bool) { return OK(200, []byte("ok")), true }),
	}, pub)

	d.Handle(call("a/b/c", "7", ""))
	d.Close()

	got := pub.all()
	require.Len(t, got, 1)
	assert.Equal(t, "$iothub/methods/res/200/?$rid=7", got[0].topic)
}

func TestDispatcher_HandlerError(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(map[string]Handler{
		"bad": HandlerFunc(func([]byte) (Result, bool) { return Fail(400, "Invalid payload"), true }),
	}, pub)

	d.Handle(call("bad", "x", "{"))
	d.Close()

	got := pub.all()
	require.Len(t, got, 1)
	assert.Equal(t, "$iothub/methods/res/400/?$rid=x", got[0].topic)
	assert.JSONEq(t, `{"detail":"Invalid payload"}`, string(got[0].payload))
}

func TestDispatcher_NoHandler(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(nil, pub)

	d.Handle(call("missing", "1", ""))
	d.Close()

	got := pub.all()
	require.Len(t, got, 1)
	assert.Equal(t, "$iothub/methods/res/404/?$rid=1", got[0].topic)
	assert.Equal(t, "No handler found", detail(t, got[0].payload))
}

func TestDispatcher_NotApplicableIsNotFound(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(map[string]Handler{
		"skip": HandlerFunc(func([]byte) (Result, bool) { return Result{}, false }),
	}, pub)

	d.Handle(call("skip", "1", ""))
	d.Close()

	got := pub.all()
	require.Len(t, got, 1)
	assert.Equal(t, "$iothub/methods/res/404/?$rid=1", got[0].topic)
}

func TestDispatcher_PanicBecomes500(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(map[string]Handler{
		"str":  HandlerFunc(func([]byte) (Result, bool) { panic("disk on fire") }),
		"err":  HandlerFunc(func([]byte) (Result, bool) { panic(errors.New("bad state")) }),
		"int":  HandlerFunc(func([]byte) (Result, bool) { panic(42) }),
		"fine": HandlerFunc(func([]byte) (Result, bool) { return OK(200, nil), true }),
	}, pub)

	d.Handle(call("str", "1", ""))
	d.Handle(call("err", "2", ""))
	d.Handle(call("int", "3", ""))
	d.Handle(call("fine", "4", ""))
	d.Close()

	got := pub.all()
	require.Len(t, got, 4)

	assert.Equal(t, "$iothub/methods/res/500/?$rid=1", got[0].topic)
	assert.Contains(t, detail(t, got[0].payload), "disk on fire")
	assert.Equal(t, "Panic: disk on fire", detail(t, got[0].payload))

	assert.Equal(t, "Panic: bad state", detail(t, got[1].payload))
	assert.Equal(t, "Unknown panic", detail(t, got[2].payload))

	// The worker survives the panics.
	assert.Equal(t, "$iothub/methods/res/200/?$rid=4", got[3].topic)
}

func TestDispatcher_MalformedTopicsAreDropped(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(nil, pub)

	for _, topic := range []string{
		"$iothub/methods/POST/reboot",
		"$iothub/methods/POST/reboot/?x=1",
		"$iothub/methods/POST/reboot/$rid=1",
	} {
		assert.False(t, d.Handle(&fakeMessage{topic: topic}))
	}
	d.Close()

	assert.Empty(t, pub.all())
}

func TestDispatcher_QueueOverflowDropsExtraCalls(t *testing.T) {
	pub := &recordingPublisher{}
	d := newDispatcher(map[string]Handler{
		"m": HandlerFunc(func([]byte) (Result, bool) { return OK(200, nil), true }),
	}, pub)

	accepted := 0
	for i := 0; i < DefaultQueueCapacity+1; i++ {
		done := make(chan bool, 1)
		go func() { done <- d.Handle(call("m", fmt.Sprint(i), "")) }()
		select {
		case ok := <-done:
			if ok {
				accepted++
			}
		case <-time.After(time.Second):
			t.Fatal("Handle blocked on a full queue")
		}
	}
	assert.Equal(t, DefaultQueueCapacity, accepted)

	d.start()
	d.Close()

	assert.Len(t, pub.all(), DefaultQueueCapacity)
}

func TestDispatcher_CustomCapacity(t *testing.T) {
	d := newDispatcher(nil, &recordingPublisher{}, WithQueueCapacity(2))

	assert.True(t, d.Handle(call("m", "1", "")))
	assert.True(t, d.Handle(call("m", "2", "")))
	assert.False(t, d.Handle(call("m", "3", "")))

	d.start()
	d.Close()
}

func TestDispatcher_HandleAfterCloseIsDropped(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(nil, pub)
	d.Close()
	d.Close()

	assert.False(t, d.Handle(call("m", "1", "")))
	assert.Empty(t, pub.all())
}

func TestDispatcher_AcksBeforeHandlerRuns(t *testing.T) {
	pub := &recordingPublisher{}
	var msg *fakeMessage
	ackedBefore := make(chan int, 1)
	d := New(map[string]Handler{
		"m": HandlerFunc(func([]byte) (Result, bool) {
			ackedBefore <- msg.ackCount()
			return OK(200, nil), true
		}),
	}, pub)

	msg = call("m", "1", "")
	d.Handle(msg)
	d.Close()

	assert.Equal(t, 1, <-ackedBefore)
}

func TestDispatcher_FIFOOrder(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(map[string]Handler{
		"m": HandlerFunc(func(p []byte) (Result, bool) { return OK(200, p), true }),
	}, pub)

	for i := 0; i < 10; i++ {
		d.Handle(call("m", fmt.Sprint(i), fmt.Sprint(i)))
	}
	d.Close()

	got := pub.all()
	require.Len(t, got, 10)
	for i, p := range got {
		assert.Equal(t, fmt.Sprint(i), string(p.payload))
	}
}

func TestDispatcher_PublishFailureIsIgnored(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("offline")}
	d := New(map[string]Handler{
		"m": HandlerFunc(func([]byte) (Result, bool) { return OK(200, nil), true }),
	}, pub)

	d.Handle(call("m", "1", ""))
	d.Handle(call("m", "2", ""))
	d.Close()

	assert.Len(t, pub.all(), 2)
}

type recordingObserver struct {
	mu     sync.Mutex
	before []string
	after  []uint16
}

func (o *recordingObserver) BeforeInvoke(method, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.before = append(o.before, method)
}

func (o *recordingObserver) AfterInvoke(_, _ string, status uint16, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.after = append(o.after, status)
}

func TestDispatcher_Observer(t *testing.T) {
	obs := &recordingObserver{}
	d := New(map[string]Handler{
		"ok": HandlerFunc(func([]byte) (Result, bool) { return OK(200, nil), true }),
	}, &recordingPublisher{}, WithObserver(obs))

	d.Handle(call("ok", "1", ""))
	d.Handle(call("nope", "2", ""))
	d.Close()

	assert.Equal(t, []string{"ok", "nope"}, obs.before)
	assert.Equal(t, []uint16{200, 404}, obs.after)
}

type panickingObserver struct {
	recordingObserver
	panicked bool
}

func (o *panickingObserver) AfterInvoke(method, rid string, status uint16, elapsed time.Duration) {
	o.recordingObserver.AfterInvoke(method, rid, status, elapsed)
	o.mu.Lock()
	first := !o.panicked
	o.panicked = true
	o.mu.Unlock()
	if first {
		panic("observer bug")
	}
}

func TestDispatcher_ObserverPanicKeepsWorkerAlive(t *testing.T) {
	pub := &recordingPublisher{}
	obs := &panickingObserver{}
	d := New(map[string]Handler{
		"m": HandlerFunc(func([]byte) (Result, bool) { return OK(200, nil), true }),
	}, pub, WithObserver(obs))

	require.True(t, d.Handle(call("m", "1", "")))
	require.Eventually(t, func() bool { return len(pub.all()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, d.Handle(call("m", "2", "")))
	d.Close()

	got := pub.all()
	require.Len(t, got, 2)
	assert.Equal(t, "$iothub/methods/res/200/?$rid=2", got[1].topic)
	assert.Equal(t, []uint16{200, 200}, obs.after)
}
