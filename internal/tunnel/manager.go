package tunnel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotflow-io/device-sdk/internal/proxy"
	"github.com/spotflow-io/device-sdk/internal/types"
)

// SessionDialer opens forwarding sessions. *proxy.Dialer implements it.
type SessionDialer interface {
	Dial(ctx context.Context, details proxy.ConnectionDetails) (*proxy.Session, error)
}

// Observer is notified when a tunnel opens and when it finishes.
type Observer interface {
	NotifyConnect(tunnelID string, port int)
	NotifyDisconnect(tunnelID string, traffic types.Traffic)
}

type connectCmd struct {
	details proxy.ConnectionDetails
	reply   chan error
}

type finishedCmd struct {
	id    uuid.UUID
	entry *entry
}

type activeCmd struct {
	reply chan int
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Manager opens tunnels on request and keeps at most one live session per
// tunnel id. All bookkeeping happens on a single loop goroutine that owns the
// active table; Connect talks to it over a channel and waits for the reply.
type Manager struct {
	logger   zerolog.Logger
	dialer   SessionDialer
	observer Observer

	commands  chan any
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	sessions  sync.WaitGroup
}

type Option func(*Manager)

func WithDialer(d SessionDialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   zerolog.Nop(),
		commands: make(chan any),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.dialer == nil {
		m.dialer = &proxy.Dialer{Logger: m.logger}
	}
	go m.loop()
	return m
}

// Connect opens the tunnel described by details and blocks until both legs
// of the handshake succeed or one fails. The session keeps forwarding in the
// background after Connect returns nil.
func (m *Manager) Connect(details proxy.ConnectionDetails) error {
	cmd := connectCmd{details: details, reply: make(chan error, 1)}
	select {
	case m.commands <- cmd:
	case <-m.quit:
		return ErrManagerClosed
	}
	return <-cmd.reply
}

// Active returns the number of sessions that are still running.
func (m *Manager) Active() int {
	cmd := activeCmd{reply: make(chan int, 1)}
	select {
	case m.commands <- cmd:
	case <-m.quit:
		return 0
	}
	return <-cmd.reply
}

// Close aborts every running session and waits for the loop to exit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.stopped
}

func (m *Manager) loop() {
	defer close(m.stopped)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Tunnel manager loop panicked")
		}
	}()

	active := make(map[uuid.UUID]*entry)

	for {
		select {
		case <-m.quit:
			m.logger.Debug().Int("tunnels", len(active)).Msg("Shutting down tunnels")
			for _, e := range active {
				e.cancel()
			}
			m.sessions.Wait()
			return

		case c := <-m.commands:
			switch cmd := c.(type) {
			case connectCmd:
				m.connect(active, cmd)
			case finishedCmd:
				if e, ok := active[cmd.id]; ok && e == cmd.entry {
					delete(active, cmd.id)
				}
			case activeCmd:
				n := 0
				for _, e := range active {
					if !e.finished() {
						n++
					}
				}
				cmd.reply <- n
			}
		}
	}
}

func (m *Manager) connect(active map[uuid.UUID]*entry, cmd connectCmd) {
	id := cmd.details.TunnelID
	if e, ok := active[id]; ok && !e.finished() {
		m.logger.Warn().Str("tunnel_id", id.String()).Msg("Previous attempt still active")
		cmd.reply <- &ConnectionError{Kind: ErrPreviousAttemptStillActive, TunnelID: id}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{cancel: cancel, done: make(chan struct{})}
	active[id] = e

	m.sessions.Add(1)
	go m.run(ctx, e, cmd)
}

// run owns one session from handshake to completion.
func (m *Manager) run(ctx context.Context, e *entry, cmd connectCmd) {
	id := cmd.details.TunnelID
	logger := m.logger.With().Str("tunnel_id", id.String()).Logger()
	replied := false

	defer m.sessions.Done()
	defer func() {
		select {
		case m.commands <- finishedCmd{id: id, entry: e}:
		case <-m.quit:
		}
	}()
	defer e.cancel()
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Tunnel session panicked")
			if !replied {
				cmd.reply <- &ConnectionError{Kind: ErrServerConnectionFailed, TunnelID: id, Err: errors.New("session panicked")}
			}
		}
	}()

	sess, err := m.dialer.Dial(ctx, cmd.details)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open tunnel")
		cmd.reply <- connectionError(id, err)
		replied = true
		return
	}
	cmd.reply <- nil
	replied = true

	port := int(cmd.details.TargetPort)
	if m.observer != nil {
		m.observer.NotifyConnect(id.String(), port)
	}
	traffic := sess.Run(ctx)
	if m.observer != nil {
		m.observer.NotifyDisconnect(id.String(), traffic)
	}
}

func connectionError(id uuid.UUID, err error) *ConnectionError {
	var de *proxy.DialError
	if errors.As(err, &de) {
		kind := ErrServerConnectionFailed
		if de.Leg == proxy.LocalLeg {
			kind = ErrTargetPortConnectionFailed
		}
		return &ConnectionError{Kind: kind, TunnelID: id, Err: de.Err}
	}
	return &ConnectionError{Kind: ErrServerConnectionFailed, TunnelID: id, Err: err}
}
