package stats

import (
	"flag"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotflow-io/device-sdk/internal/hooks"
	"github.com/spotflow-io/device-sdk/internal/methods"
	"github.com/spotflow-io/device-sdk/internal/types"
)

// InvocationEntry is a single direct method call held in memory.
type InvocationEntry struct {
	ID        int
	Method    string
	RequestID string
	Status    uint16
	Latency   time.Duration
	Timestamp time.Time
}

// TunnelStats describes one live tunnel.
type TunnelStats struct {
	TunnelID    string
	Port        int
	ConnectedAt time.Time
}

// Totals are counters over the whole process lifetime.
type Totals struct {
	TunnelsOpened     int
	TunnelsClosed     int
	BytesIn           int64
	BytesOut          int64
	Invocations       int
	FailedInvocations int
	TotalLatency      time.Duration
}

// Store is the in-memory stats store. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	tunnels     map[string]*TunnelStats // keyed by tunnel id
	tunnelOrder []string                // insertion order for stable iteration
	logs        []InvocationEntry       // ring buffer
	maxLogs     int
	nextID      int
	totals      Totals
}

func NewStore(maxLogs int) *Store {
	return &Store{
		tunnels: make(map[string]*TunnelStats),
		maxLogs: maxLogs,
	}
}

func (s *Store) RecordConnect(tunnelID string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tunnels[tunnelID]; !ok {
		s.tunnelOrder = append(s.tunnelOrder, tunnelID)
	}
	s.tunnels[tunnelID] = &TunnelStats{
		TunnelID:    tunnelID,
		Port:        port,
		ConnectedAt: time.Now(),
	}
	s.totals.TunnelsOpened++
}

func (s *Store) RecordDisconnect(tunnelID string, traffic types.Traffic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tunnels, tunnelID)
	for i, id := range s.tunnelOrder {
		if id == tunnelID {
			s.tunnelOrder = append(s.tunnelOrder[:i], s.tunnelOrder[i+1:]...)
			break
		}
	}
	s.totals.TunnelsClosed++
	s.totals.BytesIn += traffic.BytesIn
	s.totals.BytesOut += traffic.BytesOut
}

func (s *Store) RecordInvocation(method, requestID string, status uint16, latency time.Duration) {
	entry := InvocationEntry{
		Method:    method,
		RequestID: requestID,
		Status:    status,
		Latency:   latency,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID

	// Ring buffer: keep last maxLogs entries
	if len(s.logs) >= s.maxLogs {
		s.logs = append(s.logs[1:], entry)
	} else {
		s.logs = append(s.logs, entry)
	}

	s.totals.Invocations++
	s.totals.TotalLatency += latency
	if status >= 400 {
		s.totals.FailedInvocations++
	}
}

// Snapshot returns a copy of all live tunnels in stable insertion order.
func (s *Store) Snapshot() []TunnelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TunnelStats, 0, len(s.tunnelOrder))
	for _, id := range s.tunnelOrder {
		if ts, ok := s.tunnels[id]; ok {
			out = append(out, *ts)
		}
	}
	return out
}

// RecentInvocations returns the last n invocation entries, oldest first.
func (s *Store) RecentInvocations(n int) []InvocationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]InvocationEntry, n)
	copy(out, s.logs[len(s.logs)-n:])
	return out
}

func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// --- Plugin wiring ---

// Plugin implements hooks.Plugin for in-memory stats collection.
// Controlled by a single -dashboard-port flag: port > 0 enables stats and the
// local API, 0 disables everything.
type Plugin struct {
	dashboardPort int
	logger        zerolog.Logger
	store         *Store

	mu     sync.Mutex
	server *Server
}

func New(logger zerolog.Logger) *Plugin {
	return &Plugin{
		logger: logger,
		store:  NewStore(1000),
	}
}

func (p *Plugin) Name() string { return "stats" }
func (p *Plugin) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&p.dashboardPort, "dashboard-port", 9999, "Local stats API port (0 to disable stats entirely)")
}
func (p *Plugin) Enabled() bool                                         { return p.dashboardPort > 0 }
func (p *Plugin) Handlers(_ *hooks.Pipeline) map[string]methods.Handler { return nil }
func (p *Plugin) InvocationHooks() []hooks.InvocationHook {
	return []hooks.InvocationHook{&invocationHook{plugin: p}}
}
func (p *Plugin) ConnectionHooks() []hooks.ConnectionHook {
	return []hooks.ConnectionHook{&connHook{plugin: p}}
}

// Store returns the underlying store for external consumers.
func (p *Plugin) Store() *Store { return p.store }

// startServer starts the local HTTP API on the first recorded event.
func (p *Plugin) startServer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dashboardPort == 0 || p.server != nil {
		return
	}
	srv, err := StartServer(p.store, p.dashboardPort, p.logger)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to start stats server")
		// Don't retry on every event.
		p.dashboardPort = 0
		return
	}
	p.server = srv
	p.logger.Info().Str("addr", "http://"+srv.Addr()).Msg("Stats API listening")
}

// Close stops the local API if it was started.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return nil
	}
	err := p.server.Close()
	p.server = nil
	return err
}

// --- Hooks ---

type invocationHook struct {
	hooks.NoOpInvocationHook
	plugin *Plugin
}

func (h *invocationHook) AfterInvoke(method, requestID string, status uint16, elapsed time.Duration) {
	h.plugin.store.RecordInvocation(method, requestID, status, elapsed)
	h.plugin.startServer()
}

type connHook struct {
	plugin *Plugin
}

func (h *connHook) OnConnect(tunnelID string, port int) {
	h.plugin.store.RecordConnect(tunnelID, port)
	h.plugin.startServer()
}

func (h *connHook) OnDisconnect(tunnelID string, traffic types.Traffic) {
	h.plugin.store.RecordDisconnect(tunnelID, traffic)
}
