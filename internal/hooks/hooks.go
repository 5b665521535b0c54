package hooks

import (
	"errors"
	"flag"
	"io"
	"time"

	"github.com/spotflow-io/device-sdk/internal/methods"
	"github.com/spotflow-io/device-sdk/internal/types"
)

// --- Hook interfaces ---

// InvocationHook observes direct method calls as the dispatcher runs them.
type InvocationHook interface {
	BeforeInvoke(method, requestID string)
	AfterInvoke(method, requestID string, status uint16, elapsed time.Duration)
}

// ConnectionHook observes tunnel lifecycle events.
type ConnectionHook interface {
	OnConnect(tunnelID string, port int)
	OnDisconnect(tunnelID string, traffic types.Traffic)
}

// NoOpInvocationHook is a convenience embed for hooks that only need one method.
type NoOpInvocationHook struct{}

func (NoOpInvocationHook) BeforeInvoke(_, _ string)                           {}
func (NoOpInvocationHook) AfterInvoke(_, _ string, _ uint16, _ time.Duration) {}

// NoOpConnectionHook is a convenience embed for hooks that only need one method.
type NoOpConnectionHook struct{}

func (NoOpConnectionHook) OnConnect(_ string, _ int)              {}
func (NoOpConnectionHook) OnDisconnect(_ string, _ types.Traffic) {}

// --- Plugin interface ---

// Plugin is the self-contained unit of optional functionality.
// Each plugin registers its own CLI flags, decides if it's active,
// contributes direct method handlers, and provides hooks.
type Plugin interface {
	// Name returns a short identifier (e.g. "stats", "portallow").
	Name() string
	// RegisterFlags is called before flag.Parse() — add your flags here.
	RegisterFlags(fs *flag.FlagSet)
	// Enabled returns true if the plugin should activate (check your flags).
	Enabled() bool
	// Handlers returns direct method handlers keyed by method name, or nil.
	// The pipeline is passed so plugins can feed their own events back into it.
	Handlers(p *Pipeline) map[string]methods.Handler
	// InvocationHooks returns invocation hooks to add to the pipeline, or nil.
	InvocationHooks() []InvocationHook
	// ConnectionHooks returns connection hooks to add to the pipeline, or nil.
	ConnectionHooks() []ConnectionHook
}

// --- Pipeline ---

// Pipeline runs registered hooks in order. Zero-value is ready to use.
// It satisfies methods.Observer and tunnel.Observer.
type Pipeline struct {
	plugins   []Plugin
	active    []Plugin
	invHooks  []InvocationHook
	connHooks []ConnectionHook
}

// RegisterPlugin adds a plugin. Call before flag.Parse().
func (p *Pipeline) RegisterPlugin(pl Plugin) {
	p.plugins = append(p.plugins, pl)
}

// RegisterFlags calls RegisterFlags on all plugins.
func (p *Pipeline) RegisterFlags(fs *flag.FlagSet) {
	for _, pl := range p.plugins {
		pl.RegisterFlags(fs)
	}
}

// Activate checks which plugins are enabled after flag.Parse(),
// and collects their hooks into the pipeline.
func (p *Pipeline) Activate() {
	for _, pl := range p.plugins {
		if !pl.Enabled() {
			continue
		}
		p.active = append(p.active, pl)
		p.invHooks = append(p.invHooks, pl.InvocationHooks()...)
		p.connHooks = append(p.connHooks, pl.ConnectionHooks()...)
	}
}

// Active returns the names of the enabled plugins.
func (p *Pipeline) Active() []string {
	names := make([]string, 0, len(p.active))
	for _, pl := range p.active {
		names = append(names, pl.Name())
	}
	return names
}

// Handlers merges the direct method handlers of all enabled plugins.
// Later plugins win on conflicting method names.
func (p *Pipeline) Handlers() map[string]methods.Handler {
	merged := map[string]methods.Handler{}
	for _, pl := range p.active {
		for name, h := range pl.Handlers(p) {
			merged[name] = h
		}
	}
	return merged
}

// Close closes every enabled plugin that holds resources, in reverse order.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.active) - 1; i >= 0; i-- {
		if c, ok := p.active[i].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) BeforeInvoke(method, requestID string) {
	for _, h := range p.invHooks {
		h.BeforeInvoke(method, requestID)
	}
}

func (p *Pipeline) AfterInvoke(method, requestID string, status uint16, elapsed time.Duration) {
	for _, h := range p.invHooks {
		h.AfterInvoke(method, requestID, status, elapsed)
	}
}

func (p *Pipeline) NotifyConnect(tunnelID string, port int) {
	for _, h := range p.connHooks {
		h.OnConnect(tunnelID, port)
	}
}

func (p *Pipeline) NotifyDisconnect(tunnelID string, traffic types.Traffic) {
	for _, h := range p.connHooks {
		h.OnDisconnect(tunnelID, traffic)
	}
}
