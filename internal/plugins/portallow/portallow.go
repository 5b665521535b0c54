// Package portallow is the remote-access plugin. It owns the tunnel manager
// and exposes the "!remote-access" direct method for an allowlist of ports.
package portallow

import (
	"flag"

	"github.com/rs/zerolog"

	"github.com/spotflow-io/device-sdk/internal/hooks"
	"github.com/spotflow-io/device-sdk/internal/methods"
	"github.com/spotflow-io/device-sdk/internal/proxy"
	"github.com/spotflow-io/device-sdk/internal/remoteaccess"
	"github.com/spotflow-io/device-sdk/internal/tunnel"
	"github.com/spotflow-io/device-sdk/internal/types"
)

type Plugin struct {
	ports    *string
	allPorts *bool

	dialer  *proxy.Dialer
	logger  zerolog.Logger
	manager *tunnel.Manager
}

func New(dialer *proxy.Dialer, logger zerolog.Logger) *Plugin {
	return &Plugin{dialer: dialer, logger: logger}
}

func (p *Plugin) Name() string { return "portallow" }

func (p *Plugin) RegisterFlags(fs *flag.FlagSet) {
	p.ports = fs.String("remote-access-ports", "", "Comma-separated list of local ports remote access may tunnel to (e.g. 22,8080)")
	p.allPorts = fs.Bool("remote-access-all-ports", false, "Allow remote access to every local port")
}

func (p *Plugin) Enabled() bool {
	return (p.allPorts != nil && *p.allPorts) || (p.ports != nil && *p.ports != "")
}

// Handlers starts the tunnel manager and returns the remote-access handler.
// An invalid port list disables the plugin.
func (p *Plugin) Handlers(pipeline *hooks.Pipeline) map[string]methods.Handler {
	var policy remoteaccess.PortPolicy = remoteaccess.AllPorts{}
	if !*p.allPorts {
		set, err := remoteaccess.ParsePorts(*p.ports)
		if err != nil {
			p.logger.Error().Err(err).Msg("Invalid -remote-access-ports, remote access disabled")
			return nil
		}
		policy = set
	}

	if p.manager == nil {
		opts := []tunnel.Option{tunnel.WithLogger(p.logger)}
		if p.dialer != nil {
			opts = append(opts, tunnel.WithDialer(p.dialer))
		}
		if pipeline != nil {
			opts = append(opts, tunnel.WithObserver(pipeline))
		}
		p.manager = tunnel.NewManager(opts...)
	}

	return map[string]methods.Handler{
		types.RemoteAccessMethod: remoteaccess.New(p.manager, policy, p.logger),
	}
}

func (p *Plugin) InvocationHooks() []hooks.InvocationHook { return nil }
func (p *Plugin) ConnectionHooks() []hooks.ConnectionHook { return nil }

// Close aborts every open tunnel.
func (p *Plugin) Close() error {
	if p.manager != nil {
		p.manager.Close()
	}
	return nil
}
