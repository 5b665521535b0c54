package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultLocalTimeout  = 5 * time.Second
	DefaultRemoteTimeout = 20 * time.Second
	DefaultTargetHost    = "127.0.0.1"

	traceparentHeader = "traceparent"
)

// ConnectionDetails describes one tunnel to open.
type ConnectionDetails struct {
	TunnelID          uuid.UUID
	TargetPort        uint16
	TunnelSecureURI   *url.URL
	TraceparentHeader string
}

// Leg identifies which side of the tunnel failed to open.
type Leg int

const (
	LocalLeg Leg = iota
	RemoteLeg
)

func (l Leg) String() string {
	if l == LocalLeg {
		return "local"
	}
	return "remote"
}

// DialError reports a failed handshake leg.
type DialError struct {
	Leg Leg
	Err error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("%s leg: %v", e.Leg, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Dialer opens forwarding sessions. The zero value dials 127.0.0.1 with the
// default timeouts.
type Dialer struct {
	TargetHost    string
	LocalTimeout  time.Duration
	RemoteTimeout time.Duration
	WebSocket     *websocket.Dialer
	Logger        zerolog.Logger
}

// Dial performs the two-leg handshake: the local target port first, then the
// remote endpoint. The remote endpoint accepts a single connection per tunnel
// id, so it is never contacted when the local port is unreachable.
func (d *Dialer) Dial(ctx context.Context, details ConnectionDetails) (*Session, error) {
	local, err := d.dialLocal(ctx, details.TargetPort)
	if err != nil {
		return nil, &DialError{Leg: LocalLeg, Err: err}
	}

	remote, err := d.dialRemote(ctx, details)
	if err != nil {
		local.Close()
		return nil, &DialError{Leg: RemoteLeg, Err: err}
	}

	logger := d.Logger.With().Str("tunnel_id", details.TunnelID.String()).Logger()
	logger.Debug().Uint16("port", details.TargetPort).Msg("Tunnel established")

	return &Session{
		local:  local,
		remote: remote,
		logger: logger,
	}, nil
}

func (d *Dialer) dialLocal(ctx context.Context, port uint16) (net.Conn, error) {
	host := d.TargetHost
	if host == "" {
		host = DefaultTargetHost
	}
	timeout := d.LocalTimeout
	if timeout <= 0 {
		timeout = DefaultLocalTimeout
	}

	nd := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	d.Logger.Debug().Str("addr", addr).Msg("Connecting to target port")
	return nd.DialContext(ctx, "tcp", addr)
}

func (d *Dialer) dialRemote(ctx context.Context, details ConnectionDetails) (*websocket.Conn, error) {
	if details.TunnelSecureURI == nil {
		return nil, errors.New("missing tunnel URI")
	}
	timeout := d.RemoteTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	wsd := d.WebSocket
	if wsd == nil {
		wsd = websocket.DefaultDialer
	}

	header := http.Header{}
	if details.TraceparentHeader != "" {
		header.Set(traceparentHeader, details.TraceparentHeader)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.Logger.Debug().Str("url", details.TunnelSecureURI.Redacted()).Msg("Connecting to remote server")
	conn, resp, err := wsd.DialContext(ctx, details.TunnelSecureURI.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}
