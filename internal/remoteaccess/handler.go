// Package remoteaccess implements the "!remote-access" direct method, which
// opens a tunnel from a cloud endpoint to a TCP port on the device.
package remoteaccess

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/spotflow-io/device-sdk/internal/methods"
	"github.com/spotflow-io/device-sdk/internal/proxy"
	"github.com/spotflow-io/device-sdk/internal/tunnel"
	"github.com/spotflow-io/device-sdk/internal/types"
)

// Connector opens tunnels. *tunnel.Manager implements it.
type Connector interface {
	Connect(details proxy.ConnectionDetails) error
}

// Handler is the methods.Handler for types.RemoteAccessMethod.
type Handler struct {
	connector Connector
	ports     PortPolicy
	logger    zerolog.Logger
}

// New returns a handler that opens tunnels through c. A nil policy allows
// every port.
func New(c Connector, ports PortPolicy, logger zerolog.Logger) *Handler {
	if ports == nil {
		ports = AllPorts{}
	}
	return &Handler{connector: c, ports: ports, logger: logger}
}

func (h *Handler) Handle(payload []byte) (methods.Result, bool) {
	details, res, ok := h.parse(payload)
	if !ok {
		return res, true
	}
	port := details.TargetPort

	if !h.ports.Allowed(port) {
		h.logger.Warn().Uint16("port", port).Msg("Remote access to port is not allowed")
		return methods.Fail(403, fmt.Sprintf("Remote access to port %d is not allowed", port)), true
	}

	err := h.connector.Connect(details)
	if err == nil {
		h.logger.Info().Str("tunnel_id", details.TunnelID.String()).Uint16("port", port).
			Msg("Connected to the tunnel")
		return methods.OK(200, nil), true
	}

	cause := err
	var ce *tunnel.ConnectionError
	if errors.As(err, &ce) && ce.Err != nil {
		cause = ce.Err
	}

	switch {
	case errors.Is(err, tunnel.ErrPreviousAttemptStillActive):
		h.logger.Warn().Str("tunnel_id", details.TunnelID.String()).
			Msg("The previous attempt to connect to the tunnel is still active")
		return methods.Fail(409, "Previous attempt still active."), true

	case errors.Is(err, tunnel.ErrTargetPortConnectionFailed):
		h.logger.Warn().Err(cause).Uint16("port", port).Msg("Target port connection failed")
		return methods.Fail(500, fmt.Sprintf("Failed to connect to target port: %v", cause)), true

	case errors.Is(err, tunnel.ErrServerConnectionFailed):
		h.logger.Warn().Err(cause).Uint16("port", port).Msg("Remote server connection failed")
		return methods.Fail(500, fmt.Sprintf("Failed to connect to remote server: %v", cause)), true

	case errors.Is(err, tunnel.ErrManagerClosed):
		return methods.Fail(503, "Remote access is shutting down"), true

	default:
		h.logger.Error().Err(err).Msg("Unexpected tunnel error")
		return methods.Fail(500, err.Error()), true
	}
}

func (h *Handler) parse(payload []byte) (proxy.ConnectionDetails, methods.Result, bool) {
	var req types.RemoteAccessRequest
	if err := json.Unmarshal(payload, &req); err != nil ||
		req.TunnelID == nil || req.Port == nil || req.TunnelSecureURI == nil {
		h.logger.Warn().Err(err).Msg("Invalid remote access payload")
		return proxy.ConnectionDetails{}, methods.Fail(400, "Invalid payload"), false
	}

	uri, err := url.Parse(*req.TunnelSecureURI)
	if err != nil || (uri.Scheme != "ws" && uri.Scheme != "wss") || uri.Host == "" {
		h.logger.Warn().Str("uri", *req.TunnelSecureURI).Msg("Invalid tunnel secure URI")
		return proxy.ConnectionDetails{}, methods.Fail(400, "Invalid tunnel secure URI"), false
	}

	details := proxy.ConnectionDetails{
		TunnelID:        *req.TunnelID,
		TargetPort:      *req.Port,
		TunnelSecureURI: uri,
	}
	if req.TraceparentHeader != nil {
		details.TraceparentHeader = *req.TraceparentHeader
	}
	return details, methods.Result{}, true
}
