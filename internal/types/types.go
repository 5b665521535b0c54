package types

import "github.com/google/uuid"

// RemoteAccessMethod is the direct method that opens a device tunnel.
const RemoteAccessMethod = "!remote-access"

// RemoteAccessRequest is the payload of a remote-access call. Pointer fields
// are required on the wire; nil means the caller omitted them.
type RemoteAccessRequest struct {
	TunnelID          *uuid.UUID `json:"tunnelId"`
	Port              *uint16    `json:"port"`
	TunnelSecureURI   *string    `json:"tunnelSecureUri"`
	TraceparentHeader *string    `json:"traceparentHeader,omitempty"`
}

// ErrorResponse is the body of every failed direct method response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Traffic is the number of bytes a tunnel moved in each direction.
type Traffic struct {
	// BytesIn were read from the remote endpoint and written to the target port.
	BytesIn int64 `json:"bytesIn"`
	// BytesOut were read from the target port and sent to the remote endpoint.
	BytesOut int64 `json:"bytesOut"`
}
