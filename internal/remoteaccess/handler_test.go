package remoteaccess

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotflow-io/device-sdk/internal/proxy"
	"github.com/spotflow-io/device-sdk/internal/tunnel"
)

type fakeConnector struct {
	err   error
	calls []proxy.ConnectionDetails
}

func (c *fakeConnector) Connect(d proxy.ConnectionDetails) error {
	c.calls = append(c.calls, d)
	return c.err
}

const tunnelID = "8b6f3c1e-4a1d-4e0c-9d0a-1f2b3c4d5e6f"

func payload(port int, uri string) []byte {
	return []byte(fmt.Sprintf(`{"tunnelId":%q,"port":%d,"tunnelSecureUri":%q}`, tunnelID, port, uri))
}

func TestHandler_Success(t *testing.T) {
	c := &fakeConnector{}
	h := New(c, nil, zerolog.Nop())

	res, ok := h.Handle([]byte(`{"tunnelId":"` + tunnelID + `","port":22,` +
		`"tunnelSecureUri":"wss://tunnels.example.com/t/1","traceparentHeader":"00-abc-def-01"}`))

	require.True(t, ok)
	assert.False(t, res.Failed())
	assert.Equal(t, uint16(200), res.Status)
	assert.Nil(t, res.Body)

	require.Len(t, c.calls, 1)
	got := c.calls[0]
	assert.Equal(t, uuid.MustParse(tunnelID), got.TunnelID)
	assert.Equal(t, uint16(22), got.TargetPort)
	assert.Equal(t, "wss://tunnels.example.com/t/1", got.TunnelSecureURI.String())
	assert.Equal(t, "00-abc-def-01", got.TraceparentHeader)
}

func TestHandler_InvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"missing tunnel id", `{"port":22,"tunnelSecureUri":"wss://x"}`},
		{"bad tunnel id", `{"tunnelId":"nope","port":22,"tunnelSecureUri":"wss://x"}`},
		{"missing port", `{"tunnelId":"` + tunnelID + `","tunnelSecureUri":"wss://x"}`},
		{"port out of range", `{"tunnelId":"` + tunnelID + `","port":70000,"tunnelSecureUri":"wss://x"}`},
		{"missing uri", `{"tunnelId":"` + tunnelID + `","port":22}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeConnector{}
			res, ok := New(c, nil, zerolog.Nop()).Handle([]byte(tt.payload))

			require.True(t, ok)
			assert.True(t, res.Failed())
			assert.Equal(t, uint16(400), res.Status)
			assert.Equal(t, "Invalid payload", res.Message)
			assert.Empty(t, c.calls)
		})
	}
}

func TestHandler_InvalidURI(t *testing.T) {
	for _, uri := range []string{"://bad", "https://example.com", "wss://", "not a uri"} {
		c := &fakeConnector{}
		res, _ := New(c, nil, zerolog.Nop()).Handle(payload(22, uri))

		assert.Equal(t, uint16(400), res.Status, uri)
		assert.Equal(t, "Invalid tunnel secure URI", res.Message, uri)
		assert.Empty(t, c.calls)
	}
}

func TestHandler_PortNotAllowed(t *testing.T) {
	ports, err := ParsePorts("22, 8080")
	require.NoError(t, err)
	c := &fakeConnector{}
	h := New(c, ports, zerolog.Nop())

	res, _ := h.Handle(payload(5432, "wss://t.example.com"))
	assert.Equal(t, uint16(403), res.Status)
	assert.Empty(t, c.calls)

	res, _ = h.Handle(payload(8080, "wss://t.example.com"))
	assert.Equal(t, uint16(200), res.Status)
	assert.Len(t, c.calls, 1)
}

func TestHandler_ConnectionErrors(t *testing.T) {
	id := uuid.MustParse(tunnelID)
	cause := errors.New("connection refused")

	tests := []struct {
		name    string
		err     error
		status  uint16
		message string
	}{
		{
			name:    "previous attempt",
			err:     &tunnel.ConnectionError{Kind: tunnel.ErrPreviousAttemptStillActive, TunnelID: id},
			status:  409,
			message: "Previous attempt still active.",
		},
		{
			name:    "target port",
			err:     &tunnel.ConnectionError{Kind: tunnel.ErrTargetPortConnectionFailed, TunnelID: id, Err: cause},
			status:  500,
			message: "Failed to connect to target port: connection refused",
		},
		{
			name:    "remote server",
			err:     &tunnel.ConnectionError{Kind: tunnel.ErrServerConnectionFailed, TunnelID: id, Err: cause},
			status:  500,
			message: "Failed to connect to remote server: connection refused",
		},
		{
			name:    "manager closed",
			err:     tunnel.ErrManagerClosed,
			status:  503,
			message: "Remote access is shutting down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := New(&fakeConnector{err: tt.err}, nil, zerolog.Nop()).Handle(payload(22, "wss://t.example.com"))

			require.True(t, ok)
			assert.True(t, res.Failed())
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.message, res.Message)
		})
	}
}

func TestParsePorts(t *testing.T) {
	set, err := ParsePorts("22,,  443 ,8080")
	require.NoError(t, err)
	assert.True(t, set.Allowed(22))
	assert.True(t, set.Allowed(443))
	assert.True(t, set.Allowed(8080))
	assert.False(t, set.Allowed(80))

	for _, bad := range []string{"0", "65536", "ssh", "22,-1"} {
		_, err := ParsePorts(bad)
		assert.Error(t, err, bad)
	}
}
