package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spotflow-io/device-sdk/internal/types"
)

const (
	readBufferSize    = 1024
	closeWriteTimeout = time.Second
)

// Session forwards bytes between a local TCP connection and a remote
// WebSocket until both directions finish.
//
// Only the local->remote loop writes data frames. Close frames go through
// WriteControl, which gorilla allows concurrently with other writes.
type Session struct {
	local  net.Conn
	remote *websocket.Conn
	logger zerolog.Logger
}

// Run forwards until both loops exit and returns the bytes moved in each
// direction. Cancelling ctx aborts the session by closing both legs.
func (s *Session) Run(ctx context.Context) types.Traffic {
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()
	defer s.abort()

	var in, out int64
	var g errgroup.Group
	g.Go(func() error {
		defer s.recoverLoop("remote->local")
		in = s.remoteToLocal()
		return nil
	})
	g.Go(func() error {
		defer s.recoverLoop("local->remote")
		out = s.localToRemote()
		return nil
	})
	_ = g.Wait()

	s.logger.Debug().Int64("bytes_in", in).Int64("bytes_out", out).Msg("Tunnel closed")
	return types.Traffic{BytesIn: in, BytesOut: out}
}

func (s *Session) abort() {
	s.local.Close()
	s.remote.Close()
}

func (s *Session) recoverLoop(name string) {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("loop", name).Msg("Forwarding loop panicked")
	}
}

// remoteToLocal copies frame payloads to the local socket until the remote
// side closes, then half-closes the local write side.
func (s *Session) remoteToLocal() int64 {
	var n int64
	defer s.closeLocalWrite()

	for {
		mt, data, err := s.remote.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.logger.Debug().Int("code", ce.Code).Msg("Remote closed the tunnel")
			} else if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("Failed to read from remote server")
			}
			return n
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}

		if _, err := s.local.Write(data); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write to target port")
			return n
		}
		n += int64(len(data))
		s.logger.Trace().Int("bytes", len(data)).Msg("Forwarded remote->local")
	}
}

// localToRemote wraps local reads into binary frames. Local EOF sends a close
// frame to the remote side.
func (s *Session) localToRemote() int64 {
	var n int64
	buf := make([]byte, readBufferSize)

	for {
		read, err := s.local.Read(buf)
		if read > 0 {
			if werr := s.remote.WriteMessage(websocket.BinaryMessage, buf[:read]); werr != nil {
				s.logger.Warn().Err(werr).Msg("Failed to write to remote server")
				return n
			}
			n += int64(read)
			s.logger.Trace().Int("bytes", read).Msg("Forwarded local->remote")
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			s.logger.Debug().Msg("Target port closed the connection")
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if cerr := s.remote.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); cerr != nil &&
				!errors.Is(cerr, websocket.ErrCloseSent) {
				s.logger.Debug().Err(cerr).Msg("Failed to send close frame")
			}
		} else if !errors.Is(err, net.ErrClosed) {
			s.logger.Warn().Err(err).Msg("Failed to read from target port")
		}
		return n
	}
}

func (s *Session) closeLocalWrite() {
	if cw, ok := s.local.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
