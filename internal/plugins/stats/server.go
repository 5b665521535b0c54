package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// JSON response types served by the local API

type tunnelJSON struct {
	TunnelID    string `json:"tunnel_id"`
	Port        int    `json:"port"`
	ConnectedAt int64  `json:"connected_at"`
}

type invocationJSON struct {
	ID        int     `json:"id"`
	Method    string  `json:"method"`
	RequestID string  `json:"request_id"`
	Status    uint16  `json:"status"`
	LatencyMs float64 `json:"latency_ms"`
	CreatedAt int64   `json:"created_at"`
}

type summaryJSON struct {
	ActiveTunnels     int     `json:"active_tunnels"`
	TunnelsOpened     int     `json:"tunnels_opened"`
	TunnelsClosed     int     `json:"tunnels_closed"`
	TotalBytesIn      int64   `json:"total_bytes_in"`
	TotalBytesOut     int64   `json:"total_bytes_out"`
	TotalInvocations  int     `json:"total_invocations"`
	FailedInvocations int     `json:"failed_invocations"`
	AvgLatency        float64 `json:"avg_latency"`
}

// Server serves the stats API locally.
type Server struct {
	store    *Store
	logger   zerolog.Logger
	listener net.Listener
	srv      *http.Server
}

// StartServer starts the local stats HTTP server on the given port.
// Port 0 picks a free port; Addr reports the actual address.
func StartServer(store *Store, port int, logger zerolog.Logger) (*Server, error) {
	mux := http.NewServeMux()
	s := &Server{store: store, logger: logger}

	mux.HandleFunc("/api/stats/tunnels", s.handleTunnels)
	mux.HandleFunc("/api/stats/invocations", s.handleInvocations)
	mux.HandleFunc("/api/stats/summary", s.handleSummary)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	s.listener = ln

	s.srv = &http.Server{Handler: corsMiddleware(mux), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Stats server error")
		}
	}()

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write stats response")
	}
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	tunnels := make([]tunnelJSON, 0, len(snap))
	for _, ts := range snap {
		tunnels = append(tunnels, tunnelJSON{
			TunnelID:    ts.TunnelID,
			Port:        ts.Port,
			ConnectedAt: ts.ConnectedAt.Unix(),
		})
	}
	s.writeJSON(w, map[string]any{"tunnels": tunnels})
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 100
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	method := r.URL.Query().Get("method")
	entries := s.store.RecentInvocations(limit)

	// Newest first, filtered by method if provided
	out := make([]invocationJSON, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if method != "" && e.Method != method {
			continue
		}
		out = append(out, invocationJSON{
			ID:        e.ID,
			Method:    e.Method,
			RequestID: e.RequestID,
			Status:    e.Status,
			LatencyMs: float64(e.Latency.Microseconds()) / 1000,
			CreatedAt: e.Timestamp.Unix(),
		})
	}
	s.writeJSON(w, map[string]any{"invocations": out})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	totals := s.store.Totals()
	sum := summaryJSON{
		ActiveTunnels:     len(s.store.Snapshot()),
		TunnelsOpened:     totals.TunnelsOpened,
		TunnelsClosed:     totals.TunnelsClosed,
		TotalBytesIn:      totals.BytesIn,
		TotalBytesOut:     totals.BytesOut,
		TotalInvocations:  totals.Invocations,
		FailedInvocations: totals.FailedInvocations,
	}
	if totals.Invocations > 0 {
		sum.AvgLatency = float64(totals.TotalLatency.Microseconds()) / 1000 / float64(totals.Invocations)
	}
	s.writeJSON(w, map[string]any{"summary": sum})
}
