// Package discovery serves the small HTTP surface remote clients use to find
// the WebSocket endpoint on the local network.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/roocode/sync-bridge/internal/netprobe"
)

var ErrAlreadyRunning = errors.New("discovery server already running")

// capabilities advertised in the /discover document.
var capabilities = []string{"ai_conversation", "trigger_send", "echo", "ping_pong"}

var endpoints = []string{"/discover", "/health", "/"}

// Config tunes one discovery server instance.
type Config struct {
	// Port to listen on; 0 binds an ephemeral port.
	Port        int
	ServiceName string
	Version     string
	// AppName is the host application, surfaced as "app" in /discover.
	AppName string
	// PrimaryIP is the probed LAN address; netprobe.Unknown makes /discover
	// report a 500 until the network is known.
	PrimaryIP string
	// WSPort is the advertised sync protocol port.
	WSPort int
}

// Server is the discovery HTTP endpoint. All responses are pretty-printed
// JSON with open CORS; only GET (and OPTIONS preflight) is served.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	ln        net.Listener
	httpSrv   *http.Server
	startedAt time.Time
}

// New creates a discovery server. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.AppName == "" {
		cfg.AppName = "Roo Code"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{cfg: cfg, logger: logger}
}

// Start binds the listener; a second Start on a running server fails.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/discover", s.handleDiscover)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleIndex)

	s.ln = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.startedAt = time.Now()
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("discovery server stopped", "error", err)
		}
	}()

	s.logger.Info("discovery server listening", "port", s.Port())
	return nil
}

// Port returns the bound port, or the configured one before Start.
func (s *Server) Port() int {
	if s.ln != nil {
		if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.cfg.Port
}

// Stop shuts the listener down. It is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.httpSrv.Close()
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if done := s.preamble(w, r); done {
		return
	}
	if s.cfg.PrimaryIP == "" || s.cfg.PrimaryIP == netprobe.Unknown {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "network unavailable",
			"message": "primary IP address could not be determined",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          s.cfg.ServiceName,
		"websocket_url": netprobe.WebSocketURL(s.cfg.PrimaryIP, s.cfg.WSPort),
		"version":       s.cfg.Version,
		"platform":      runtime.GOOS,
		"app":           s.cfg.AppName,
		"capabilities":  capabilities,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if done := s.preamble(w, r); done {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UnixMilli(),
		"service":        s.cfg.ServiceName,
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if done := s.preamble(w, r); done {
		return
	}
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":               "Not found",
			"path":                r.URL.Path,
			"available_endpoints": endpoints,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        s.cfg.ServiceName,
		"version":        s.cfg.Version,
		"endpoints":      endpoints,
		"websocket_port": s.cfg.WSPort,
	})
}

// preamble applies CORS, answers preflight, and rejects non-GET methods.
func (s *Server) preamble(w http.ResponseWriter, r *http.Request) bool {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return true
	case http.MethodGet:
		return false
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": "method not allowed",
		})
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
