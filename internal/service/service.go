// Package service is the orchestrator: it owns the connection server, the
// discovery endpoint and the AI bridge, and ties their lifecycles to one
// Start/Stop pair.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roocode/sync-bridge/internal/bridge"
	"github.com/roocode/sync-bridge/internal/config"
	"github.com/roocode/sync-bridge/internal/discovery"
	"github.com/roocode/sync-bridge/internal/host"
	"github.com/roocode/sync-bridge/internal/netprobe"
	"github.com/roocode/sync-bridge/internal/protocol"
	"github.com/roocode/sync-bridge/internal/redact"
	"github.com/roocode/sync-bridge/internal/server"
)

var ErrAlreadyRunning = errors.New("sync service already running")

// Status is the service-level snapshot surfaced to callers and the host UI.
type Status struct {
	Running          bool
	Network          netprobe.Info
	Connections      []server.Info
	ConnectedClients int
	WebSocketPort    int
	DiscoveryPort    int
}

// Service wires the servers and the bridge together. All fields behind mu are
// nil while stopped.
type Service struct {
	provider host.Provider
	logger   *slog.Logger

	// cleanupInterval drives the periodic stale-client sweep.
	cleanupInterval time.Duration

	mu          sync.Mutex
	cfg         *config.Config
	running     bool
	network     netprobe.Info
	ws          *server.Server
	disc        *discovery.Server
	br          *bridge.Bridge
	unsubs      []func()
	cleanupDone chan struct{}
}

// New creates a stopped service around the given host provider. A nil logger
// discards output.
func New(cfg *config.Config, provider host.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		provider:        provider,
		logger:          logger,
		cleanupInterval: time.Hour,
		cfg:             cfg,
	}
}

// Start probes the network, binds both servers on free ports near the
// configured ones, and wires the bridge. A failure at any step rolls back the
// parts already started. With sync disabled, Start returns nil without
// binding anything.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	cfg := s.cfg
	s.mu.Unlock()

	if !cfg.Sync.Enabled {
		s.logger.Info("sync service disabled")
		return nil
	}

	network := netprobe.Probe(ctx)
	s.logger.Info("network probed",
		"primary_ip", network.PrimaryIP,
		"interface", network.Interface,
		"online", network.Online,
	)

	wsPort, err := netprobe.FindFreePort(cfg.Sync.Port)
	if err != nil {
		return fmt.Errorf("websocket port: %w", err)
	}
	ws := server.New(server.Config{
		Port:              wsPort,
		MaxConnections:    cfg.Sync.MaxConnections,
		HeartbeatInterval: config.ParseDuration(cfg.Heartbeat.Interval, 30*time.Second),
		HeartbeatGrace:    config.ParseDuration(cfg.Heartbeat.Grace, 5*time.Second),
	}, s.logger)
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start connection server: %w", err)
	}

	discPort, err := netprobe.FindFreePort(cfg.Sync.DiscoveryPort)
	if err != nil {
		_ = ws.Stop()
		return fmt.Errorf("discovery port: %w", err)
	}
	disc := discovery.New(discovery.Config{
		Port:        discPort,
		ServiceName: cfg.Sync.ServiceName,
		PrimaryIP:   network.PrimaryIP,
		WSPort:      ws.Port(),
	}, s.logger)
	if err := disc.Start(); err != nil {
		_ = ws.Stop()
		return fmt.Errorf("start discovery server: %w", err)
	}

	redactor, err := redact.New(cfg.Sync.RedactPatterns)
	if err != nil {
		_ = disc.Stop()
		_ = ws.Stop()
		return fmt.Errorf("redact patterns: %w", err)
	}
	br := bridge.New(s.provider, cfg.Session.ConsecutiveMistakeLimit, redactor, s.logger)
	br.OnOutbound(func(connID string, m *protocol.Message) {
		ws.Send(connID, m)
	})

	// Lifecycle and message dispatch are registered as separate handlers so a
	// panic or slow path in one never starves the other.
	unsubLifecycle := ws.Subscribe(func(ev server.Event) {
		switch ev.Kind {
		case server.EventClientConnected:
			s.pushStatus()
		case server.EventClientDisconnected:
			br.UnregisterClient(ev.ConnectionID)
			s.pushStatus()
		}
	})
	unsubDispatch := ws.Subscribe(func(ev server.Event) {
		if ev.Kind != server.EventMessageReceived || ev.Message == nil || !ev.Message.IsAI() {
			return
		}
		// Registration is idempotent and replays current history on the
		// first AI-typed message from a connection.
		br.RegisterClient(ev.ConnectionID, ev.Message.SessionID())
		if resp := br.HandleMessage(context.Background(), ev.ConnectionID, ev.Message); resp != nil {
			ws.Send(ev.ConnectionID, resp)
		}
	})

	br.Start()

	cleanupDone := make(chan struct{})
	go s.cleanupLoop(ws, br, cleanupDone)

	s.mu.Lock()
	s.network = network
	s.ws = ws
	s.disc = disc
	s.br = br
	s.unsubs = []func(){unsubLifecycle, unsubDispatch}
	s.cleanupDone = cleanupDone
	s.running = true
	s.mu.Unlock()

	s.logger.Info("sync service started",
		"websocket_port", ws.Port(),
		"discovery_port", disc.Port(),
	)
	s.pushStatus()
	return nil
}

// Stop tears everything down in reverse order. It is idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ws, disc, br := s.ws, s.disc, s.br
	unsubs := s.unsubs
	cleanupDone := s.cleanupDone
	s.ws, s.disc, s.br = nil, nil, nil
	s.unsubs = nil
	s.cleanupDone = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cleanupDone != nil {
		close(cleanupDone)
	}
	if br != nil {
		br.Stop()
	}
	if disc != nil {
		_ = disc.Stop()
	}
	if ws != nil {
		_ = ws.Stop()
	}

	s.logger.Info("sync service stopped")
	s.pushStatus()
	return nil
}

// Status returns a point-in-time snapshot.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Network: s.network}
	if s.ws != nil {
		st.Connections = s.ws.Connections()
		st.WebSocketPort = s.ws.Port()
		for _, c := range st.Connections {
			if c.State == server.StateConnected {
				st.ConnectedClients++
			}
		}
	}
	if s.disc != nil {
		st.DiscoveryPort = s.disc.Port()
	}
	return st
}

// UpdateConfig replaces the stored configuration. The new values take effect
// on the next Start.
func (s *Service) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// pushStatus surfaces the connection list to the host UI after every
// lifecycle change.
func (s *Service) pushStatus() {
	st := s.Status()
	summaries := make([]host.ConnectionSummary, 0, len(st.Connections))
	for _, c := range st.Connections {
		summaries = append(summaries, host.ConnectionSummary{
			ID:          c.ID,
			ClientType:  c.ClientType,
			Version:     c.Version,
			ConnectedAt: c.ConnectedAt,
		})
	}
	s.provider.PushStatus(host.Status{Running: st.Running, Connections: summaries})
}

// cleanupLoop periodically drops bridge client records whose connection is
// gone. Disconnect events already unregister clients; the sweep catches
// records orphaned by missed events.
func (s *Service) cleanupLoop(ws *server.Server, br *bridge.Bridge, done chan struct{}) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			live := make(map[string]bool)
			for _, c := range ws.Connections() {
				live[c.ID] = true
			}
			br.CleanupStale(live)
		}
	}
}
