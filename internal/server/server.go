// Package server accepts WebSocket connections from remote sync clients,
// runs the handshake state machine and heartbeat, and routes inbound frames
// to the orchestrator through a closed event set.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roocode/sync-bridge/internal/protocol"
)

var (
	ErrAlreadyRunning = errors.New("connection server already running")
	ErrNotRunning     = errors.New("connection server not running")
)

const capacityReason = "Server at maximum capacity"

// serverCapabilities are advertised in every ConnectionAccepted reply.
var serverCapabilities = []string{"ai_conversation", "trigger_send", "echo"}

// Config tunes one connection server instance.
type Config struct {
	// Port to listen on; 0 binds an ephemeral port.
	Port           int
	MaxConnections int
	// HeartbeatInterval is the WebSocket-level ping cadence; a peer whose
	// last pong is older than HeartbeatInterval+HeartbeatGrace is dropped.
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	ServerName        string
	ServerVersion     string
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatGrace == 0 {
		c.HeartbeatGrace = 5 * time.Second
	}
	if c.ServerName == "" {
		c.ServerName = "Roo Code"
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "1.0.0"
	}
}

// Server is the WebSocket acceptor with a per-connection read loop.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	running bool
	ln      net.Listener
	httpSrv *http.Server
	conns   map[string]*connection

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates a connection server. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			// Deployment is LAN-local; trust is implicit.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
		subs:  make(map[int]func(Event)),
	}
}

// Start binds the listener. A second Start on a running server fails.
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
	s.ln = ln
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleUpgrade)}
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", "error", err)
		}
	}()

	s.logger.Info("connection server listening", "port", s.Port())
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

// Stop closes every client with code 1000 and shuts the listener down. It is
// idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	srv := s.httpSrv
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseNormalClosure, "Server shutdown")
	}
	if srv != nil {
		_ = srv.Close()
	}
	s.logger.Info("connection server stopped")
	return nil
}

// Subscribe installs an event callback and returns its removal function.
func (s *Server) Subscribe(cb func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = cb
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Server) emit(ev Event) {
	s.subMu.Lock()
	cbs := make([]func(Event), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.subMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// Send serializes a message to one connection. It returns false when the
// connection is absent or the write fails. MessageSent is emitted for
// non-system messages only, keeping heartbeat noise out of telemetry.
func (s *Server) Send(connectionID string, m *protocol.Message) bool {
	s.mu.Lock()
	c := s.conns[connectionID]
	s.mu.Unlock()
	if c == nil {
		return false
	}

	data, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error("encode outbound message", "type", m.Type, "error", err)
		return false
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		s.logger.Warn("send failed", "connection_id", connectionID, "type", m.Type, "error", err)
		return false
	}
	if !m.IsSystem() {
		s.emit(Event{Kind: EventMessageSent, ConnectionID: connectionID, Message: m})
	}
	return true
}

// Broadcast sends to every connected (handshaken) client, best-effort, and
// returns the number of successful sends. One slow peer never blocks others.
func (s *Server) Broadcast(m *protocol.Message) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id, c := range s.conns {
		if c.state == StateConnected {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, id := range ids {
		if s.Send(id, m) {
			sent++
		}
	}
	return sent
}

// Connections returns snapshots of all current connection records.
func (s *Server) Connections() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, Info{
			ID:           c.id,
			ClientType:   c.clientType,
			Version:      c.version,
			Capabilities: append([]string(nil), c.capabilities...),
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastActivity,
			State:        c.state,
		})
	}
	return out
}

// ActiveCount returns the number of allocated connection records.
func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Disconnect closes one connection with a normal close code.
func (s *Server) Disconnect(connectionID string, reason string) {
	s.mu.Lock()
	c := s.conns[connectionID]
	s.mu.Unlock()
	if c != nil {
		c.close(websocket.CloseNormalClosure, reason)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.rejectAtCapacity(ws)
		return
	}
	now := time.Now()
	c := &connection{
		id:           uuid.New().String(),
		clientType:   "unknown",
		connectedAt:  now,
		lastActivity: now,
		lastPong:     now,
		state:        StateConnecting,
		ws:           ws,
		done:         make(chan struct{}),
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	pongWait := s.cfg.HeartbeatInterval + s.cfg.HeartbeatGrace
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		s.mu.Lock()
		c.lastPong = time.Now()
		s.mu.Unlock()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.logger.Info("connection accepted", "connection_id", c.id, "remote", r.RemoteAddr)
	go s.heartbeat(c)
	s.readLoop(c)

	s.mu.Lock()
	c.state = StateDisconnected
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.close(websocket.CloseNormalClosure, "")

	s.logger.Info("connection closed", "connection_id", c.id)
	s.emit(Event{Kind: EventClientDisconnected, ConnectionID: c.id})
}

// rejectAtCapacity refuses a socket before allocating a connection record:
// a ConnectionRejected frame, then close code 1013.
func (s *Server) rejectAtCapacity(ws *websocket.Conn) {
	data, err := protocol.Encode(protocol.NewConnectionRejected(capacityReason))
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, capacityReason),
		time.Now().Add(writeTimeout))
	_ = ws.Close()
	s.logger.Warn("connection rejected", "reason", capacityReason)
}

func (s *Server) readLoop(c *connection) {
	pongWait := s.cfg.HeartbeatInterval + s.cfg.HeartbeatGrace
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Warn("ping timeout", "connection_id", c.id)
				c.close(websocket.CloseNormalClosure, "Ping timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			// Protocol errors are non-fatal: log, surface, keep reading.
			s.logger.Warn("invalid message", "connection_id", c.id, "error", err)
			s.emit(Event{Kind: EventError, ConnectionID: c.id, Err: err})
			continue
		}

		s.mu.Lock()
		c.lastActivity = time.Now()
		s.mu.Unlock()

		s.emit(Event{Kind: EventMessageReceived, ConnectionID: c.id, Message: msg})

		switch msg.Type {
		case protocol.TypeClientHandshake:
			s.completeHandshake(c, msg)
		case protocol.TypePing:
			s.Send(c.id, protocol.NewPong())
		case protocol.TypeEcho:
			s.Send(c.id, protocol.NewEcho(echoText(msg)))
		}
	}
}

func (s *Server) completeHandshake(c *connection, msg *protocol.Message) {
	s.mu.Lock()
	c.state = StateConnected
	c.clientType = msg.ClientType
	c.version = msg.Version
	c.capabilities = append([]string(nil), msg.Capabilities...)
	s.mu.Unlock()

	accepted := protocol.NewConnectionAccepted(c.id, protocol.ServerInfo{
		Name:         s.cfg.ServerName,
		Version:      s.cfg.ServerVersion,
		Platform:     runtime.GOOS,
		Capabilities: serverCapabilities,
	})
	s.Send(c.id, accepted)

	s.logger.Info("client connected",
		"connection_id", c.id,
		"client_type", msg.ClientType,
		"version", msg.Version,
	)
	s.emit(Event{Kind: EventClientConnected, ConnectionID: c.id, Message: msg})
}

// heartbeat pings the peer on a fixed cadence. The read deadline installed on
// accept (interval+grace past the last pong or frame) does the actual timeout
// detection: a silent peer's read loop fails and the record is torn down.
func (s *Server) heartbeat(c *connection) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func echoText(m *protocol.Message) string {
	if m.Payload != nil {
		if s, ok := m.Payload["message"].(string); ok {
			return s
		}
	}
	return ""
}
