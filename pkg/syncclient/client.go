// Package syncclient is a Go client for the sync bridge's JSON-over-WebSocket
// protocol: discovery, handshake, typed sends and a reconnecting receive
// stream with persistent resume cursors.
package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one handshaken connection to a sync bridge.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	connectionID string
	serverInfo   map[string]any
}

// Dial connects to the given ws:// URL and performs the handshake. A
// ConnectionRejected reply is returned as *RejectedError (matching
// ErrRejected via errors.Is).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{ws: ws, logger: logger}
	hello := newMessage(TypeClientHandshake)
	hello.ClientType = cfg.clientType
	hello.Version = cfg.version
	hello.Capabilities = cfg.capabilities
	if err := c.send(hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(cfg.handshakeTimeout))
	reply, err := c.recv()
	_ = ws.SetReadDeadline(time.Time{})
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("handshake reply: %w", err)
	}

	switch reply.Type {
	case TypeConnectionAccepted:
		c.connectionID, _ = reply.Payload["connectionId"].(string)
		c.serverInfo, _ = reply.Payload["serverInfo"].(map[string]any)
		logger.Info("connected", "connection_id", c.connectionID)
		return c, nil
	case TypeConnectionRejected:
		_ = ws.Close()
		return nil, &RejectedError{Reason: reply.Reason}
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
}

// Close sends a normal close frame and releases the socket.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// ConnectionID returns the server-assigned connection id.
func (c *Client) ConnectionID() string { return c.connectionID }

// ServerInfo returns the serverInfo document from the handshake reply.
func (c *Client) ServerInfo() map[string]any { return c.serverInfo }

// Recv reads the next frame. Cancelling the context unblocks the read.
func (c *Client) Recv(ctx context.Context) (*Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.ws.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	m, err := c.recv()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return m, err
}

// SendUserMessage sends an AIConversation user message, which creates or
// continues a task on the host.
func (c *Client) SendUserMessage(sessionID, content string) error {
	m := newMessage(TypeAIConversation)
	m.Payload = map[string]any{
		"sessionId": sessionID,
		"role":      "user",
		"content":   content,
	}
	return c.send(m)
}

// SendAskResponse answers the host's pending prompt.
func (c *Client) SendAskResponse(sessionID, askResponse, text string, images []string) error {
	m := newMessage(TypeAskResponse)
	m.Payload = map[string]any{
		"sessionId":   sessionID,
		"askResponse": askResponse,
	}
	if text != "" {
		m.Payload["text"] = text
	}
	if len(images) > 0 {
		m.Payload["images"] = images
	}
	return c.send(m)
}

// TriggerSend asks the host to run its default send or cancel action.
func (c *Client) TriggerSend(sessionID, action string) error {
	m := newMessage(TypeTriggerSend)
	m.Payload = map[string]any{
		"sessionId": sessionID,
		"action":    action,
	}
	return c.send(m)
}

// Echo sends a protocol-level echo request.
func (c *Client) Echo(text string) error {
	m := newMessage(TypeEcho)
	m.Payload = map[string]any{"message": text}
	return c.send(m)
}

// Ping sends a protocol-level ping; the server answers with Pong.
func (c *Client) Ping() error {
	return c.send(newMessage(TypePing))
}

func (c *Client) send(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) recv() (*Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return m, nil
}
