package syncclient

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	clientType       string
	version          string
	capabilities     []string
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func defaultConfig() *clientConfig {
	return &clientConfig{
		clientType:       "go-client",
		version:          "1.0.0",
		capabilities:     []string{},
		handshakeTimeout: 10 * time.Second,
	}
}

// WithClientType sets the clientType announced in the handshake.
func WithClientType(t string) Option {
	return func(c *clientConfig) { c.clientType = t }
}

// WithVersion sets the client version announced in the handshake.
func WithVersion(v string) Option {
	return func(c *clientConfig) { c.version = v }
}

// WithCapabilities sets the capability list announced in the handshake.
func WithCapabilities(caps []string) Option {
	return func(c *clientConfig) { c.capabilities = caps }
}

// WithHandshakeTimeout bounds the wait for the server's handshake reply.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.handshakeTimeout = d }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}
