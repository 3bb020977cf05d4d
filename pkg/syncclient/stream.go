package syncclient

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Stream is a reconnecting receive loop over a sync bridge connection. With a
// CursorStore attached, conversation frames older than the saved cursor are
// skipped, so a reconnecting subscriber does not re-render replayed history.
type Stream struct {
	url  string
	opts []Option

	// SessionID and SubscriberID key the resume cursor.
	SessionID    string
	SubscriberID string
	Cursors      CursorStore

	logger *slog.Logger
	cursor int64
}

// NewStream creates a stream for the given ws:// URL. Dial options are
// re-applied on every reconnect.
func NewStream(url string, opts ...Option) *Stream {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stream{url: url, opts: opts, logger: logger}
}

// RecvAll receives frames until the context is cancelled, reconnecting with
// exponential backoff on any connection failure. The callback is called for
// each conversation frame past the cursor; a callback error stops the stream.
func (s *Stream) RecvAll(ctx context.Context, callback func(*Message) error) error {
	if s.Cursors != nil {
		ts, err := s.Cursors.LoadCursor(ctx, s.SessionID, s.SubscriberID)
		if err != nil {
			return err
		}
		s.cursor = ts
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		err := s.recvOnce(ctx, callback)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting",
			"session_id", s.SessionID,
			"cursor", s.cursor,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Stream) recvOnce(ctx context.Context, callback func(*Message) error) error {
	client, err := Dial(ctx, s.url, s.opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	for {
		m, err := client.Recv(ctx)
		if err != nil {
			return err
		}
		if m.Type != TypeAIConversation {
			continue
		}
		if m.Timestamp <= s.cursor {
			continue
		}

		if err := callback(m); err != nil {
			return err
		}

		// Advance the cursor on final frames only: a partial chunk's
		// timestamp must stay replayable until its stream settles.
		if m.Final() && m.Timestamp > s.cursor {
			s.cursor = m.Timestamp
			if s.Cursors != nil {
				if err := s.Cursors.SaveCursor(ctx, s.SessionID, s.SubscriberID, s.cursor); err != nil {
					s.logger.Warn("save cursor", "error", err)
				}
			}
		}
	}
}
