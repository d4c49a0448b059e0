package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectOwnershipViolation carries attempts to use a session id owned by
	// someone else.
	SubjectOwnershipViolation = "compass.security.ownership_violation"
	// SubjectConversationCompleted fires when the agent ends a conversation.
	SubjectConversationCompleted = "compass.conversation.completed"
	// SubjectProfileExtracted carries structured profile fields for the
	// profile persistence layer, which applies them as a partial patch.
	SubjectProfileExtracted = "compass.profile.extracted"
)

type OwnershipViolation struct {
	SessionID string `json:"session_id"`
	CallerID  string `json:"caller_id"`
	Operation string `json:"operation"`
	Timestamp string `json:"timestamp"`
}

type ConversationCompleted struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	Timestamp string `json:"timestamp"`
}

type ProfileExtracted struct {
	OwnerID   string         `json:"owner_id"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("compass"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
		c.conn.Close()
	}
}
