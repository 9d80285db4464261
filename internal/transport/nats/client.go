// Package nats wraps a NATS connection and JetStream context with the
// stream/consumer idioms the control plane needs: durable,
// ack-explicit pull consumers so internal/eventbus can offer
// at-least-once delivery with redelivery-after-backoff.
package nats

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	nc "github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with JetStream-aware convenience
// methods.
type Client struct {
	conn *nc.Conn
	js   nc.JetStreamContext
	log  *zap.Logger
}

// Connect dials url with infinite reconnect and opens a JetStream
// context.
func Connect(url string, log *zap.Logger) (*Client, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			log.Info("nats connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	return &Client{conn: conn, js: js, log: log}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publish publishes raw bytes to a subject through JetStream so the
// message is durably stored for consumer groups to replay.
func (c *Client) Publish(subject string, data []byte) error {
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is live.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// JetStream exposes the raw context for the consumer-group wrapper in
// consumer.go and the stream manager in streams.go.
func (c *Client) JetStream() nc.JetStreamContext { return c.js }
