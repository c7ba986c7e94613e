package nats

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/coscontrol/cosd/internal/logging"
)

// Message is a received NATS message.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Client wraps a connection to the embedded server. The event mirror
// publishes through it; external tools may also subscribe through it
// when run in-process.
type Client struct {
	conn *nc.Conn
}

// NewClient connects to url, reconnecting indefinitely on drops.
func NewClient(url string) (*Client, error) {
	logger := logging.New("NATS")
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				logger.Printf("disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			logger.Printf("reconnected to %s", conn.ConnectedUrl())
		}),
		nc.ClosedHandler(func(conn *nc.Conn) {
			logger.Printf("connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publish sends data to subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON JSON-encodes v and publishes it to subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message for %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers an asynchronous handler for subject. Wildcard
// subjects work, so "cos.events.*" watches the whole event stream.
func (c *Client) Subscribe(subject string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush pushes buffered data to the server.
func (c *Client) Flush() error {
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("flushing nats connection: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
