// Package natsclient wraps the NATS connection used to mirror pipeline
// events onto a message bus. The connection reconnects automatically and
// survives broker restarts; event mirroring is fire-and-forget, so a
// down broker never blocks the sync pipeline.
package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultReconnectWait = 2 * time.Second
	defaultMaxReconnects = -1 // retry forever
)

// Client owns one NATS connection.
type Client struct {
	conn *nats.Conn

	url           string
	name          string
	timeout       time.Duration
	reconnectWait time.Duration
	maxReconnects int
	username      string
	password      string
	token         string
	logger        *slog.Logger
}

// Option configures a Client before it connects.
type Option func(*Client)

// WithName sets the connection name visible to the broker.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithTimeout sets the connect timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithReconnectWait sets the wait between reconnection attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) { c.reconnectWait = d }
}

// WithMaxReconnects caps reconnection attempts; -1 retries forever.
func WithMaxReconnects(n int) Option {
	return func(c *Client) { c.maxReconnects = n }
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithToken sets token authentication.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Connect dials the broker and returns a connected client.
func Connect(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:           url,
		name:          "statesync",
		timeout:       defaultTimeout,
		reconnectWait: defaultReconnectWait,
		maxReconnects: defaultMaxReconnects,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	natsOpts := []nats.Option{
		nats.Name(c.name),
		nats.Timeout(c.timeout),
		nats.ReconnectWait(c.reconnectWait),
		nats.MaxReconnects(c.maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.logger.Info("nats connection closed")
		}),
	}
	if c.username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		natsOpts = append(natsOpts, nats.Token(c.token))
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("natsclient.Connect: dial failed: %w", err)
	}
	c.conn = conn
	return c, nil
}

// Conn returns the underlying connection for event mirroring.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
		c.conn.Close()
	}
}
