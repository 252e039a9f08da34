// Package natsclient manages the NATS connection used for work queues,
// the tracking store and processor configuration persistence.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Error variables for connection handling
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
)

// Client manages a NATS connection plus its JetStream context
type Client struct {
	url    string
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	mu      sync.RWMutex
	status  ConnectionStatus
	closeMu sync.Mutex
	closed  bool
}

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithLogger sets the structured logger used by the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithClientName sets the connection name reported to the server
func WithClientName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the connect timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithReconnect configures reconnection behavior
func WithReconnect(maxReconnects int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = maxReconnects
		c.reconnectWait = wait
		return nil
	}
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1, // infinite by default
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		clientName:    "strawberry-runners",
		status:        StatusDisconnected,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsHealthy returns true if the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// Connect establishes the NATS connection and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.Timeout(c.timeout),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setStatus(StatusConnected)
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusDisconnected)
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "dial NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "initialize JetStream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.status = StatusConnected
	c.mu.Unlock()

	// Verify the server responds before declaring healthy
	if err := conn.FlushWithContext(ctx); err != nil {
		c.logger.Warn("NATS flush after connect failed", "error", err)
	}

	c.logger.Info("Connected to NATS", "url", c.url, "client_name", c.clientName)
	return nil
}

// GetConnection returns the underlying NATS connection
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// Publish publishes a message to a plain NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// CreateStream creates or looks up a JetStream stream
func (c *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateStream",
			fmt.Sprintf("create stream %s", cfg.Name))
	}
	return stream, nil
}

// PublishToStream publishes a message to a JetStream subject
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream",
			fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// PullConsumer creates or updates a durable pull consumer on a stream
func (c *Client) PullConsumer(
	ctx context.Context, streamName string, cfg jetstream.ConsumerConfig,
) (jetstream.Consumer, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "PullConsumer",
			fmt.Sprintf("create consumer %s on %s", cfg.Durable, streamName))
	}
	return consumer, nil
}

// CreateKeyValueBucket creates or gets a KV bucket with configuration
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	// Try to get the existing bucket first
	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// Another client may have created it concurrently
		if bucket, getErr := js.KeyValue(ctx, cfg.Bucket); getErr == nil {
			return bucket, nil
		}
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(_ context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Drain(); err != nil {
			c.logger.Warn("NATS drain failed, closing hard", "error", err)
			conn.Close()
		}
	}

	c.setStatus(StatusDisconnected)
	return nil
}
