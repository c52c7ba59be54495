package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldgate/fieldgate-core/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the publisher.
//
// The client makes a single connection attempt per Connect call and
// never reconnects on its own; the publisher detects loss through the
// OnConnectionLost callback and drives reconnection with its backoff.
//
// All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// connected tracks current connection state.
	connected bool
	connMu    sync.RWMutex

	// Callback for connection loss (optional, set via SetOnConnectionLost).
	onLost     func(err error)
	callbackMu sync.RWMutex

	// logger for error logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New creates an unconnected client. Call Connect to dial the broker.
func New(cfg config.MQTTConfig) *Client {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:     cfg,
		options: opts,
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect makes one connection attempt, bounded by the context and the
// configured connect timeout. On success it publishes retained online
// status to the status topic.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case <-done:
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	// Retained online status so late subscribers see current state
	token = c.client.Publish(StatusTopic, byte(c.cfg.QoS), true, buildOnlinePayload(c.cfg.Broker.ClientID))
	if !token.WaitTimeout(defaultPublishTimeout) || token.Error() != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("online status publish failed", "topic", StatusTopic, "error", token.Error())
		}
	}

	return nil
}

// handleDisconnect is called by paho when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}

	c.callbackMu.RLock()
	callback := c.onLost
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close gracefully disconnects from the MQTT broker.
//
// It publishes a graceful offline status (distinct from the LWT crash
// status), waits briefly for pending operations, then disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		payload := buildOfflinePayload(c.cfg.Broker.ClientID)
		token := c.client.Publish(StatusTopic, byte(c.cfg.QoS), true, payload)
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnectionLost sets a callback invoked when the connection drops.
// The error parameter describes why the connection was lost.
func (c *Client) SetOnConnectionLost(callback func(err error)) {
	c.callbackMu.Lock()
	c.onLost = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection and publish warnings.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
