package publish

import (
	"context"
	"sync"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/poll"
)

// Logger defines the logging interface used by the publisher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Broker is the MQTT client surface the publisher needs.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
	SetOnConnectionLost(func(err error))
}

// Status is a point-in-time snapshot of the publisher.
type Status struct {
	Connected bool          `json:"connected"`
	Published int64         `json:"published"`
	Failed    int64         `json:"failed"`
	Skipped   int64         `json:"skipped"`
	LastError string        `json:"last_error,omitempty"`
	RetryIn   time.Duration `json:"retry_in,omitempty"`
}

// Publisher consumes update events and writes them to the MQTT broker.
//
// It owns the broker connection: connection loss schedules a reconnect
// on the shared backoff sequence, and while disconnected incoming
// updates are counted and discarded rather than queued, so a long
// broker outage can never stall poll workers through backpressure.
type Publisher struct {
	broker  Broker
	events  *broadcast.Subscription
	qos     byte
	backoff *poll.Backoff
	logger  Logger

	// lost receives at most one pending connection-loss signal.
	lost chan struct{}

	mu        sync.RWMutex
	connected bool
	published int64
	failed    int64
	skipped   int64
	lastError string
	retryAt   time.Time

	done chan struct{}
}

// Config carries publisher construction parameters.
type Config struct {
	QoS          byte
	BackoffFloor time.Duration
	BackoffCap   time.Duration
}

// New creates a publisher consuming the given subscription.
// Call Run to start it; the publisher owns the subscription and
// cancels it when Run returns.
func New(broker Broker, events *broadcast.Subscription, cfg Config) *Publisher {
	p := &Publisher{
		broker:  broker,
		events:  events,
		qos:     cfg.QoS,
		backoff: poll.NewBackoff(cfg.BackoffFloor, cfg.BackoffCap),
		logger:  noopLogger{},
		lost:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	broker.SetOnConnectionLost(func(err error) {
		p.mu.Lock()
		p.connected = false
		if err != nil {
			p.lastError = err.Error()
		}
		p.mu.Unlock()

		select {
		case p.lost <- struct{}{}:
		default:
		}
	})

	return p
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.logger = logger
}

// Run drives the publisher until the context is cancelled or the
// subscription is closed. It connects to the broker, publishes every
// update it receives, and reconnects with backoff on loss.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	defer p.events.Cancel()

	var retry <-chan time.Time
	if !p.connect(ctx) {
		retry = p.scheduleRetry()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.lost:
			p.logger.Warn("broker connection lost, reconnecting")
			if retry == nil {
				retry = p.scheduleRetry()
			}

		case <-retry:
			retry = nil
			if ctx.Err() != nil {
				return
			}
			if !p.connect(ctx) {
				retry = p.scheduleRetry()
			}

		case u, ok := <-p.events.C():
			if !ok {
				return
			}
			if !p.isConnected() {
				p.mu.Lock()
				p.skipped++
				p.mu.Unlock()
				continue
			}
			if !p.publish(u) && retry == nil {
				// Publish failure on a dead link; reconnect
				retry = p.scheduleRetry()
			}
		}
	}
}

// Stop waits for Run to exit. Cancel the context passed to Run first.
func (p *Publisher) Stop() {
	<-p.done
}

// Status returns the publisher's current counters and connection state.
func (p *Publisher) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{
		Connected: p.connected,
		Published: p.published,
		Failed:    p.failed,
		Skipped:   p.skipped,
		LastError: p.lastError,
	}
	if !p.connected {
		if remaining := time.Until(p.retryAt); remaining > 0 {
			s.RetryIn = remaining
		}
	}
	return s
}

// connect makes one broker connection attempt and reports success.
// A success resets the backoff sequence.
func (p *Publisher) connect(ctx context.Context) bool {
	err := p.broker.Connect(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.connected = false
		p.lastError = err.Error()
		p.logger.Warn("broker connect failed", "error", err)
		return false
	}

	p.connected = true
	p.lastError = ""
	p.backoff.Reset()
	p.logger.Info("broker connected")
	return true
}

// scheduleRetry advances the backoff and returns the retry timer.
func (p *Publisher) scheduleRetry() <-chan time.Time {
	delay := p.backoff.Next()

	p.mu.Lock()
	p.retryAt = time.Now().Add(delay)
	p.mu.Unlock()

	p.logger.Info("retrying broker", "in", delay)
	return time.After(delay)
}

// publish renders and sends one update. Reports false when the broker
// connection is dead and a reconnect should be scheduled.
func (p *Publisher) publish(u broadcast.Update) bool {
	msgs, err := render(u)
	if err != nil {
		p.mu.Lock()
		p.failed++
		p.lastError = err.Error()
		p.mu.Unlock()
		p.logger.Error("rendering update failed", "device", u.HardwareID, "error", err)
		return true
	}

	alive := true
	for _, m := range msgs {
		if err := p.broker.Publish(m.topic, m.payload, p.qos, false); err != nil {
			p.mu.Lock()
			p.failed++
			p.lastError = err.Error()
			p.mu.Unlock()
			p.logger.Warn("publish failed", "topic", m.topic, "error", err)
			if !p.broker.IsConnected() {
				p.mu.Lock()
				p.connected = false
				p.mu.Unlock()
				alive = false
				break
			}
			continue
		}
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}
	return alive
}

func (p *Publisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}
