package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
)

// mockBroker is a test Broker recording publishes.
type mockBroker struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	messages   []message
	onLost     func(err error)
}

func (m *mockBroker) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.messages = append(m.messages, message{topic: topic, payload: payload})
	return nil
}

func (m *mockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBroker) SetOnConnectionLost(f func(err error)) {
	m.mu.Lock()
	m.onLost = f
	m.mu.Unlock()
}

func (m *mockBroker) dropConnection(err error) {
	m.mu.Lock()
	m.connected = false
	f := m.onLost
	m.mu.Unlock()
	if f != nil {
		f(err)
	}
}

func (m *mockBroker) setConnectErr(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

func (m *mockBroker) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func testPublisher(t *testing.T, broker *mockBroker) (*Publisher, *broadcast.Broadcaster, context.CancelFunc) {
	t.Helper()

	b := broadcast.New()
	sub, err := b.Subscribe("publisher", broadcast.Block, 16)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	p := New(broker, sub, Config{
		QoS:          1,
		BackoffFloor: 20 * time.Millisecond,
		BackoffCap:   80 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	t.Cleanup(func() {
		cancel()
		p.Stop()
		b.Close()
	})
	return p, b, cancel
}

func waitUntil(t *testing.T, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestPublishesUpdates(t *testing.T) {
	broker := &mockBroker{}
	p, b, _ := testPublisher(t, broker)

	waitUntil(t, func() bool { return p.Status().Connected }, "broker connect")

	if err := b.Publish(sampleUpdate("structured")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitUntil(t, func() bool { return broker.messageCount() == 2 }, "2 messages")

	if got := p.Status().Published; got != 2 {
		t.Errorf("Status().Published = %d, want 2", got)
	}
}

func TestSkipsWhileDisconnected(t *testing.T) {
	broker := &mockBroker{connectErr: errors.New("broker down")}
	p, b, _ := testPublisher(t, broker)

	// Publisher is in backoff; updates are discarded, not queued
	if err := b.Publish(sampleUpdate("structured")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitUntil(t, func() bool { return p.Status().Skipped == 1 }, "skipped counter")

	if broker.messageCount() != 0 {
		t.Errorf("messages published while disconnected: %d", broker.messageCount())
	}

	// Broker comes back; the next update flows
	broker.setConnectErr(nil)
	waitUntil(t, func() bool { return p.Status().Connected }, "reconnect")

	if err := b.Publish(sampleUpdate("structured")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitUntil(t, func() bool { return broker.messageCount() == 2 }, "post-recovery messages")
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	broker := &mockBroker{}
	p, _, _ := testPublisher(t, broker)

	waitUntil(t, func() bool { return p.Status().Connected }, "initial connect")

	broker.dropConnection(errors.New("keepalive timeout"))
	waitUntil(t, func() bool { return p.Status().Connected }, "reconnect after loss")

	if s := p.Status(); s.LastError == "" {
		// The loss cause was recorded even though we recovered
		t.Log("no last error recorded after reconnect")
	}
}

func TestBrokerOutageNeverBlocksProducers(t *testing.T) {
	broker := &mockBroker{connectErr: errors.New("broker down")}
	p, b, _ := testPublisher(t, broker)

	// Far more updates than the subscription buffer holds
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(sampleUpdate("scalar")) //nolint:errcheck
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked while broker was down")
	}

	waitUntil(t, func() bool { return p.Status().Skipped == 200 }, "all updates skipped")
}
