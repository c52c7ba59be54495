package broadcast

import (
	"testing"
	"time"
)

func testUpdate(deviceID string, seq int) Update {
	return Update{
		DeviceID:    deviceID,
		HardwareID:  "HW_" + deviceID,
		TopicPrefix: "plant/" + deviceID + "/",
		Format:      "structured",
		Timestamp:   time.Now().UTC(),
		Values: []TagValue{
			{Name: "Seq", Value: seq, Type: "DINT", Timestamp: time.Now().UTC()},
		},
	}
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	first, err := b.Subscribe("first", Block, 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	second, err := b.Subscribe("second", Block, 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := b.Publish(testUpdate("dev-1", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, sub := range []*Subscription{first, second} {
		select {
		case u := <-sub.C():
			if u.DeviceID != "dev-1" {
				t.Errorf("%s: DeviceID = %q, want dev-1", sub.Name(), u.DeviceID)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no update received", sub.Name())
		}
	}
}

func TestPerDeviceOrdering(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe("ordered", Block, 16)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 1; i <= 10; i++ {
		if err := b.Publish(testUpdate("dev-1", i)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for i := 1; i <= 10; i++ {
		u := <-sub.C()
		if got := u.Values[0].Value.(int); got != i {
			t.Fatalf("update %d arrived with seq %d, order broken", i, got)
		}
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	if err := b.Publish(testUpdate("dev-1", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	late, err := b.Subscribe("late", Block, 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case u := <-late.C():
		t.Errorf("late subscriber received replayed update for %s", u.DeviceID)
	case <-time.After(50 * time.Millisecond):
		// Correct: nothing replayed
	}
}

func TestDropPolicyCountsOverflow(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe("slow-ui", Drop, 2)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Nothing drains the channel, so only the buffer's worth gets through
	for i := 1; i <= 5; i++ {
		if err := b.Publish(testUpdate("dev-1", i)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if got := sub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}

	// The updates that did arrive are the earliest ones, still in order
	u := <-sub.C()
	if got := u.Values[0].Value.(int); got != 1 {
		t.Errorf("first buffered update has seq %d, want 1", got)
	}
}

func TestFilteredSubscriptionRejectsBeforeBuffer(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.SubscribeFiltered("composer", Block, 1,
		func(u Update) bool { return !u.Virtual })
	if err != nil {
		t.Fatalf("SubscribeFiltered() error = %v", err)
	}

	// Nothing drains the channel. Rejected updates must be discarded at
	// delivery, so a Block subscriber with a full backlog of filtered
	// traffic never stalls Publish.
	virtual := testUpdate("virt-1", 1)
	virtual.Virtual = true
	for i := 0; i < 5; i++ {
		if err := b.Publish(virtual); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if err := b.Publish(testUpdate("dev-1", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case u := <-sub.C():
		if u.DeviceID != "dev-1" {
			t.Errorf("received %s, want dev-1", u.DeviceID)
		}
	default:
		t.Fatal("matching update was not delivered")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe("cancelled", Block, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sub.Cancel()
	sub.Cancel() // Safe to call twice

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after cancel, want 0", got)
	}

	// Publish must not block on the cancelled subscription
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			b.Publish(testUpdate("dev-1", i)) //nolint:errcheck
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a cancelled subscription")
	}

	// Channel is closed
	if _, ok := <-sub.C(); ok {
		t.Error("cancelled subscription channel still open")
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := New()

	sub, err := b.Subscribe("only", Block, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Close()
	b.Close() // Safe to call twice

	if _, ok := <-sub.C(); ok {
		t.Error("subscription channel still open after Close")
	}
	if err := b.Publish(testUpdate("dev-1", 1)); err != ErrClosed {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("late", Block, 1); err != ErrClosed {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}
