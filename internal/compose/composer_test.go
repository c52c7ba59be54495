package compose

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/device"
)

// fakeRegistry serves a fixed virtual device layout.
type fakeRegistry struct {
	mu       sync.Mutex
	virtuals map[string][]device.VirtualDevice
}

func (r *fakeRegistry) VirtualDevicesByParent(parentID string) []device.VirtualDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.virtuals[parentID]
}

func (r *fakeRegistry) set(parentID string, vds ...device.VirtualDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.virtuals[parentID] = vds
}

// collector records emitted updates.
type collector struct {
	mu      sync.Mutex
	updates []broadcast.Update
}

func (c *collector) Publish(u broadcast.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return nil
}

func (c *collector) all() []broadcast.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broadcast.Update, len(c.updates))
	copy(out, c.updates)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []broadcast.Update {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.all(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d updates, have %d", n, len(c.all()))
	return nil
}

func parentUpdate() broadcast.Update {
	return broadcast.Update{
		DeviceID:    "dev-1",
		HardwareID:  "Pump_Station_1",
		TopicPrefix: "site/pumps/ps1/",
		Format:      string(device.FormatStructured),
		Timestamp:   time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Values: []broadcast.TagValue{
			{Name: "FlowRate", Value: 42.5, Type: "REAL"},
			{Name: "Pressure", Value: 3.1, Type: "REAL"},
			{Name: "Running", Value: true, Type: "BOOL"},
		},
	}
}

func virtualDef(id, hwid string, tags ...string) device.VirtualDevice {
	return device.VirtualDevice{
		ID:             id,
		Name:           hwid,
		HardwareID:     hwid,
		ParentDeviceID: "dev-1",
		TagNames:       tags,
		Enabled:        true,
	}
}

// testComposer wires a composer against a live broadcaster and returns
// the broadcaster, the output collector, and the registry.
func testComposer(t *testing.T) (*broadcast.Broadcaster, *collector, *fakeRegistry) {
	t.Helper()

	reg := &fakeRegistry{virtuals: make(map[string][]device.VirtualDevice)}
	out := &collector{}
	b := broadcast.New()
	sub, err := b.Subscribe("composer", broadcast.Block, 16)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	c := New(reg, sub, out)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Stop()
		b.Close()
	})
	return b, out, reg
}

func TestComposeEmitsSelectedSubset(t *testing.T) {
	b, out, reg := testComposer(t)
	reg.set("dev-1", virtualDef("virt-1", "Flow_Monitor", "Pressure", "FlowRate"))

	u := parentUpdate()
	if err := b.Publish(u); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := out.waitFor(t, 1)[0]
	if !got.Virtual {
		t.Error("derived update should be flagged virtual")
	}
	if got.DeviceID != "virt-1" || got.HardwareID != "Flow_Monitor" {
		t.Errorf("unexpected identity: %s / %s", got.DeviceID, got.HardwareID)
	}
	if got.TopicPrefix != "site/pumps/ps1/Flow_Monitor/" {
		t.Errorf("unexpected topic prefix: %s", got.TopicPrefix)
	}
	if got.Format != u.Format {
		t.Errorf("format not inherited: %s", got.Format)
	}
	if !got.Timestamp.Equal(u.Timestamp) {
		t.Error("timestamp not carried from parent cycle")
	}
	if len(got.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(got.Values))
	}
	// Values follow the virtual device's configured order.
	if got.Values[0].Name != "Pressure" || got.Values[1].Name != "FlowRate" {
		t.Errorf("unexpected value order: %s, %s", got.Values[0].Name, got.Values[1].Name)
	}
}

func TestComposeDisjointSelectionEmitsNothing(t *testing.T) {
	b, out, reg := testComposer(t)
	reg.set("dev-1",
		virtualDef("virt-1", "Ghost", "Temperature", "Voltage"),
		virtualDef("virt-2", "Flow_Monitor", "FlowRate"),
	)

	if err := b.Publish(parentUpdate()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := out.waitFor(t, 1)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 update, got %d", len(got))
	}
	if got[0].DeviceID != "virt-2" {
		t.Errorf("expected only the overlapping virtual to emit, got %s", got[0].DeviceID)
	}
}

func TestComposeShrinkingViewFollowsParent(t *testing.T) {
	b, out, reg := testComposer(t)
	reg.set("dev-1", virtualDef("virt-1", "Flow_Monitor", "FlowRate", "Pressure"))

	if err := b.Publish(parentUpdate()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	out.waitFor(t, 1)

	// The parent stopped delivering Pressure; the view shrinks with it.
	shrunk := parentUpdate()
	shrunk.Values = []broadcast.TagValue{
		{Name: "FlowRate", Value: 40.0, Type: "REAL"},
		{Name: "Running", Value: true, Type: "BOOL"},
	}
	if err := b.Publish(shrunk); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := out.waitFor(t, 2)[1]
	if len(got.Values) != 1 || got.Values[0].Name != "FlowRate" {
		t.Fatalf("expected shrunk view with FlowRate only, got %+v", got.Values)
	}
}

func TestComposeIgnoresVirtualUpdates(t *testing.T) {
	b, out, reg := testComposer(t)
	reg.set("dev-1", virtualDef("virt-1", "Flow_Monitor", "FlowRate"))
	// A virtual device that would match a derived update's device ID if
	// the composer ever processed one.
	reg.set("virt-1", virtualDef("virt-virt", "Nested", "FlowRate"))

	derived := parentUpdate()
	derived.DeviceID = "virt-1"
	derived.Virtual = true
	if err := b.Publish(derived); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := b.Publish(parentUpdate()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := out.waitFor(t, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 update, got %d", len(got))
	}
	if got[0].DeviceID != "virt-1" {
		t.Errorf("expected derived update from the real parent only, got %s", got[0].DeviceID)
	}
}

func TestComposerSharingBroadcasterDoesNotStall(t *testing.T) {
	reg := &fakeRegistry{virtuals: make(map[string][]device.VirtualDevice)}
	reg.set("dev-1", virtualDef("virt-1", "Flow_Monitor", "FlowRate"))

	b := broadcast.New()
	defer b.Close()

	// Production wiring: the composer publishes derived updates into the
	// broadcaster it consumes from, with its own output filtered out at
	// delivery time. The buffer of 1 means a single queued parent update
	// would wedge the pipeline if derived updates reached this
	// subscription.
	sub, err := b.SubscribeFiltered("composer", broadcast.Block, 1,
		func(u broadcast.Update) bool { return !u.Virtual })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	derived, err := b.Subscribe("collect", broadcast.Block, 64)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	c := New(reg, sub, b)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	const cycles = 24
	published := make(chan error, 1)
	go func() {
		for i := 0; i < cycles; i++ {
			if err := b.Publish(parentUpdate()); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()

	got := 0
	timeout := time.After(5 * time.Second)
	for got < cycles {
		select {
		case u := <-derived.C():
			if u.Virtual {
				got++
			}
		case <-timeout:
			t.Fatalf("pipeline stalled after %d of %d derived updates", got, cycles)
		}
	}
	if err := <-published; err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestVirtualPrefix(t *testing.T) {
	if got := VirtualPrefix("plant/a/", "Flow_Monitor"); got != "plant/a/Flow_Monitor/" {
		t.Errorf("unexpected prefix: %s", got)
	}
}
