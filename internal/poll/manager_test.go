package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/device"
	"github.com/fieldgate/fieldgate-core/internal/protocol"
	"github.com/fieldgate/fieldgate-core/internal/protocol/sim"
)

// fakeSource is an in-memory DeviceSource.
type fakeSource struct {
	mu      sync.Mutex
	devices map[string]*device.Device
	states  map[string]device.Tag // latest persisted state keyed by device:tag
}

func newFakeSource(devices ...*device.Device) *fakeSource {
	s := &fakeSource{
		devices: make(map[string]*device.Device),
		states:  make(map[string]device.Tag),
	}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	return s
}

func (s *fakeSource) GetDevice(_ context.Context, id string) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, device.ErrDeviceNotFound
}

func (s *fakeSource) ListDevices(_ context.Context) ([]device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (s *fakeSource) SetTagState(_ context.Context, deviceID string, tag device.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[deviceID+":"+tag.Name] = tag
	return nil
}

func (s *fakeSource) UpdateDevice(_ context.Context, d *device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; !ok {
		return device.ErrDeviceNotFound
	}
	s.devices[d.ID] = d.DeepCopy()
	return nil
}

func (s *fakeSource) DeleteDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(s.devices, id)
	return nil
}

func (s *fakeSource) tagState(deviceID, name string) (device.Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.states[deviceID+":"+name]
	return t, ok
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

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func (c *collector) all() []broadcast.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broadcast.Update, len(c.updates))
	copy(out, c.updates)
	return out
}

// waitFor polls until the collector holds at least n updates.
func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d updates, have %d", n, c.count())
}

func simDevice(id string, tags ...string) *device.Device {
	d := &device.Device{
		ID:           id,
		Name:         "Device " + id,
		HardwareID:   "HW_" + id,
		Host:         "sim",
		TopicPrefix:  "plant/" + id + "/",
		Format:       device.FormatStructured,
		PollInterval: 0.1,
		Enabled:      true,
		AutoStart:    true,
	}
	for _, name := range tags {
		d.Tags = append(d.Tags, device.Tag{Name: name})
	}
	return d
}

func testConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		BackoffFloor:   20 * time.Millisecond,
		BackoffCap:     80 * time.Millisecond,
	}
}

func TestWorkerPublishesCycles(t *testing.T) {
	dev := simDevice("dev-1", "Temperature", "Pressure")
	source := newFakeSource(dev)
	events := &collector{}
	m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), events, testConfig())
	defer m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events.waitFor(t, 3)

	for _, u := range events.all()[:3] {
		if u.DeviceID != "dev-1" || u.HardwareID != "HW_dev-1" {
			t.Errorf("update identity = %s/%s, want dev-1/HW_dev-1", u.DeviceID, u.HardwareID)
		}
		if len(u.Values) != 2 {
			t.Fatalf("len(Values) = %d, want 2", len(u.Values))
		}
		// Values arrive in configured tag order
		if u.Values[0].Name != "Temperature" || u.Values[1].Name != "Pressure" {
			t.Errorf("value order = %s,%s, want Temperature,Pressure", u.Values[0].Name, u.Values[1].Name)
		}
	}

	// Runtime state was persisted with counters
	if tag, ok := source.tagState("dev-1", "Temperature"); !ok || tag.ReadCount < 3 {
		t.Errorf("persisted Temperature state = %+v, want ReadCount >= 3", tag)
	}
}

func TestStopEmitsNothingAfterReturn(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	events := &collector{}
	m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), events, testConfig())

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events.waitFor(t, 1)

	m.Stop("dev-1")
	seen := events.count()

	time.Sleep(300 * time.Millisecond)
	if got := events.count(); got != seen {
		t.Errorf("%d updates emitted after Stop() returned", got-seen)
	}
	if m.Running("dev-1") {
		t.Error("Running() = true after Stop()")
	}
}

func TestStartIdempotent(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	events := &collector{}
	m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), events, testConfig())
	defer m.Shutdown()

	ctx := context.Background()
	if err := m.Start(ctx, "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(ctx, "dev-1"); err != nil {
		t.Errorf("second Start() error = %v, want nil", err)
	}
	if got := len(m.StatusAll()); got != 1 {
		t.Errorf("StatusAll() returned %d workers, want 1", got)
	}

	// Stop of a stopped device is also a no-op
	m.Stop("dev-1")
	m.Stop("dev-1")
}

func TestStartDisabledRefused(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	dev.Enabled = false
	source := newFakeSource(dev)
	m := NewManager(source, sim.NewDriver(), &collector{}, testConfig())
	defer m.Shutdown()

	err := m.Start(context.Background(), "dev-1")
	if !errors.Is(err, ErrDeviceDisabled) {
		t.Errorf("Start() error = %v, want ErrDeviceDisabled", err)
	}
}

func TestConnectFailureEntersBackoffAndRecovers(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	events := &collector{}
	driver := sim.NewDriver(sim.WithSeed(1))
	driver.SetConnectError(errors.New("no route to host"))

	m := NewManager(source, driver, events, testConfig())
	defer m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Worker must report backoff with the cause while the link is down
	deadline := time.Now().Add(2 * time.Second)
	sawBackoff := false
	for time.Now().Before(deadline) {
		if s, ok := m.Status("dev-1"); ok && s.State == device.StateBackoff {
			sawBackoff = true
			if s.LastError == "" {
				t.Error("backoff status carries no error")
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawBackoff {
		t.Fatal("worker never entered backoff")
	}

	// Healing the link lets the worker connect and publish
	driver.SetConnectError(nil)
	events.waitFor(t, 1)
}

func TestPartialReadRetainsLastGood(t *testing.T) {
	dev := simDevice("dev-1", "Temperature", "Pressure")
	source := newFakeSource(dev)
	events := &collector{}
	driver := sim.NewDriver(sim.WithSeed(1))

	m := NewManager(source, driver, events, testConfig())
	defer m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events.waitFor(t, 1)

	driver.FailTag("Pressure", errors.New("sensor fault"))
	seen := events.count()
	events.waitFor(t, seen+3)

	// Cycles after the fault still carry a Pressure value, and it no
	// longer changes: the last known-good reading is retained.
	pressure := func(u broadcast.Update) (broadcast.TagValue, bool) {
		for _, v := range u.Values {
			if v.Name == "Pressure" {
				return v, true
			}
		}
		return broadcast.TagValue{}, false
	}

	post := events.all()[seen+1 : seen+3]
	first, ok := pressure(post[0])
	if !ok {
		t.Fatal("partial cycle dropped the failed tag instead of retaining it")
	}
	second, ok := pressure(post[1])
	if !ok {
		t.Fatal("partial cycle dropped the failed tag instead of retaining it")
	}
	if first.Value != second.Value || !first.Timestamp.Equal(second.Timestamp) {
		t.Errorf("retained Pressure changed across failed cycles: %+v then %+v", first, second)
	}

	// Error counter was persisted
	if tag, ok := source.tagState("dev-1", "Pressure"); !ok || tag.ErrorCount == 0 || tag.LastError == nil {
		t.Errorf("persisted Pressure state = %+v, want ErrorCount > 0", tag)
	}
}

func TestLinkLossDuringPollingEntersBackoff(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	events := &collector{}
	driver := sim.NewDriver(sim.WithSeed(1))

	m := NewManager(source, driver, events, testConfig())
	defer m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events.waitFor(t, 1)

	driver.SetConnectError(errors.New("link down"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := m.Status("dev-1"); ok && s.State == device.StateBackoff {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker never entered backoff after link loss")
}

func TestPerTagFailuresStayConnected(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	events := &collector{}
	driver := sim.NewDriver(sim.WithSeed(1))
	driver.FailTag("Temperature", errors.New("bad tag name"))

	m := NewManager(source, driver, events, testConfig())
	defer m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Even with its only tag failing every cycle, the connection holds:
	// the worker keeps cycling and emitting error state instead of
	// tearing the link down.
	events.waitFor(t, 3)

	s, ok := m.Status("dev-1")
	if !ok {
		t.Fatal("worker not running")
	}
	if s.State == device.StateBackoff {
		t.Errorf("per-tag failure sent worker into backoff")
	}
	if s.Cycles < 2 {
		t.Errorf("Cycles = %d, want >= 2", s.Cycles)
	}

	u := events.all()[0]
	if len(u.Values) != 1 || u.Values[0].Error == "" {
		t.Errorf("expected an error-carrying entry, got %+v", u.Values)
	}
}

func TestFailedTagCarriesErrorState(t *testing.T) {
	dev := simDevice("dev-1", "Temperature", "Pressure")
	source := newFakeSource(dev)
	events := &collector{}
	driver := sim.NewDriver(sim.WithSeed(1))
	driver.FailTag("Pressure", errors.New("sensor fault"))

	m := NewManager(source, driver, events, testConfig())
	defer m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events.waitFor(t, 2)

	// The event carries every configured tag: the good read with its
	// value, the failed read with its error and no value.
	u := events.all()[0]
	if len(u.Values) != 2 {
		t.Fatalf("len(Values) = %d, want 2", len(u.Values))
	}
	temp, press := u.Values[0], u.Values[1]
	if temp.Name != "Temperature" || temp.Error != "" || temp.Value == nil {
		t.Errorf("Temperature entry = %+v, want a value and no error", temp)
	}
	if press.Name != "Pressure" || press.Error == "" || press.Value != nil {
		t.Errorf("Pressure entry = %+v, want an error and no value", press)
	}

	if s, ok := m.Status("dev-1"); !ok || s.Cycles < 1 {
		t.Errorf("partial cycle did not count: %+v", s)
	}
}

func TestNoTagsConfiguredSurfaced(t *testing.T) {
	dev := simDevice("dev-1")
	source := newFakeSource(dev)
	events := &collector{}
	m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), events, testConfig())
	defer m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	flagged := false
	for time.Now().Before(deadline) {
		if s, ok := m.Status("dev-1"); ok && s.LastError == "no tags configured" {
			flagged = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !flagged {
		t.Fatal("empty tag list never surfaced in worker status")
	}
	if got := events.count(); got != 0 {
		t.Errorf("%d updates emitted for a device with no tags", got)
	}
}

func TestReconcilePicksUpNewInterval(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	events := &collector{}
	m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), events, testConfig())
	defer m.Shutdown()

	ctx := context.Background()
	if err := m.Start(ctx, "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events.waitFor(t, 1)

	// Disable the device, reconcile should stop the worker
	updated := dev.DeepCopy()
	updated.Enabled = false
	if err := source.UpdateDevice(ctx, updated); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	if err := m.Reconcile(ctx, "dev-1"); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if m.Running("dev-1") {
		t.Error("worker still running after reconcile of disabled device")
	}
}

func TestReconcileIgnoresStoppedDevice(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	m := NewManager(source, sim.NewDriver(), &collector{}, testConfig())
	defer m.Shutdown()

	if err := m.Reconcile(context.Background(), "dev-1"); err != nil {
		t.Errorf("Reconcile() of stopped device error = %v", err)
	}
	if m.Running("dev-1") {
		t.Error("Reconcile() started a stopped device")
	}
}

func TestAutoStartSkipsUnflaggedDevices(t *testing.T) {
	auto := simDevice("dev-1", "Temperature")
	manual := simDevice("dev-2", "Temperature")
	manual.AutoStart = false
	source := newFakeSource(auto, manual)
	m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), &collector{}, testConfig())
	defer m.Shutdown()

	if err := m.AutoStart(context.Background()); err != nil {
		t.Fatalf("AutoStart() error = %v", err)
	}
	if !m.Running("dev-1") {
		t.Error("auto-start device not running")
	}
	if m.Running("dev-2") {
		t.Error("manual device started by AutoStart()")
	}
}

func TestDiscoverFiltersSystemTags(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	m := NewManager(source, sim.NewDriver(), &collector{}, testConfig())
	defer m.Shutdown()

	defs, err := m.Discover(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(defs) == 0 {
		t.Fatal("Discover() returned no tags")
	}
	for _, def := range defs {
		if protocol.IsSystemTag(def.Name) {
			t.Errorf("Discover() leaked system tag %q", def.Name)
		}
	}
}

func TestDiscoverFailureKeepsConfiguredTags(t *testing.T) {
	dev := simDevice("dev-1", "Temperature", "Pressure")
	source := newFakeSource(dev)
	driver := sim.NewDriver()
	driver.SetConnectError(errors.New("unreachable"))
	m := NewManager(source, driver, &collector{}, testConfig())
	defer m.Shutdown()

	if _, err := m.AdoptDiscovered(context.Background(), "dev-1"); err == nil {
		t.Fatal("AdoptDiscovered() error = nil, want failure")
	}

	got, _ := source.GetDevice(context.Background(), "dev-1")
	if len(got.Tags) != 2 {
		t.Errorf("configured tags = %d after failed discovery, want 2", len(got.Tags))
	}
}

// emptyBrowseDriver connects fine but browses only controller-internal
// tags, so a filtered discovery comes back empty.
type emptyBrowseDriver struct{}

func (emptyBrowseDriver) Name() string { return "emptybrowse" }

func (emptyBrowseDriver) Connect(context.Context, protocol.Target) (protocol.Conn, error) {
	return emptyBrowseConn{}, nil
}

type emptyBrowseConn struct{}

func (emptyBrowseConn) ReadTag(context.Context, string) (protocol.Reading, error) {
	return protocol.Reading{}, protocol.ErrTagRead
}

func (emptyBrowseConn) ListTags(context.Context) ([]protocol.TagDef, error) {
	return []protocol.TagDef{{Name: "_IO_Map", Type: "STRUCT"}}, nil
}

func (emptyBrowseConn) Close() error { return nil }

func TestAdoptEmptyDiscoveryKeepsTags(t *testing.T) {
	dev := simDevice("dev-1", "Temperature", "Pressure")
	source := newFakeSource(dev)
	m := NewManager(source, emptyBrowseDriver{}, &collector{}, testConfig())
	defer m.Shutdown()

	_, err := m.AdoptDiscovered(context.Background(), "dev-1")
	if !errors.Is(err, ErrNoTagsDiscovered) {
		t.Fatalf("AdoptDiscovered() error = %v, want ErrNoTagsDiscovered", err)
	}

	// The configured list survives element for element
	got, _ := source.GetDevice(context.Background(), "dev-1")
	if len(got.Tags) != 2 || got.Tags[0].Name != "Temperature" || got.Tags[1].Name != "Pressure" {
		t.Errorf("configured tags changed after empty discovery: %+v", got.Tags)
	}
}

func TestAdoptDiscoveredReplacesTags(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	m := NewManager(source, sim.NewDriver(), &collector{}, testConfig())
	defer m.Shutdown()

	defs, err := m.AdoptDiscovered(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("AdoptDiscovered() error = %v", err)
	}

	got, _ := source.GetDevice(context.Background(), "dev-1")
	if len(got.Tags) != len(defs) {
		t.Errorf("configured tags = %d, want %d discovered", len(got.Tags), len(defs))
	}
}

func TestRemoveStopsWorkerAndDeletesDevice(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	events := &collector{}
	m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), events, testConfig())
	defer m.Shutdown()

	ctx := context.Background()
	if err := m.Start(ctx, "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events.waitFor(t, 1)

	if err := m.Remove(ctx, "dev-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if m.Running("dev-1") {
		t.Error("worker still running after Remove()")
	}
	if _, err := source.GetDevice(ctx, "dev-1"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
	}

	// A start after removal finds nothing to start
	if err := m.Start(ctx, "dev-1"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Start() after Remove() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestStartRacingRemoveLeavesNothingRunning(t *testing.T) {
	ctx := context.Background()

	// Whichever order the manager serialises them in, a start must never
	// leave a worker polling a deleted device.
	for i := 0; i < 25; i++ {
		dev := simDevice("dev-1", "Temperature")
		source := newFakeSource(dev)
		m := NewManager(source, sim.NewDriver(sim.WithSeed(1)), &collector{}, testConfig())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Start(ctx, "dev-1")
		}()
		go func() {
			defer wg.Done()
			_ = m.Remove(ctx, "dev-1")
		}()
		wg.Wait()

		if m.Running("dev-1") {
			t.Fatalf("iteration %d: worker left running after Remove()", i)
		}
		if _, err := source.GetDevice(ctx, "dev-1"); !errors.Is(err, device.ErrDeviceNotFound) {
			t.Fatalf("iteration %d: device survived Remove(): %v", i, err)
		}
		m.Shutdown()
	}
}

func TestShutdownRefusesStart(t *testing.T) {
	dev := simDevice("dev-1", "Temperature")
	source := newFakeSource(dev)
	m := NewManager(source, sim.NewDriver(), &collector{}, testConfig())

	m.Shutdown()

	if err := m.Start(context.Background(), "dev-1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start() after Shutdown() error = %v, want ErrShuttingDown", err)
	}
}
