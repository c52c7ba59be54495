package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fieldgate/fieldgate-core/internal/device"
	"github.com/fieldgate/fieldgate-core/internal/protocol"
)

// Manager errors.
var (
	// ErrDeviceDisabled is returned when starting a disabled device.
	ErrDeviceDisabled = errors.New("poll: device is disabled")

	// ErrShuttingDown is returned when starting workers after Shutdown.
	ErrShuttingDown = errors.New("poll: manager is shutting down")

	// ErrNoTagsDiscovered is returned when a browse produced nothing
	// usable to adopt.
	ErrNoTagsDiscovered = errors.New("poll: discovery returned no usable tags")
)

// DeviceSource resolves device configuration for the manager.
type DeviceSource interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	ListDevices(ctx context.Context) ([]device.Device, error)
	SetTagState(ctx context.Context, deviceID string, tag device.Tag) error
	UpdateDevice(ctx context.Context, d *device.Device) error
	DeleteDevice(ctx context.Context, id string) error
}

// Manager owns one poll worker per started device.
//
// A single mutex serialises start, stop and reconcile so a worker is
// never started twice and a stopping worker is always waited for.
// All public methods are thread-safe.
type Manager struct {
	devices DeviceSource
	driver  protocol.Driver
	events  Emitter
	cfg     Config
	logger  Logger

	mu       sync.Mutex
	workers  map[string]*Worker
	shutdown bool
}

// NewManager creates a poll manager.
func NewManager(devices DeviceSource, driver protocol.Driver, events Emitter, cfg Config) *Manager {
	return &Manager{
		devices: devices,
		driver:  driver,
		events:  events,
		cfg:     cfg,
		logger:  noopLogger{},
		workers: make(map[string]*Worker),
	}
}

// SetLogger sets the logger for the manager and its workers.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches a poll worker for the device. Starting an already
// started device is a no-op. Disabled devices are refused.
//
// The device is resolved while holding the manager lock, the same lock
// Remove holds across its stop-and-delete, so a start can never launch
// a worker for a device a concurrent delete is removing.
func (m *Manager) Start(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShuttingDown
	}
	if _, running := m.workers[deviceID]; running {
		return nil
	}

	dev, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !dev.Enabled {
		return fmt.Errorf("%w: %s", ErrDeviceDisabled, dev.Name)
	}

	w := newWorker(dev, m.driver, m.devices, m.events, m.cfg, m.logger)
	m.workers[deviceID] = w
	w.start(ctx)

	m.logger.Info("poll worker started", "device", dev.Name, "interval", dev.Interval())
	return nil
}

// Stop halts the device's poll worker and waits for it to exit.
// Stopping a device that is not running is a no-op. When Stop returns,
// no further updates for the device will be emitted.
func (m *Manager) Stop(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, running := m.workers[deviceID]
	if !running {
		return
	}
	delete(m.workers, deviceID)
	w.stop()

	m.logger.Info("poll worker stopped", "device", w.dev.Name)
}

// Remove stops the device's worker, if any, and deletes the device.
// The manager lock is held across both steps so a concurrent Start
// cannot slip a worker in between the stop and the delete.
func (m *Manager) Remove(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, running := m.workers[deviceID]; running {
		delete(m.workers, deviceID)
		w.stop()
		m.logger.Info("poll worker stopped", "device", w.dev.Name)
	}
	return m.devices.DeleteDevice(ctx, deviceID)
}

// StartAll starts every enabled device. Failures are logged and do not
// stop the remaining devices from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	return m.startMatching(ctx, func(d *device.Device) bool { return d.Enabled })
}

// AutoStart starts every enabled device flagged for start at boot.
func (m *Manager) AutoStart(ctx context.Context) error {
	return m.startMatching(ctx, func(d *device.Device) bool { return d.Enabled && d.AutoStart })
}

func (m *Manager) startMatching(ctx context.Context, match func(*device.Device) bool) error {
	devices, err := m.devices.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	for i := range devices {
		if !match(&devices[i]) {
			continue
		}
		if err := m.Start(ctx, devices[i].ID); err != nil {
			m.logger.Error("starting poll worker failed", "device", devices[i].Name, "error", err)
		}
	}
	return nil
}

// StopAll halts every running worker and waits for each to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	if len(workers) > 0 {
		m.logger.Info("all poll workers stopped", "count", len(workers))
	}
}

// Shutdown stops all workers and refuses further starts.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.StopAll()
}

// Reconcile restarts the device's worker if it is running, picking up
// changed configuration. Devices that are not running are untouched;
// devices that became disabled are stopped.
func (m *Manager) Reconcile(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	_, running := m.workers[deviceID]
	m.mu.Unlock()

	if !running {
		return nil
	}

	dev, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			m.Stop(deviceID)
			return nil
		}
		return err
	}

	m.Stop(deviceID)
	if !dev.Enabled {
		return nil
	}
	return m.Start(ctx, deviceID)
}

// Running reports whether the device has an active worker.
func (m *Manager) Running(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.workers[deviceID]
	return running
}

// Status returns the worker snapshot for a device, if running.
func (m *Manager) Status(deviceID string) (Status, bool) {
	m.mu.Lock()
	w, running := m.workers[deviceID]
	m.mu.Unlock()

	if !running {
		return Status{}, false
	}
	return w.Snapshot(), true
}

// StatusAll returns snapshots for every running worker, sorted by
// device name.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, w.Snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].DeviceName < statuses[j].DeviceName })
	return statuses
}

// Discover connects to the device and browses its tag table,
// filtering out controller-internal system tags. The configured tag
// list is never modified; callers decide what to adopt. A failure
// leaves the device exactly as it was.
func (m *Manager) Discover(ctx context.Context, deviceID string) ([]protocol.TagDef, error) {
	dev, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.driver.Connect(connectCtx, protocol.Target{Host: dev.Host, Slot: dev.Slot})
	if err != nil {
		return nil, fmt.Errorf("connecting for discovery: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	defs, err := conn.ListTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("browsing tags: %w", err)
	}

	defs = protocol.FilterSystemTags(defs)
	m.logger.Info("tag discovery complete", "device", dev.Name, "tags", len(defs))
	return defs, nil
}

// AdoptDiscovered replaces the device's configured tags with the
// discovered set and reconciles the running worker. Existing runtime
// state survives for tags that keep their names. A browse that comes
// back empty after system tag filtering is refused: discovery never
// clears a configured tag list.
func (m *Manager) AdoptDiscovered(ctx context.Context, deviceID string) ([]protocol.TagDef, error) {
	defs, err := m.Discover(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, ErrNoTagsDiscovered
	}

	dev, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	tags := make([]device.Tag, 0, len(defs))
	for _, def := range defs {
		tags = append(tags, device.Tag{Name: def.Name, DataType: def.Type})
	}
	dev.Tags = tags

	if err := m.devices.UpdateDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("saving discovered tags: %w", err)
	}
	if err := m.Reconcile(ctx, deviceID); err != nil {
		return nil, err
	}
	return defs, nil
}
