package device

import (
	"context"
	"fmt"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
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

// Registry provides device management with caching and thread safety.
// It wraps the device and virtual device repositories and adds an
// in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo     Repository
	virtRepo VirtualRepository

	cache     map[string]*Device        // Cached devices by ID
	virtCache map[string]*VirtualDevice // Cached virtual devices by ID
	cacheMu   sync.RWMutex              // Protects both caches

	logger Logger
}

// NewRegistry creates a new device registry.
// The repositories are used for persistence; the registry adds caching.
func NewRegistry(repo Repository, virtRepo VirtualRepository) *Registry {
	return &Registry{
		repo:      repo,
		virtRepo:  virtRepo,
		cache:     make(map[string]*Device),
		virtCache: make(map[string]*VirtualDevice),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices and virtual devices from the
// repositories into the cache. This should be called on startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	virtuals, err := r.virtRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading virtual devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild caches with deep copies
	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}

	r.virtCache = make(map[string]*VirtualDevice, len(virtuals))
	for i := range virtuals {
		v := virtuals[i]
		r.virtCache[v.ID] = v.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "devices", len(devices), "virtual", len(virtuals))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		// Return a deep copy to prevent external mutation of cache
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Cache for future lookups (store a deep copy)
	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// ListDevices retrieves all devices.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Return from cache if populated
	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			// Deep copy to prevent external mutation of cache
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	// Fall back to repository
	return r.repo.List(ctx)
}

// CreateDevice creates a new device.
// It fills the ID and hardware ID if missing, validates, and persists.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID()
	}
	if device.HardwareID == "" {
		device.HardwareID = GenerateHardwareID(device.Name)
	}
	device.TopicPrefix = NormalizeTopicPrefix(device.TopicPrefix)
	if device.Format == "" {
		device.Format = FormatStructured
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	// Update cache (store a deep copy to prevent external modification)
	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "id", device.ID, "name", device.Name)
	return nil
}

// UpdateDevice updates an existing device.
// It validates the device and persists the changes.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	if device.HardwareID == "" {
		device.HardwareID = GenerateHardwareID(device.Name)
	}
	device.TopicPrefix = NormalizeTopicPrefix(device.TopicPrefix)

	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	// Update cache (store a deep copy to prevent external modification)
	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// DeleteDevice removes a device and any virtual devices built on it.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	// Update cache; virtual devices cascade in the database
	r.cacheMu.Lock()
	delete(r.cache, id)
	for vid, v := range r.virtCache {
		if v.ParentDeviceID == id {
			delete(r.virtCache, vid)
		}
	}
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetTagState persists the runtime state of a tag after a read cycle
// and keeps the cached device in sync.
// This is optimised for frequent updates from poll workers.
func (r *Registry) SetTagState(ctx context.Context, deviceID string, tag Tag) error {
	if err := r.repo.UpdateTagState(ctx, deviceID, tag); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[deviceID]; ok {
		// Create a deep copy with the updated tag (atomic replacement)
		updated := cached.DeepCopy()
		for i := range updated.Tags {
			if updated.Tags[i].Name == tag.Name {
				updated.Tags[i] = tag
				break
			}
		}
		r.cache[deviceID] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("tag state updated", "device_id", deviceID, "tag", tag.Name)
	return nil
}

// GetVirtualDevice retrieves a virtual device by ID.
// Returns ErrVirtualNotFound if it does not exist.
// The returned virtual device is a deep copy; callers can safely modify it.
func (r *Registry) GetVirtualDevice(ctx context.Context, id string) (*VirtualDevice, error) {
	r.cacheMu.RLock()
	cached, ok := r.virtCache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	v, err := r.virtRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.virtCache[id] = v.DeepCopy()
	r.cacheMu.Unlock()

	return v, nil
}

// ListVirtualDevices retrieves all virtual devices.
// The returned virtual devices are deep copies; callers can safely modify them.
func (r *Registry) ListVirtualDevices(ctx context.Context) ([]VirtualDevice, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.virtCache) > 0 {
		devices := make([]VirtualDevice, 0, len(r.virtCache))
		for _, v := range r.virtCache {
			devices = append(devices, *v.DeepCopy())
		}
		return devices, nil
	}

	return r.virtRepo.List(ctx)
}

// VirtualDevicesByParent retrieves all enabled virtual devices built on
// the given parent device. Used by the composer on every parent cycle,
// so it reads straight from the cache.
// The returned virtual devices are deep copies; callers can safely modify them.
func (r *Registry) VirtualDevicesByParent(parentID string) []VirtualDevice {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var devices []VirtualDevice
	for _, v := range r.virtCache {
		if v.ParentDeviceID == parentID && v.Enabled {
			devices = append(devices, *v.DeepCopy())
		}
	}
	return devices
}

// CreateVirtualDevice creates a new virtual device.
// The parent device must exist and carry every selected tag.
func (r *Registry) CreateVirtualDevice(ctx context.Context, v *VirtualDevice) error {
	if v.ID == "" {
		v.ID = GenerateID()
	}
	if v.HardwareID == "" {
		v.HardwareID = GenerateHardwareID(v.Name)
	}

	parent, err := r.GetDevice(ctx, v.ParentDeviceID)
	if err != nil {
		return ErrParentNotFound
	}

	if err := ValidateVirtualDevice(v, parent); err != nil {
		return err
	}

	if err := r.virtRepo.Create(ctx, v); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.virtCache[v.ID] = v.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("virtual device created", "id", v.ID, "name", v.Name, "parent", v.ParentDeviceID)
	return nil
}

// UpdateVirtualDevice updates an existing virtual device.
func (r *Registry) UpdateVirtualDevice(ctx context.Context, v *VirtualDevice) error {
	if v.HardwareID == "" {
		v.HardwareID = GenerateHardwareID(v.Name)
	}

	parent, err := r.GetDevice(ctx, v.ParentDeviceID)
	if err != nil {
		return ErrParentNotFound
	}

	if err := ValidateVirtualDevice(v, parent); err != nil {
		return err
	}

	if err := r.virtRepo.Update(ctx, v); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.virtCache[v.ID] = v.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("virtual device updated", "id", v.ID, "name", v.Name)
	return nil
}

// DeleteVirtualDevice removes a virtual device.
func (r *Registry) DeleteVirtualDevice(ctx context.Context, id string) error {
	if err := r.virtRepo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.virtCache, id)
	r.cacheMu.Unlock()

	r.logger.Info("virtual device deleted", "id", id)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices   int
	VirtualDevices int
	ByFormat       map[OutputFormat]int
	EnabledDevices int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices:   len(r.cache),
		VirtualDevices: len(r.virtCache),
		ByFormat:       make(map[OutputFormat]int),
	}

	for _, d := range r.cache {
		stats.ByFormat[d.Format]++
		if d.Enabled {
			stats.EnabledDevices++
		}
	}

	return stats
}
