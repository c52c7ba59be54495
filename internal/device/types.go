package device

import "time"

// Device represents a polled field device such as a PLC or remote I/O rack.
// This matches the database schema in migrations/20260205_120000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// HardwareID identifies the device in published payloads. It defaults
	// to the name with spaces collapsed when not set explicitly.
	HardwareID string `json:"hardware_id"`

	// Connection
	Host string `json:"host"`
	Slot int    `json:"slot"`

	// Publishing
	TopicPrefix string       `json:"topic_prefix"`
	Format      OutputFormat `json:"output_format"`

	// PollInterval is the time between read cycles in seconds.
	PollInterval float64 `json:"poll_interval"`

	// Tags are the points read from the device each cycle, in configured order.
	Tags []Tag `json:"tags"`

	Enabled   bool `json:"enabled"`
	AutoStart bool `json:"auto_start"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interval returns the poll interval as a duration.
// Intervals below 100ms are clamped to protect the device.
func (d *Device) Interval() time.Duration {
	iv := time.Duration(d.PollInterval * float64(time.Second))
	if iv < 100*time.Millisecond {
		iv = 100 * time.Millisecond
	}
	return iv
}

// TagNames returns the configured tag names in order.
func (d *Device) TagNames() []string {
	names := make([]string, len(d.Tags))
	for i := range d.Tags {
		names[i] = d.Tags[i].Name
	}
	return names
}

// HasTag reports whether the device is configured to read the named tag.
func (d *Device) HasTag(name string) bool {
	for i := range d.Tags {
		if d.Tags[i].Name == name {
			return true
		}
	}
	return false
}

// DeepCopy creates a complete independent copy of the Device.
// The tag slice is cloned so modifications to the copy do not
// affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields

	if d.Tags != nil {
		cpy.Tags = make([]Tag, len(d.Tags))
		copy(cpy.Tags, d.Tags)
	}

	return &cpy
}

// Tag is a single point read from a device, together with its
// last observed runtime state.
type Tag struct {
	Name string `json:"name"`

	// DataType is the device-reported type of the value ("REAL", "BOOL", ...).
	// Empty until the first successful read or discovery.
	DataType string `json:"data_type,omitempty"`

	// Last known-good reading. Retained across read failures and
	// disconnects until a newer good value arrives.
	LastValue *string    `json:"last_value,omitempty"`
	LastRead  *time.Time `json:"last_read,omitempty"`

	// Counters
	ReadCount  int64   `json:"read_count"`
	ErrorCount int64   `json:"error_count"`
	LastError  *string `json:"last_error,omitempty"`
}

// VirtualDevice is a named view over a subset of a parent device's tags.
// It has no connection of its own; its values come from the parent's
// poll cycle and are re-published under its own hardware identity.
type VirtualDevice struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	HardwareID     string `json:"hardware_id"`
	ParentDeviceID string `json:"parent_device_id"`

	// TagNames selects which of the parent's tags this virtual device
	// exposes. Names not present on the parent are ignored at publish time.
	TagNames []string `json:"tag_names"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the VirtualDevice.
func (v *VirtualDevice) DeepCopy() *VirtualDevice {
	if v == nil {
		return nil
	}

	cpy := *v

	if v.TagNames != nil {
		cpy.TagNames = make([]string, len(v.TagNames))
		copy(cpy.TagNames, v.TagNames)
	}

	return &cpy
}

// OutputFormat selects the payload shape the publisher emits for a device.
type OutputFormat string

// OutputFormat constants.
const (
	// FormatStructured publishes one JSON object per tag to <prefix><tag>,
	// carrying value, type and timestamp.
	FormatStructured OutputFormat = "structured"

	// FormatScalar publishes the bare value per tag to <prefix><tag>.
	FormatScalar OutputFormat = "scalar"

	// FormatAggregate publishes a single JSON object per cycle to
	// <prefix>data with the hardware ID, all tag values and a timestamp.
	FormatAggregate OutputFormat = "aggregate"
)

// AllOutputFormats returns all valid output format values.
func AllOutputFormats() []OutputFormat {
	return []OutputFormat{FormatStructured, FormatScalar, FormatAggregate}
}

// WorkerState describes where a device's poll worker is in its lifecycle.
type WorkerState string

// WorkerState constants.
const (
	StateStopped    WorkerState = "stopped"
	StateConnecting WorkerState = "connecting"
	StateConnected  WorkerState = "connected"
	StateReading    WorkerState = "reading"
	StateBackoff    WorkerState = "backoff"
)
