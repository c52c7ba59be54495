package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength   = 100
	maxTagsLength   = 500 // Max configured tags per device
	maxTagNameLen   = 200
	minPollInterval = 0.1 // Seconds
)

// Pre-computed validation set for O(1) lookups.
var validFormats map[OutputFormat]struct{}

func init() {
	validFormats = make(map[OutputFormat]struct{}, len(AllOutputFormats()))
	for _, f := range AllOutputFormats() {
		validFormats[f] = struct{}{}
	}
}

// ValidateDevice performs comprehensive validation on a device.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidHost)
	}

	if d.Slot < 0 {
		return fmt.Errorf("%w: slot must not be negative", ErrInvalidDevice)
	}

	if d.PollInterval < minPollInterval {
		return fmt.Errorf("%w: must be at least %gs", ErrInvalidInterval, minPollInterval)
	}

	if err := ValidateTopicPrefix(d.TopicPrefix); err != nil {
		return err
	}

	if _, ok := validFormats[d.Format]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, d.Format)
	}

	if len(d.Tags) > maxTagsLength {
		return fmt.Errorf("%w: too many tags (max %d)", ErrInvalidDevice, maxTagsLength)
	}

	seen := make(map[string]struct{}, len(d.Tags))
	for i := range d.Tags {
		name := d.Tags[i].Name
		if name == "" || len(name) > maxTagNameLen {
			return fmt.Errorf("%w: invalid tag name at index %d", ErrInvalidDevice, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTag, name)
		}
		seen[name] = struct{}{}
	}

	return nil
}

// ValidateName checks a device or virtual device name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateTopicPrefix checks a topic prefix is publishable.
// A trailing slash is expected so per-tag topics append cleanly;
// NormalizeTopicPrefix adds one when missing.
func ValidateTopicPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: topic prefix is required", ErrInvalidTopicPrefix)
	}
	if strings.ContainsAny(prefix, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed", ErrInvalidTopicPrefix)
	}
	if strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("%w: must not start with a slash", ErrInvalidTopicPrefix)
	}
	return nil
}

// NormalizeTopicPrefix ensures the prefix ends with exactly one slash.
func NormalizeTopicPrefix(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/"
}

// ValidateVirtualDevice checks a virtual device against its parent.
// The parent must exist (callers resolve it first) and the virtual
// device may only select tags the parent is configured to read.
func ValidateVirtualDevice(v *VirtualDevice, parent *Device) error {
	if v == nil {
		return ErrInvalidVirtual
	}

	if err := ValidateName(v.Name); err != nil {
		return err
	}

	if strings.TrimSpace(v.HardwareID) == "" {
		return fmt.Errorf("%w: hardware ID is required", ErrInvalidVirtual)
	}

	if parent == nil {
		return ErrParentNotFound
	}

	if len(v.TagNames) == 0 {
		return fmt.Errorf("%w: at least one tag is required", ErrInvalidVirtual)
	}

	seen := make(map[string]struct{}, len(v.TagNames))
	for _, name := range v.TagNames {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTag, name)
		}
		seen[name] = struct{}{}

		if !parent.HasTag(name) {
			return fmt.Errorf("%w: %q is not configured on parent %s", ErrTagNotFound, name, parent.Name)
		}
	}

	return nil
}

// GenerateID creates a new unique device identifier.
func GenerateID() string {
	return uuid.New().String()
}

// GenerateHardwareID derives a hardware ID from a device name.
// Spaces become underscores so the ID survives CSV payloads intact.
func GenerateHardwareID(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}
