package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidHost is returned when a device host is empty.
	ErrInvalidHost = errors.New("device: invalid host")

	// ErrInvalidFormat is returned when an output format value is not recognised.
	ErrInvalidFormat = errors.New("device: invalid output format")

	// ErrInvalidInterval is returned when a poll interval is zero or negative.
	ErrInvalidInterval = errors.New("device: invalid poll interval")

	// ErrInvalidTopicPrefix is returned when a topic prefix is malformed.
	ErrInvalidTopicPrefix = errors.New("device: invalid topic prefix")

	// ErrTagNotFound is returned when a tag name is not configured on a device.
	ErrTagNotFound = errors.New("device: tag not found")

	// ErrDuplicateTag is returned when a device configures the same tag twice.
	ErrDuplicateTag = errors.New("device: duplicate tag")

	// ErrVirtualNotFound is returned when a virtual device ID does not exist.
	ErrVirtualNotFound = errors.New("device: virtual device not found")

	// ErrVirtualExists is returned when creating a virtual device whose
	// ID or hardware ID is already taken.
	ErrVirtualExists = errors.New("device: virtual device already exists")

	// ErrInvalidVirtual is returned when virtual device validation fails.
	ErrInvalidVirtual = errors.New("device: invalid virtual device")

	// ErrParentNotFound is returned when a virtual device references a
	// parent device that does not exist.
	ErrParentNotFound = errors.New("device: parent device not found")
)
