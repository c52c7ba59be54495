package protocol

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Driver errors. Drivers wrap transport failures with these sentinels so
// the poll worker can classify them without knowing the protocol.
var (
	// ErrConnectFailed is returned when a connection attempt fails.
	ErrConnectFailed = errors.New("protocol: connect failed")

	// ErrNotConnected is returned when reading on a closed connection.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrTagRead is returned when a single tag read fails. Other tags in
	// the same cycle are unaffected.
	ErrTagRead = errors.New("protocol: tag read failed")

	// ErrDiscoveryUnsupported is returned by drivers whose protocol has
	// no tag browse service.
	ErrDiscoveryUnsupported = errors.New("protocol: tag discovery not supported")
)

// Target identifies the endpoint a driver connects to.
type Target struct {
	Host string
	Slot int
	Rack int
	Port int
}

// TagDef describes a tag reported by device discovery.
type TagDef struct {
	Name string
	Type string
}

// Reading is one successfully read tag value.
type Reading struct {
	Name      string
	Value     any
	Type      string
	Timestamp time.Time
}

// Conn is an open connection to a field device.
//
// Implementations are used by a single poll worker goroutine and need
// not be safe for concurrent use.
type Conn interface {
	// ReadTag reads a single named tag. A failure affects only this tag;
	// the caller continues with the rest of the cycle.
	ReadTag(ctx context.Context, name string) (Reading, error)

	// ListTags browses the device's tag table.
	// Returns ErrDiscoveryUnsupported if the protocol cannot browse.
	ListTags(ctx context.Context) ([]TagDef, error)

	// Close releases the connection. Safe to call on a failed connection.
	Close() error
}

// Driver opens connections to field devices speaking one protocol.
type Driver interface {
	// Name identifies the driver in logs and the API.
	Name() string

	// Connect dials the target. The context bounds the attempt.
	Connect(ctx context.Context, target Target) (Conn, error)
}

// IsSystemTag reports whether a discovered tag is a controller-internal
// point that should be hidden from configuration. Controllers expose
// these with a leading underscore.
func IsSystemTag(name string) bool {
	return strings.HasPrefix(name, "_")
}

// FilterSystemTags returns defs with controller-internal tags removed,
// preserving order.
func FilterSystemTags(defs []TagDef) []TagDef {
	out := make([]TagDef, 0, len(defs))
	for _, d := range defs {
		if !IsSystemTag(d.Name) {
			out = append(out, d)
		}
	}
	return out
}
