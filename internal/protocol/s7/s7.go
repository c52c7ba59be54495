// Package s7 reads Siemens S7 controllers over S7comm using gos7.
//
// S7 controllers have no tag browse service, so tag names carry the
// absolute data block address; see parseAddress for the format.
package s7

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"time"

	"github.com/robinson/gos7"

	"github.com/fieldgate/fieldgate-core/internal/protocol"
)

const defaultPort = 102

// Driver is a protocol.Driver speaking S7comm.
type Driver struct {
	rack    int
	timeout time.Duration
}

// NewDriver creates an S7 driver. The rack number applies to every
// connection; slot comes from the device configuration.
func NewDriver(rack int, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Driver{rack: rack, timeout: timeout}
}

// Name identifies the driver.
func (d *Driver) Name() string { return "s7" }

// Connect dials the controller. gos7's handler has no dial context, so
// the attempt is bounded by the handler timeout and the context is
// checked before and after.
func (d *Driver) Connect(ctx context.Context, target protocol.Target) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := target.Host
	if !strings.Contains(addr, ":") {
		port := target.Port
		if port == 0 {
			port = defaultPort
		}
		addr = fmt.Sprintf("%s:%d", addr, port)
	}

	rack := d.rack
	if target.Rack > 0 {
		rack = target.Rack
	}

	handler := gos7.NewTCPClientHandler(addr, rack, target.Slot)
	handler.Timeout = d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < handler.Timeout {
			handler.Timeout = remaining
		}
	}

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", protocol.ErrConnectFailed, addr, err)
	}
	if err := ctx.Err(); err != nil {
		handler.Close() //nolint:errcheck
		return nil, err
	}

	return &conn{
		client:  gos7.NewClient(handler),
		handler: handler,
	}, nil
}

// conn is one open S7 connection.
type conn struct {
	client  gos7.Client
	handler *gos7.TCPClientHandler
	closed  bool
}

// ReadTag reads and decodes one addressed value.
func (c *conn) ReadTag(ctx context.Context, name string) (protocol.Reading, error) {
	if c.closed {
		return protocol.Reading{}, protocol.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return protocol.Reading{}, err
	}

	addr, err := parseAddress(name)
	if err != nil {
		return protocol.Reading{}, fmt.Errorf("%w: %s", protocol.ErrTagRead, err)
	}

	buf := make([]byte, addr.size)
	if err := c.client.AGReadDB(addr.db, addr.offset, addr.size, buf); err != nil {
		if isTransportError(err) {
			return protocol.Reading{}, fmt.Errorf("%w: %s", protocol.ErrNotConnected, err)
		}
		return protocol.Reading{}, fmt.Errorf("%w: %q: %s", protocol.ErrTagRead, name, err)
	}

	value, err := decode(addr, buf)
	if err != nil {
		return protocol.Reading{}, fmt.Errorf("%w: %q: %s", protocol.ErrTagRead, name, err)
	}

	return protocol.Reading{
		Name:      name,
		Value:     value,
		Type:      strings.ToUpper(addr.dataType),
		Timestamp: time.Now().UTC(),
	}, nil
}

// ListTags always fails: S7comm has no browse service.
func (c *conn) ListTags(context.Context) ([]protocol.TagDef, error) {
	return nil, protocol.ErrDiscoveryUnsupported
}

// isTransportError reports whether a read failed because the socket is
// dead rather than because the controller rejected the request. Dead
// sockets must surface as connection loss so the poll worker reconnects
// instead of retrying the tag forever.
func isTransportError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Close releases the connection.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.handler.Close()
}

// decode interprets raw data block bytes per the address type.
// S7 is big endian on the wire.
func decode(addr address, buf []byte) (any, error) {
	switch addr.dataType {
	case "real":
		return math.Float32frombits(binary.BigEndian.Uint32(buf)), nil
	case "dint":
		return int32(binary.BigEndian.Uint32(buf)), nil
	case "dword":
		return binary.BigEndian.Uint32(buf), nil
	case "int":
		return int16(binary.BigEndian.Uint16(buf)), nil
	case "word":
		return binary.BigEndian.Uint16(buf), nil
	case "sint":
		return int8(buf[0]), nil
	case "byte", "usint":
		return buf[0], nil
	case "bool":
		return (buf[0]>>uint(addr.bit))&0x01 == 1, nil
	case "string":
		// S7 strings carry max length then current length
		strLen := int(buf[1])
		if strLen > len(buf)-2 {
			strLen = len(buf) - 2
		}
		return string(buf[2 : 2+strLen]), nil
	}
	return nil, fmt.Errorf("unsupported type %q", addr.dataType)
}
