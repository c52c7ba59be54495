// Package sim provides an in-process simulated field device.
//
// The simulator exposes a fixed tag table of plausible process values
// and supports failure injection, which makes it the driver of choice
// for development installs and for poll worker tests.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/protocol"
)

// tagSpec describes how one simulated tag generates values.
type tagSpec struct {
	typ  string
	next func(r *rand.Rand, cycle int64) any
}

// defaultTags is the simulated controller's tag table. Values wander
// around realistic setpoints so dashboards look alive.
var defaultTags = map[string]tagSpec{
	"Tag1":          {"REAL", func(r *rand.Rand, _ int64) any { return round2(100 + r.Float64()*10 - 5) }},
	"Tag2":          {"REAL", func(r *rand.Rand, _ int64) any { return round2(25 + r.Float64()*4 - 2) }},
	"Tag3":          {"INT", func(r *rand.Rand, _ int64) any { return 40 + r.Intn(6) }},
	"Temperature":   {"REAL", func(r *rand.Rand, _ int64) any { return round2(72 + r.Float64()*2 - 1) }},
	"Pressure":      {"REAL", func(r *rand.Rand, _ int64) any { return round2(14.7 + r.Float64() - 0.5) }},
	"Speed":         {"INT", func(r *rand.Rand, _ int64) any { return 1400 + r.Intn(201) }},
	"Status":        {"BOOL", func(r *rand.Rand, _ int64) any { return r.Intn(2) == 1 }},
	"Counter":       {"DINT", func(_ *rand.Rand, cycle int64) any { return cycle % 10000 }},
	"Motor_Running": {"BOOL", func(r *rand.Rand, _ int64) any { return r.Intn(2) == 1 }},
	"Voltage":       {"REAL", func(r *rand.Rand, _ int64) any { return round2(220 + r.Float64()*10 - 5) }},
}

// systemTags appear in discovery so callers exercise system tag filtering.
var systemTags = []protocol.TagDef{
	{Name: "_IO_Map", Type: "STRUCT"},
	{Name: "_TaskScheduler", Type: "STRUCT"},
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// Driver is a protocol.Driver backed by an in-memory device.
// Failure injection methods may be called concurrently with reads.
type Driver struct {
	mu          sync.Mutex
	rand        *rand.Rand
	connectErr  error
	failedTags  map[string]error
	readLatency time.Duration
}

// Option configures the simulated driver.
type Option func(*Driver)

// WithSeed makes value generation deterministic.
func WithSeed(seed int64) Option {
	return func(d *Driver) {
		d.rand = rand.New(rand.NewSource(seed)) //nolint:gosec // simulated process values
	}
}

// WithReadLatency delays every tag read, imitating a slow link.
func WithReadLatency(latency time.Duration) Option {
	return func(d *Driver) { d.readLatency = latency }
}

// NewDriver creates a simulated driver.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // simulated process values
		failedTags: make(map[string]error),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name identifies the driver.
func (d *Driver) Name() string { return "simulator" }

// Connect opens a simulated connection. Fails if SetConnectError was set.
func (d *Driver) Connect(ctx context.Context, target protocol.Target) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	connectErr := d.connectErr
	d.mu.Unlock()

	if connectErr != nil {
		return nil, fmt.Errorf("%w: %s: %s", protocol.ErrConnectFailed, target.Host, connectErr)
	}

	return &conn{driver: d}, nil
}

// SetConnectError makes subsequent Connect calls fail with the given
// error. Pass nil to restore connectivity. Open connections also start
// failing reads, imitating a dropped link.
func (d *Driver) SetConnectError(err error) {
	d.mu.Lock()
	d.connectErr = err
	d.mu.Unlock()
}

// FailTag makes reads of the named tag fail with the given error.
// Pass nil to heal the tag.
func (d *Driver) FailTag(name string, err error) {
	d.mu.Lock()
	if err == nil {
		delete(d.failedTags, name)
	} else {
		d.failedTags[name] = err
	}
	d.mu.Unlock()
}

// conn is one simulated connection. Reads are served from the driver's
// shared tag table; each connection keeps its own cycle counter.
type conn struct {
	driver *Driver
	closed bool
	cycle  int64
}

// ReadTag generates the next value for the named tag.
func (c *conn) ReadTag(ctx context.Context, name string) (protocol.Reading, error) {
	if c.closed {
		return protocol.Reading{}, protocol.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return protocol.Reading{}, err
	}

	d := c.driver

	d.mu.Lock()
	latency := d.readLatency
	d.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return protocol.Reading{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// A broken link fails every read, not just new connections
	if d.connectErr != nil {
		return protocol.Reading{}, fmt.Errorf("%w: %s", protocol.ErrNotConnected, d.connectErr)
	}
	if err, ok := d.failedTags[name]; ok {
		return protocol.Reading{}, fmt.Errorf("%w: %q: %s", protocol.ErrTagRead, name, err)
	}

	spec, ok := defaultTags[name]
	if !ok {
		return protocol.Reading{}, fmt.Errorf("%w: %q: no such tag", protocol.ErrTagRead, name)
	}

	if name == "Counter" {
		c.cycle++
	}

	return protocol.Reading{
		Name:      name,
		Value:     spec.next(d.rand, c.cycle),
		Type:      spec.typ,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ListTags returns the full simulated tag table, including the
// underscore-prefixed system tags a real controller would expose.
func (c *conn) ListTags(ctx context.Context) ([]protocol.TagDef, error) {
	if c.closed {
		return nil, protocol.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defs := make([]protocol.TagDef, 0, len(defaultTags)+len(systemTags))
	for name, spec := range defaultTags {
		defs = append(defs, protocol.TagDef{Name: name, Type: spec.typ})
	}
	defs = append(defs, systemTags...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Close marks the connection closed.
func (c *conn) Close() error {
	c.closed = true
	return nil
}
