// Package compose derives virtual device updates from parent device updates.
//
// A virtual device exposes a named subset of a physical device's tags under
// its own topic prefix. The Composer subscribes to the update stream, matches
// each parent update against the registered virtual devices, and emits a
// derived update per virtual device whose tag selection overlaps the parent's
// values. Derived updates are flagged so they are never composed again.
package compose

import (
	"context"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/device"
)

// Logger defines the logging interface used by the composer.
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

// Registry resolves the virtual devices layered on a parent.
type Registry interface {
	VirtualDevicesByParent(parentID string) []device.VirtualDevice
}

// Emitter receives the derived virtual device updates.
type Emitter interface {
	Publish(broadcast.Update) error
}

// Composer derives virtual device updates from parent device cycles.
//
// For every real device update it looks up the enabled virtual devices
// built on that parent and emits one update per virtual device carrying
// the intersection of the parent's values and the virtual device's tag
// selection, under the virtual device's own hardware identity. Derived
// updates are flagged Virtual and ignored on the way back in, so a
// virtual device can never feed itself.
type Composer struct {
	registry Registry
	events   *broadcast.Subscription
	out      Emitter
	logger   Logger

	done chan struct{}
}

// New creates a composer consuming the given subscription.
// Call Run to start it; the composer owns the subscription and cancels
// it when Run returns.
//
// When out is the broadcaster the subscription came from, subscribe
// with a filter rejecting Virtual updates so the composer's own output
// is discarded at delivery time rather than queued back to it. Run
// also skips Virtual updates it receives, but by then they already
// occupy buffer space the composer needs to keep draining.
func New(registry Registry, events *broadcast.Subscription, out Emitter) *Composer {
	return &Composer{
		registry: registry,
		events:   events,
		out:      out,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the composer.
func (c *Composer) SetLogger(logger Logger) {
	c.logger = logger
}

// Run consumes parent updates until the context is cancelled or the
// subscription is closed.
func (c *Composer) Run(ctx context.Context) {
	defer close(c.done)
	defer c.events.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-c.events.C():
			if !ok {
				return
			}
			if u.Virtual {
				continue
			}
			c.compose(u)
		}
	}
}

// Stop waits for Run to exit. Cancel the context passed to Run first.
func (c *Composer) Stop() {
	<-c.done
}

// compose emits one derived update per virtual device on the parent.
// A virtual device whose selection shares no tags with this cycle's
// values emits nothing.
func (c *Composer) compose(u broadcast.Update) {
	for _, vd := range c.registry.VirtualDevicesByParent(u.DeviceID) {
		values := intersect(u.Values, vd.TagNames)
		if len(values) == 0 {
			continue
		}

		derived := broadcast.Update{
			DeviceID:    vd.ID,
			HardwareID:  vd.HardwareID,
			TopicPrefix: VirtualPrefix(u.TopicPrefix, vd.HardwareID),
			Format:      u.Format,
			Virtual:     true,
			Timestamp:   u.Timestamp,
			Values:      values,
		}
		if err := c.out.Publish(derived); err != nil {
			c.logger.Error("emitting virtual update failed", "virtual", vd.Name, "error", err)
			return
		}
		c.logger.Debug("virtual update emitted", "virtual", vd.Name, "values", len(values))
	}
}

// VirtualPrefix derives a virtual device's topic prefix: a level named
// after its hardware ID under the parent's prefix.
func VirtualPrefix(parentPrefix, hardwareID string) string {
	return parentPrefix + hardwareID + "/"
}

// intersect selects parent values in the virtual device's configured
// tag order. Selected tags the parent did not deliver this cycle are
// simply absent.
func intersect(values []broadcast.TagValue, tagNames []string) []broadcast.TagValue {
	byName := make(map[string]broadcast.TagValue, len(values))
	for _, v := range values {
		byName[v.Name] = v
	}

	out := make([]broadcast.TagValue, 0, len(tagNames))
	for _, name := range tagNames {
		if v, ok := byName[name]; ok {
			out = append(out, v)
		}
	}
	return out
}
