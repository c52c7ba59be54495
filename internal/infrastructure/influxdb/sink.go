package influxdb

import (
	"context"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
)

// TagWriter is the subset of Client the sink needs.
type TagWriter interface {
	WriteTagValue(hardwareID, tag, dataType string, value any, timestamp time.Time)
}

// Sink mirrors device update events into InfluxDB.
//
// It is a passive observer: it subscribes with a drop-on-overflow
// policy, so a slow InfluxDB backend sheds history instead of slowing
// the poll workers down.
type Sink struct {
	writer TagWriter
	events *broadcast.Subscription

	done chan struct{}
}

// NewSink creates a sink draining the given subscription into the writer.
// The sink owns the subscription and cancels it when Run returns.
func NewSink(writer TagWriter, events *broadcast.Subscription) *Sink {
	return &Sink{
		writer: writer,
		events: events,
		done:   make(chan struct{}),
	}
}

// Run consumes update events until the context is cancelled or the
// subscription is closed. Virtual device updates are skipped; their
// values are already recorded under the parent device.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	defer s.events.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-s.events.C():
			if !ok {
				return
			}
			if u.Virtual {
				continue
			}
			for _, v := range u.Values {
				// A failed read carries no new reading to record
				if v.Error != "" {
					continue
				}
				s.writer.WriteTagValue(u.HardwareID, v.Name, v.Type, v.Value, v.Timestamp)
			}
		}
	}
}

// Stop waits for Run to exit. Cancel the context passed to Run first.
func (s *Sink) Stop() {
	<-s.done
}
