package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/device"
	"github.com/fieldgate/fieldgate-core/internal/protocol"
)

// Logger defines the logging interface used by the poll package.
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

// StateStore persists tag runtime state after each read.
type StateStore interface {
	SetTagState(ctx context.Context, deviceID string, tag device.Tag) error
}

// Emitter receives one update per completed read cycle.
type Emitter interface {
	Publish(broadcast.Update) error
}

// Config carries the poll timing knobs shared by all workers.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	BackoffFloor   time.Duration
	BackoffCap     time.Duration
}

// Status is a point-in-time snapshot of a worker.
type Status struct {
	DeviceID    string             `json:"device_id"`
	DeviceName  string             `json:"device_name"`
	State       device.WorkerState `json:"state"`
	LastError   string             `json:"last_error,omitempty"`
	ConnectedAt *time.Time         `json:"connected_at,omitempty"`
	Cycles      int64              `json:"cycles"`
	RetryIn     time.Duration      `json:"retry_in,omitempty"`
}

// Worker polls one device on its own goroutine and emits an update per
// completed cycle. It owns its device snapshot and all runtime state;
// other goroutines observe it only through Snapshot().
//
// A worker runs once: create with newWorker, start with start, stop
// with stop. The manager replaces the worker on config changes.
type Worker struct {
	dev    *device.Device
	driver protocol.Driver
	store  StateStore
	events Emitter
	cfg    Config
	logger Logger

	// lastGood retains the newest successful reading per tag so partial
	// cycles still publish a complete picture.
	lastGood map[string]broadcast.TagValue

	mu          sync.RWMutex
	state       device.WorkerState
	lastError   string
	connectedAt *time.Time
	cycles      int64
	retryAt     time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(dev *device.Device, driver protocol.Driver, store StateStore, events Emitter, cfg Config, logger Logger) *Worker {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Worker{
		dev:      dev,
		driver:   driver,
		store:    store,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		lastGood: make(map[string]broadcast.TagValue, len(dev.Tags)),
		state:    device.StateStopped,
		done:     make(chan struct{}),
	}
}

// start launches the worker goroutine.
func (w *Worker) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
}

// stop cancels the worker and waits for its goroutine to exit.
// No updates are emitted after stop returns: the run goroutine is the
// only emitter and it has finished.
func (w *Worker) stop() {
	w.cancel()
	<-w.done
}

// Snapshot returns the worker's current status.
func (w *Worker) Snapshot() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Status{
		DeviceID:    w.dev.ID,
		DeviceName:  w.dev.Name,
		State:       w.state,
		LastError:   w.lastError,
		ConnectedAt: w.connectedAt,
		Cycles:      w.cycles,
	}
	if w.state == device.StateBackoff {
		if remaining := time.Until(w.retryAt); remaining > 0 {
			s.RetryIn = remaining
		}
	}
	return s
}

// run drives the connect/read/backoff state machine until the context
// is cancelled.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(device.StateStopped, "")

	backoff := NewBackoff(w.cfg.BackoffFloor, w.cfg.BackoffCap)

	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(device.StateConnecting, "")

		connectCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
		conn, err := w.driver.Connect(connectCtx, protocol.Target{
			Host: w.dev.Host,
			Slot: w.dev.Slot,
		})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !w.waitBackoff(ctx, backoff, err) {
				return
			}
			continue
		}

		// A successful connection restarts the delay sequence
		backoff.Reset()
		now := time.Now().UTC()
		w.mu.Lock()
		w.state = device.StateConnected
		w.lastError = ""
		w.connectedAt = &now
		w.mu.Unlock()
		w.logger.Info("device connected", "device", w.dev.Name, "host", w.dev.Host)

		lostErr := w.pollLoop(ctx, conn)
		conn.Close() //nolint:errcheck

		w.mu.Lock()
		w.connectedAt = nil
		w.mu.Unlock()

		if lostErr == nil {
			// Stopped by context
			return
		}

		w.logger.Warn("device connection lost", "device", w.dev.Name, "error", lostErr)
		if !w.waitBackoff(ctx, backoff, lostErr) {
			return
		}
	}
}

// waitBackoff records the failure, sleeps for the next delay, and
// reports whether the worker should keep running.
func (w *Worker) waitBackoff(ctx context.Context, backoff *Backoff, cause error) bool {
	delay := backoff.Next()

	w.mu.Lock()
	w.state = device.StateBackoff
	w.lastError = cause.Error()
	w.retryAt = time.Now().Add(delay)
	w.mu.Unlock()

	w.logger.Info("retrying device", "device", w.dev.Name, "in", delay, "error", cause)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// pollLoop runs read cycles at the configured interval. It returns nil
// when the context is cancelled and the loss cause when the connection
// is considered dead.
func (w *Worker) pollLoop(ctx context.Context, conn protocol.Conn) error {
	ticker := time.NewTicker(w.dev.Interval())
	defer ticker.Stop()

	for {
		if err := w.cycle(ctx, conn); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		w.setState(device.StateConnected, "")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle reads every configured tag once, in order, then emits a single
// update carrying the state of every configured tag: the freshest known
// value, plus the error text for tags that failed this cycle. A tag
// failure affects only that tag. A link-level failure aborts the cycle
// and returns the loss cause, sending the worker into backoff.
func (w *Worker) cycle(ctx context.Context, conn protocol.Conn) error {
	w.setState(device.StateReading, "")

	if len(w.dev.Tags) == 0 {
		// Keep the worker alive so adopted tags are picked up on
		// reconcile, but make the misconfiguration visible.
		w.setState(device.StateConnected, "no tags configured")
		return nil
	}

	failed := make(map[string]string)

	for i := range w.dev.Tags {
		tag := &w.dev.Tags[i]

		readCtx, cancel := context.WithTimeout(ctx, w.cfg.ReadTimeout)
		reading, err := conn.ReadTag(readCtx, tag.Name)
		cancel()

		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			if isLinkError(err) {
				return err
			}
			failed[tag.Name] = err.Error()
			tag.ErrorCount++
			msg := err.Error()
			tag.LastError = &msg
			w.logger.Debug("tag read failed", "device", w.dev.Name, "tag", tag.Name, "error", err)
		} else {
			tag.ReadCount++
			tag.DataType = reading.Type
			value := fmt.Sprintf("%v", reading.Value)
			tag.LastValue = &value
			ts := reading.Timestamp
			tag.LastRead = &ts
			w.lastGood[tag.Name] = broadcast.TagValue{
				Name:      tag.Name,
				Value:     reading.Value,
				Type:      reading.Type,
				Timestamp: reading.Timestamp,
			}
		}

		if err := w.store.SetTagState(ctx, w.dev.ID, *tag); err != nil {
			w.logger.Error("persisting tag state failed", "device", w.dev.Name, "tag", tag.Name, "error", err)
		}
	}

	// One entry per configured tag in order: the retained last
	// known-good reading, annotated with this cycle's error where the
	// read failed. A tag that has never read successfully carries the
	// error alone.
	values := make([]broadcast.TagValue, 0, len(w.dev.Tags))
	for i := range w.dev.Tags {
		name := w.dev.Tags[i].Name
		v, ok := w.lastGood[name]
		if !ok {
			v = broadcast.TagValue{Name: name}
		}
		if msg, bad := failed[name]; bad {
			v.Error = msg
		}
		values = append(values, v)
	}

	update := broadcast.Update{
		DeviceID:    w.dev.ID,
		HardwareID:  w.dev.HardwareID,
		TopicPrefix: w.dev.TopicPrefix,
		Format:      string(w.dev.Format),
		Timestamp:   time.Now().UTC(),
		Values:      values,
	}
	if err := w.events.Publish(update); err != nil {
		w.logger.Error("emitting update failed", "device", w.dev.Name, "error", err)
		return nil
	}

	w.mu.Lock()
	w.cycles++
	w.mu.Unlock()
	return nil
}

// isLinkError reports whether a read failure means the connection
// itself is dead rather than one tag being unreadable. Per-tag read
// errors never change connection state.
func isLinkError(err error) bool {
	return errors.Is(err, protocol.ErrNotConnected) ||
		errors.Is(err, protocol.ErrConnectFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) setState(state device.WorkerState, lastError string) {
	w.mu.Lock()
	w.state = state
	if lastError != "" {
		w.lastError = lastError
	}
	w.mu.Unlock()
}
