// Package broadcast fans out completed read cycles to the publisher,
// the virtual device composer and the UI hub.
//
// Each poll worker publishes from its own goroutine, which gives every
// subscriber per-device ordering without any queueing layer. Subscribers
// choose an overflow policy at subscribe time: Block for consumers that
// must see every cycle, Drop for best-effort consumers that must never
// stall polling.
package broadcast
