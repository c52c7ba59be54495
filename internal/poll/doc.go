// Package poll runs one worker goroutine per started field device.
//
// Each worker drives a connect/read/backoff state machine: it dials the
// device, reads every configured tag once per interval, and emits one
// update per completed cycle to the broadcaster. Connection failures
// back off from 5s doubling to a 60s cap, resetting on a successful
// connect. A tag read failure affects only that tag: the cycle carries
// the last known-good value annotated with the error, and the
// connection stays up. Only a link-level failure, a dead socket or a
// read timeout, sends the worker back into backoff.
//
// The Manager serialises worker lifecycle: Start and Stop are
// idempotent, Stop waits for the worker goroutine so no updates arrive
// after it returns, Reconcile restarts a running worker to pick up
// configuration changes, and Remove stops and deletes under one lock
// so a start cannot race a delete.
package poll
