// Package publish consumes completed read cycles and writes them to
// the MQTT broker in the device's configured output format.
//
// The publisher owns its broker connection independently of the poll
// workers: a broker outage never touches device polling, and while
// disconnected updates are counted and discarded rather than queued.
// Reconnection follows the same doubling backoff as device reconnects.
package publish
