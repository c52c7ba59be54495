// Package protocol defines the driver interface poll workers read
// field devices through, and the shared tag and reading types.
//
// Drivers live in subpackages: sim provides a deterministic in-process
// device for development and tests, s7 speaks S7comm to Siemens
// controllers via gos7.
package protocol
