// Package device provides the Device Registry for Fieldgate Core.
//
// The Device Registry is the central catalogue of polled field devices
// and the virtual devices layered on top of them. It manages device
// configuration, tag runtime state, and provides query operations for
// the REST API, poll workers and the virtual device composer.
//
// # Key Types
//
//   - Device: A polled field device with its ordered tag list
//   - Tag: A single point read from a device, with last value and counters
//   - VirtualDevice: A named view over a subset of a parent's tags
//   - OutputFormat: The payload shape the publisher emits (structured, scalar, aggregate)
//
// # Usage
//
//	// Create repositories and registry
//	repo := device.NewSQLiteRepository(db)
//	virtRepo := device.NewSQLiteVirtualRepository(db)
//	registry := device.NewRegistry(repo, virtRepo)
//	registry.SetLogger(log)
//
//	// Load devices into cache on startup
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// Create a new device
//	dev := &device.Device{
//	    Name:         "Pump Station 1",
//	    Host:         "192.168.10.30",
//	    TopicPrefix:  "site/pumps/ps1/",
//	    Format:       device.FormatStructured,
//	    PollInterval: 5,
//	    Tags: []device.Tag{
//	        {Name: "FlowRate"},
//	        {Name: "DischargePressure"},
//	    },
//	}
//	if err := registry.CreateDevice(ctx, dev); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected by
// a read-write mutex. The Repository implementations must also be thread-safe.
package device
