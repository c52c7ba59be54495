// Package influxdb provides the optional tag history sink.
//
// It wraps the official influxdb-client-go v2 library: the Client
// manages the connection and batched non-blocking writes, and the Sink
// subscribes to device update events and records every tag reading in
// the tag_history measurement.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    // ErrDisabled when the sink is off in config
//	}
//	defer client.Close()
//
//	sub, _ := broadcaster.Subscribe("influxdb", broadcast.Drop, 64)
//	sink := influxdb.NewSink(client, sub)
//	go sink.Run(ctx)
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are surfaced through
// the SetOnError callback. Connection and health check errors are
// returned directly.
package influxdb
