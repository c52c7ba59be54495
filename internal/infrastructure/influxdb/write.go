package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTagValue records one tag reading in the tag_history measurement.
//
// Numeric and boolean values land as typed fields; everything else is
// stored as a string field. The write is non-blocking; points are
// batched and sent asynchronously.
func (c *Client) WriteTagValue(hardwareID, tag, dataType string, value any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{}
	switch v := value.(type) {
	case float64:
		fields["value"] = v
	case float32:
		fields["value"] = float64(v)
	case int:
		fields["value"] = float64(v)
	case int64:
		fields["value"] = float64(v)
	case bool:
		fields["state"] = v
	case string:
		fields["text"] = v
	default:
		return
	}

	point := write.NewPoint(
		"tag_history",
		map[string]string{
			"device": hardwareID,
			"tag":    tag,
			"type":   dataType,
		},
		fields,
		timestamp,
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
