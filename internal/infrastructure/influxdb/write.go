package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the gateway.
const (
	MeasurementIMU    = "mesh_imu"
	MeasurementSensor = "mesh_sensor"
)

// NodeTag formats a unicast address the same way MQTT topics do.
func NodeTag(address uint16) string {
	return fmt.Sprintf("0x%04x", address)
}

// WriteNodeMetric records one telemetry sample for a mesh node.
//
// The node tag is always set from address; extra tags (e.g. "property")
// are merged on top. The write is non-blocking and batched.
//
// Example:
//
//	client.WriteNodeMetric(influxdb.MeasurementSensor, 0x0010,
//	    map[string]string{"property": "0x5001", "name": "accel_x"},
//	    map[string]any{"value": int64(-12)})
func (c *Client) WriteNodeMetric(measurement string, address uint16, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}

	merged := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		merged[k] = v
	}
	merged["node"] = NodeTag(address)

	c.writeAPI.WritePoint(write.NewPoint(measurement, merged, fields, time.Now()))
}
