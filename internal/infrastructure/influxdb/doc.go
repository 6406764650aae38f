// Package influxdb records decoded mesh telemetry as time-series history.
//
// It wraps influxdb-client-go v2 with a non-blocking batched write API.
// IMU samples land in the mesh_imu measurement and MPID sensor values in
// mesh_sensor, both tagged with the node address ("0x0010").
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // history is optional
//	}
//	defer client.Close()
//
//	client.WriteNodeMetric(influxdb.MeasurementIMU, 0x0010, nil,
//	    map[string]any{"accel_x": 1.2, "gyro_z": int64(-30)})
//
// Write errors arrive asynchronously through SetOnError.
package influxdb
