// Package telemetry decodes the two compact binary shapes mesh nodes send.
//
// Packed IMU records arrive as vendor opcode 0xC00001 with exactly 8
// bytes: a 16-bit timestamp then three accelerometer and three gyroscope
// readings as signed bytes, scaled by 0.1 and 10.
//
// Sensor status messages carry marshalled property ID (MPID) records: a
// 2- or 3-byte header giving the property ID and value length, followed by
// a signed little-endian value. DecodeSensorData walks every record in a
// status buffer.
//
// Every function here is pure: a short or malformed buffer fails only the
// message being decoded.
package telemetry
