package telemetry

import (
	"encoding/binary"
	"fmt"
)

// OpcodeIMU is the 3-byte vendor opcode carrying a packed IMU record.
const OpcodeIMU uint32 = 0xC00001

// IMURecordSize is the exact length of a packed IMU record.
const IMURecordSize = 8

// Fixed scale factors applied to the raw signed bytes.
const (
	accelScale = 0.1
	gyroScale  = 10
)

// Accel holds scaled accelerometer readings.
type Accel struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Gyro holds scaled gyroscope readings.
type Gyro struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// IMUSample is a decoded vendor IMU record.
type IMUSample struct {
	// Timestamp is the node's 16-bit tick counter.
	Timestamp uint16 `json:"time"`

	// Accel is in units of 0.1 per raw step.
	Accel Accel `json:"accel"`

	// Gyro is in units of 10 per raw step.
	Gyro Gyro `json:"gyro"`
}

// DecodeIMU decodes a packed IMU record.
//
// Layout (8 bytes): timestamp uint16 LE, accel x/y/z int8, gyro x/y/z int8.
// Any other length is rejected without a partial decode.
func DecodeIMU(buf []byte) (IMUSample, error) {
	if len(buf) != IMURecordSize {
		return IMUSample{}, fmt.Errorf("%w: imu record is %d bytes, want %d", ErrMalformed, len(buf), IMURecordSize)
	}

	return IMUSample{
		Timestamp: binary.LittleEndian.Uint16(buf[0:2]),
		Accel: Accel{
			X: float64(int8(buf[2])) * accelScale,
			Y: float64(int8(buf[3])) * accelScale,
			Z: float64(int8(buf[4])) * accelScale,
		},
		Gyro: Gyro{
			X: int(int8(buf[5])) * gyroScale,
			Y: int(int8(buf[6])) * gyroScale,
			Z: int(int8(buf[7])) * gyroScale,
		},
	}, nil
}

// EncodeIMU packs raw (unscaled) values into the 8-byte wire layout.
// Used by the offline tools and tests.
func EncodeIMU(timestamp uint16, accel, gyro [3]int8) []byte {
	buf := make([]byte, IMURecordSize)
	binary.LittleEndian.PutUint16(buf[0:2], timestamp)
	for i := 0; i < 3; i++ {
		buf[2+i] = byte(accel[i])
		buf[5+i] = byte(gyro[i])
	}
	return buf
}
