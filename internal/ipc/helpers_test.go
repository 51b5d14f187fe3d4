package ipc

import "telemetryd/internal/reading"

func sampleReading(ms int64) reading.Reading {
	return reading.Reading{Kind: reading.KindHeartRate, DeviceID: "ble-1", TimestampMs: ms, BPM: 150}
}
