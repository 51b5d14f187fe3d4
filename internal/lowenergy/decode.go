package lowenergy

import (
	"encoding/binary"

	"telemetryd/internal/reading"
)

func decodeHeartRateMeasurement(id string, nowMs int64, b []byte) (reading.Reading, bool) {
	if len(b) < 2 {
		return reading.Reading{}, false
	}
	flags := b[0]
	var bpm uint8
	if flags&0x01 == 0 {
		bpm = b[1]
	} else {
		if len(b) < 3 {
			return reading.Reading{}, false
		}
		bpm = b[1] // least significant byte of the 16-bit value
	}
	if bpm == 0 {
		return reading.Reading{}, false
	}
	return reading.Reading{Kind: reading.KindHeartRate, DeviceID: id, TimestampMs: nowMs, BPM: bpm}, true
}

func decodeCyclingPowerMeasurement(id string, nowMs int64, b []byte) (reading.Reading, bool) {
	if len(b) < 4 {
		return reading.Reading{}, false
	}
	flags := binary.LittleEndian.Uint16(b[0:2])
	watts := int16(binary.LittleEndian.Uint16(b[2:4]))
	if watts < 0 {
		return reading.Reading{}, false
	}
	r := reading.Reading{Kind: reading.KindPower, DeviceID: id, TimestampMs: nowMs, Watts: int32(watts)}

	if flags&0x01 != 0 && len(b) >= 5 {
		pct := b[4] / 2
		if flags&0x02 != 0 {
			// Reference is left pedal: invert to right-pedal share.
			pct = 100 - pct
		}
		r.PedalBalance = &pct
	}
	return r, true
}

// cscDecoderState tracks the previous wheel/crank revolution and time
// counters for one CSC device.
type cscDecoderState struct {
	haveWheel    bool
	prevWheelRev uint32
	prevWheelTm  uint16

	haveCrank    bool
	prevCrankRev uint16
	prevCrankTm  uint16
}

// decode handles the optional wheel and crank blocks of a CSC Measurement
// notification. It can emit a Speed reading, a Cadence reading, both, or
// neither.
func (s *cscDecoderState) decode(id string, nowMs int64, b []byte) []reading.Reading {
	if len(b) < 1 {
		return nil
	}
	flags := b[0]
	off := 1
	var out []reading.Reading

	if flags&0x01 != 0 && len(b)-off >= 6 {
		wheelRevs := binary.LittleEndian.Uint32(b[off : off+4])
		wheelTime := binary.LittleEndian.Uint16(b[off+4 : off+6])
		off += 6

		if s.haveWheel {
			revDiff := wheelRevs - s.prevWheelRev // wrapping
			timeDiff := wheelTime - s.prevWheelTm  // wrapping
			if revDiff != 0 && timeDiff != 0 && revDiff < 100 {
				seconds := float64(timeDiff) / 1024.0
				kmh := (float64(revDiff) * wheelCircumferenceMM / 1000.0 / seconds) * 3.6
				if kmh > 0 && kmh < 120 {
					out = append(out, reading.Reading{Kind: reading.KindSpeed, DeviceID: id, TimestampMs: nowMs, KMH: kmh})
				}
			}
		}
		s.haveWheel = true
		s.prevWheelRev = wheelRevs
		s.prevWheelTm = wheelTime
	}

	if flags&0x02 != 0 && len(b)-off >= 4 {
		crankRevs := binary.LittleEndian.Uint16(b[off : off+2])
		crankTime := binary.LittleEndian.Uint16(b[off+2 : off+4])

		if s.haveCrank {
			revDiff := crankRevs - s.prevCrankRev // wrapping
			timeDiff := crankTime - s.prevCrankTm  // wrapping
			if revDiff != 0 && timeDiff != 0 {
				seconds := float64(timeDiff) / 1024.0
				rpm := (float64(revDiff) / seconds) * 60.0
				if rpm > 0 && rpm < 200 {
					out = append(out, reading.Reading{Kind: reading.KindCadence, DeviceID: id, TimestampMs: nowMs, RPM: rpm})
				}
			}
		}
		s.haveCrank = true
		s.prevCrankRev = crankRevs
		s.prevCrankTm = crankTime
	}

	return out
}

// decodeIndoorBikeData decodes the Fitness Machine's Indoor Bike Data
// characteristic. Field presence past speed follows the flag-bit order of
// the FTMS spec; this decoder skips-or-consumes each optional field in
// order so byte offsets stay aligned, even though only speed, cadence,
// power and HR are surfaced as readings.
func decodeIndoorBikeData(id string, nowMs int64, b []byte) []reading.Reading {
	if len(b) < 2 {
		return nil
	}
	flags := binary.LittleEndian.Uint16(b[0:2])
	off := 2

	var out []reading.Reading

	// bit 0: more-data / speed present is inverted: 0 means speed is
	// present.
	if flags&0x0001 == 0 {
		if len(b)-off < 2 {
			return out
		}
		speedRaw := binary.LittleEndian.Uint16(b[off : off+2])
		off += 2
		out = append(out, reading.Reading{Kind: reading.KindSpeed, DeviceID: id, TimestampMs: nowMs, KMH: float64(speedRaw) * 0.01})
	}
	// bit 1: average speed present
	if flags&0x0002 != 0 {
		off += 2
	}
	// bit 2: instantaneous cadence present
	if flags&0x0004 != 0 {
		if len(b)-off >= 2 {
			cadenceRaw := binary.LittleEndian.Uint16(b[off : off+2])
			off += 2
			out = append(out, reading.Reading{Kind: reading.KindCadence, DeviceID: id, TimestampMs: nowMs, RPM: float64(cadenceRaw) * 0.5})
		}
	}
	// bit 3: average cadence present
	if flags&0x0008 != 0 {
		off += 2
	}
	// bit 4: total distance present (24-bit)
	if flags&0x0010 != 0 {
		off += 3
	}
	// bit 5: resistance level present
	if flags&0x0020 != 0 {
		off += 2
	}
	// bit 6: instantaneous power present
	if flags&0x0040 != 0 {
		if len(b)-off >= 2 {
			watts := int16(binary.LittleEndian.Uint16(b[off : off+2]))
			off += 2
			if watts >= 0 {
				out = append(out, reading.Reading{Kind: reading.KindPower, DeviceID: id, TimestampMs: nowMs, Watts: int32(watts)})
			}
		}
	}
	// bit 7: average power present
	if flags&0x0080 != 0 {
		off += 2
	}
	// bit 8: expended energy present (2+2+1 bytes)
	if flags&0x0100 != 0 {
		off += 5
	}
	// bit 9: heart rate present
	if flags&0x0200 != 0 {
		if len(b)-off >= 1 {
			hr := b[off]
			off++
			if hr != 0 {
				out = append(out, reading.Reading{Kind: reading.KindHeartRate, DeviceID: id, TimestampMs: nowMs, BPM: hr})
			}
		}
	}

	return out
}
