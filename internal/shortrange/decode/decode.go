// Package decode implements the stateful per-profile page decoders that
// turn 8-byte short-range data pages into unified readings.
package decode

import (
	"encoding/binary"
	"fmt"

	"telemetryd/internal/reading"
)

// Page is one 8-byte data page payload (the channel byte already stripped).
type Page [8]byte

func u16le(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// DecodeHeartRate extracts bpm from byte 7 of any HR page. It emits only
// when bpm is non-zero.
func DecodeHeartRate(deviceID string, nowMs int64, p Page) (reading.Reading, bool) {
	bpm := p[7]
	if bpm == 0 {
		return reading.Reading{}, false
	}
	return reading.Reading{
		Kind:        reading.KindHeartRate,
		DeviceID:    deviceID,
		TimestampMs: nowMs,
		BPM:         bpm,
	}, true
}

// PowerDecoder is stateful per device: it tracks the last event_count seen
// so unchanged pages (no new pedal stroke) are suppressed.
type PowerDecoder struct {
	haveLast   bool
	lastEvent  byte
}

// Decode handles page 0x10 only; callers must pre-filter by page number.
func (d *PowerDecoder) Decode(deviceID string, nowMs int64, p Page) (reading.Reading, bool) {
	eventCount := p[1]
	first := !d.haveLast
	unchanged := d.haveLast && eventCount == d.lastEvent
	d.haveLast = true
	d.lastEvent = eventCount

	if unchanged && !first {
		return reading.Reading{}, false
	}

	r := reading.Reading{
		Kind:        reading.KindPower,
		DeviceID:    deviceID,
		TimestampMs: nowMs,
		Watts:       int32(u16le(p[6:8])),
	}
	if p[2]&0x80 != 0 {
		pct := p[2] & 0x7F
		r.PedalBalance = &pct
	}
	return r, true
}

// CadenceSpeedDecoder is stateful per device: it tracks the previous
// event-time/revolution counters to compute deltas with wrap-around.
type CadenceSpeedDecoder struct {
	initialized  bool
	prevTime     uint16
	prevRevs     uint16
	isSpeed      bool
	wheelCircMM  uint32
}

// NewCadenceDecoder builds a decoder that emits Cadence readings.
func NewCadenceDecoder() *CadenceSpeedDecoder {
	return &CadenceSpeedDecoder{isSpeed: false}
}

// NewSpeedDecoder builds a decoder that emits Speed readings using the
// given wheel circumference in millimeters (0 selects the 2105mm default,
// a 700x25c wheel).
func NewSpeedDecoder(wheelCircumferenceMM uint32) *CadenceSpeedDecoder {
	if wheelCircumferenceMM == 0 {
		wheelCircumferenceMM = 2105
	}
	return &CadenceSpeedDecoder{isSpeed: true, wheelCircMM: wheelCircumferenceMM}
}

// Decode computes rpm (cadence) or kmh (speed) from event time and
// cumulative revolution counters at bytes 4..=5 and 6..=7. The first call
// only initializes state.
func (d *CadenceSpeedDecoder) Decode(deviceID string, nowMs int64, p Page) (reading.Reading, bool) {
	eventTime := u16le(p[4:6])
	revs := u16le(p[6:8])

	if !d.initialized {
		d.initialized = true
		d.prevTime = eventTime
		d.prevRevs = revs
		return reading.Reading{}, false
	}

	timeDiff := eventTime - d.prevTime // wrapping subtraction
	revDiff := revs - d.prevRevs       // wrapping subtraction
	d.prevTime = eventTime
	d.prevRevs = revs

	if timeDiff == 0 || revDiff == 0 {
		return reading.Reading{}, false
	}

	seconds := float64(timeDiff) / 1024.0

	if d.isSpeed {
		kmh := (float64(revDiff) * float64(d.wheelCircMM) / 1000.0 / seconds) * 3.6
		if kmh <= 0 || kmh >= 120 {
			return reading.Reading{}, false
		}
		return reading.Reading{
			Kind:        reading.KindSpeed,
			DeviceID:    deviceID,
			TimestampMs: nowMs,
			KMH:         kmh,
		}, true
	}

	rpm := (float64(revDiff) / seconds) * 60.0
	if rpm <= 0 || rpm >= 200 {
		return reading.Reading{}, false
	}
	return reading.Reading{
		Kind:        reading.KindCadence,
		DeviceID:    deviceID,
		TimestampMs: nowMs,
		RPM:         rpm,
	}, true
}

// DecodeTrainerGeneral handles the FE-C general page (0x10): speed in
// mm/s at bytes 4..5 (0xFFFF sentinel omits it) and HR at byte 6 (0 or
// 0xFF omits it). It can emit up to two readings.
func DecodeTrainerGeneral(deviceID string, nowMs int64, p Page) []reading.Reading {
	var out []reading.Reading

	speedMMs := u16le(p[4:6])
	if speedMMs != 0xFFFF {
		out = append(out, reading.Reading{
			Kind:        reading.KindSpeed,
			DeviceID:    deviceID,
			TimestampMs: nowMs,
			KMH:         float64(speedMMs) / 1000.0 * 3.6,
		})
	}

	hr := p[6]
	if hr != 0 && hr != 0xFF {
		out = append(out, reading.Reading{
			Kind:        reading.KindHeartRate,
			DeviceID:    deviceID,
			TimestampMs: nowMs,
			BPM:         hr,
		})
	}
	return out
}

// DecodeTrainerSpecific handles the FE-C specific page (0x19): cadence at
// byte 2 (0xFF sentinel omits it) and instant power always emitted from a
// 12-bit field at bytes 5..6.
func DecodeTrainerSpecific(deviceID string, nowMs int64, p Page) []reading.Reading {
	var out []reading.Reading

	cadence := p[2]
	if cadence != 0xFF {
		out = append(out, reading.Reading{
			Kind:        reading.KindCadence,
			DeviceID:    deviceID,
			TimestampMs: nowMs,
			RPM:         float64(cadence),
		})
	}

	watts := u16le(p[5:7]) & 0x0FFF
	out = append(out, reading.Reading{
		Kind:        reading.KindPower,
		DeviceID:    deviceID,
		TimestampMs: nowMs,
		Watts:       int32(watts),
	})
	return out
}

// MetadataUpdate carries only the fields a common page actually populates;
// zero-value pointer fields must not clobber existing stored values
// (COALESCE semantics applied by the caller).
type MetadataUpdate struct {
	ManufacturerID *uint16
	ModelNumber    *uint16
	HWRevision     *uint8
	SWRevision     *string
	SerialNumber   *uint32
	BatteryLevel   *uint8
	BatteryVoltage *float64
}

// DecodeCommonPage handles Common Data Pages 80/81/82. It returns ok=false
// for any other page number, in which case the caller should fall through
// to the profile decoder.
func DecodeCommonPage(p Page) (MetadataUpdate, bool) {
	switch p[0] {
	case 0x50:
		hw := p[3]
		mfr := u16le(p[4:6])
		model := u16le(p[6:8])
		return MetadataUpdate{HWRevision: &hw, ManufacturerID: &mfr, ModelNumber: &model}, true

	case 0x51:
		swMain := p[3]
		swSup := p[2]
		var sw string
		if swSup != 0 && swSup != 0xFF {
			sw = fmt.Sprintf("%d.%d", swMain, swSup)
		} else {
			sw = fmt.Sprintf("%d", swMain)
		}
		upd := MetadataUpdate{SWRevision: &sw}
		serial := binary.LittleEndian.Uint32(p[4:8])
		if serial != 0 && serial != 0xFFFFFFFF {
			upd.SerialNumber = &serial
		}
		return upd, true

	case 0x52:
		upd := MetadataUpdate{}
		level := p[7]
		if level != 0xFF {
			upd.BatteryLevel = &level
		}
		voltage := float64(p[3]&0x0F) + float64(p[2])/256.0
		if voltage != 0 {
			upd.BatteryVoltage = &voltage
		}
		return upd, true

	default:
		return MetadataUpdate{}, false
	}
}
