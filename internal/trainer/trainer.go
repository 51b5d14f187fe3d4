// Package trainer implements the two trainer control-plane back-ends, a
// low-energy control-point (indications) back-end and a short-range
// acknowledged-data (FE-C) back-end, behind one logical interface.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/currantlabs/ble"

	"telemetryd/internal/shortrange/protocol"
)

// ErrNotSupported is returned by the acknowledged-data back-end for
// start/stop, which FE-C has no page for.
var ErrNotSupported = errors.New("trainer command not supported on this transport")

// Backend is the logical command set both control planes satisfy.
type Backend interface {
	SetTargetPower(ctx context.Context, watts int16) error
	SetResistance(ctx context.Context, level uint8) error
	SetSimulation(ctx context.Context, gradePercent, crr, cw float64) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ---- control-point (low-energy) back-end ----

const (
	opRequestControl = 0x00
	opSetTargetPower = 0x05
	opSetResistance  = 0x04
	opStart          = 0x07
	opStop           = 0x08
	opSimulation     = 0x11

	resultSuccess        = 0x01
	resultOpNotSupported = 0x02
	resultInvalidParam   = 0x03
	resultFailed         = 0x04
	resultNotPermitted   = 0x05

	indicationTimeout = 2 * time.Second
)

// ControlPointBackend drives a low-energy trainer's Fitness Machine
// Control Point characteristic.
type ControlPointBackend struct {
	client         ble.Client
	controlPoint   *ble.Characteristic
	mu             sync.Mutex
	pending        chan []byte
	subscribed     bool
}

// NewControlPointBackend wires a backend to an already-connected client and
// its discovered control-point characteristic.
func NewControlPointBackend(client ble.Client, controlPoint *ble.Characteristic) *ControlPointBackend {
	return &ControlPointBackend{client: client, controlPoint: controlPoint, pending: make(chan []byte, 1)}
}

func (b *ControlPointBackend) ensureSubscribed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed {
		return nil
	}
	if err := b.client.Subscribe(b.controlPoint, true, func(req []byte) {
		select {
		case b.pending <- req:
		default:
		}
	}); err != nil {
		return fmt.Errorf("subscribe control point indications: %w", err)
	}
	time.Sleep(100 * time.Millisecond) // grace period after the subscription write
	b.subscribed = true

	if err := b.client.WriteCharacteristic(b.controlPoint, []byte{opRequestControl}, false); err != nil {
		return fmt.Errorf("request control: %w", err)
	}
	resp, err := b.waitIndication(indicationTimeout)
	if err != nil {
		log.Printf("trainer: request-control indication timed out, treating as success: %v", err)
		return nil
	}
	if len(resp) < 2 || resp[0] != opRequestControl || resp[1] != resultSuccess {
		return fmt.Errorf("request control rejected: %v", resp)
	}
	return nil
}

func (b *ControlPointBackend) waitIndication(timeout time.Duration) ([]byte, error) {
	select {
	case v := <-b.pending:
		return v, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("control point indication timeout")
	}
}

func resultError(opCode, result byte) error {
	switch result {
	case resultSuccess:
		return nil
	case resultOpNotSupported:
		return fmt.Errorf("trainer rejected op 0x%02x: not supported", opCode)
	case resultInvalidParam:
		return fmt.Errorf("trainer rejected op 0x%02x: invalid parameter", opCode)
	case resultFailed:
		return fmt.Errorf("trainer rejected op 0x%02x: failed", opCode)
	case resultNotPermitted:
		return fmt.Errorf("trainer rejected op 0x%02x: not permitted", opCode)
	default:
		return fmt.Errorf("trainer rejected op 0x%02x: unknown result 0x%02x", opCode, result)
	}
}

// send writes payload (already prefixed with its op code), waits for the
// `0x80 | op_code` indication with its result byte, and maps that result.
// A timeout is logged and treated as success; some trainers never
// indicate.
func (b *ControlPointBackend) send(ctx context.Context, opCode byte, payload []byte) error {
	if err := b.ensureSubscribed(); err != nil {
		return err
	}
	if err := b.client.WriteCharacteristic(b.controlPoint, payload, false); err != nil {
		return fmt.Errorf("write control point op 0x%02x: %w", opCode, err)
	}
	resp, err := b.waitIndication(indicationTimeout)
	if err != nil {
		log.Printf("trainer: op 0x%02x indication timed out, treating as success", opCode)
		return nil
	}
	if len(resp) < 2 || resp[0] != (0x80|opCode) {
		log.Printf("trainer: unexpected indication for op 0x%02x: %v", opCode, resp)
		return nil
	}
	return resultError(opCode, resp[1])
}

func le16(v int16) [2]byte { return [2]byte{byte(v), byte(v >> 8)} }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (b *ControlPointBackend) SetTargetPower(ctx context.Context, watts int16) error {
	if watts < 0 {
		watts = 0
	}
	w := le16(watts)
	return b.send(ctx, opSetTargetPower, []byte{opSetTargetPower, w[0], w[1]})
}

func (b *ControlPointBackend) SetResistance(ctx context.Context, level uint8) error {
	v := le16(int16(level) * 10)
	return b.send(ctx, opSetResistance, []byte{opSetResistance, v[0], v[1]})
}

func (b *ControlPointBackend) SetSimulation(ctx context.Context, gradePercent, crr, cw float64) error {
	grade := clampInt(int(gradePercent*100), -10000, 10000)
	crrByte := clampInt(int(crr/1e-4), 0, 255)
	cwByte := clampInt(int(cw/0.01), 0, 255)

	wind := le16(0)
	gradeLE := le16(int16(grade))
	payload := []byte{opSimulation, wind[0], wind[1], gradeLE[0], gradeLE[1], byte(crrByte), byte(cwByte)}
	return b.send(ctx, opSimulation, payload)
}

func (b *ControlPointBackend) Start(ctx context.Context) error {
	return b.send(ctx, opStart, []byte{opStart})
}

func (b *ControlPointBackend) Stop(ctx context.Context) error {
	return b.send(ctx, opStop, []byte{opStop, 0x01})
}

// ---- acknowledged-data (short-range FE-C) back-end ----

const (
	pageTargetPower byte = 0x31
	pageResistance  byte = 0x30
	pageSimulation  byte = 0x33
)

// Sender is satisfied by the short-range manager.
type Sender interface {
	Send(msgID byte, data []byte) error
}

// AcknowledgedDataBackend drives a short-range trainer's FE-C pages.
type AcknowledgedDataBackend struct {
	sender  Sender
	channel byte
}

// NewAcknowledgedDataBackend wires a backend to a connected short-range
// trainer's channel.
func NewAcknowledgedDataBackend(sender Sender, channel byte) *AcknowledgedDataBackend {
	return &AcknowledgedDataBackend{sender: sender, channel: channel}
}

func (b *AcknowledgedDataBackend) sendPage(page [8]byte) error {
	return protocol.SendAcknowledged(b.sender, b.channel, page)
}

func (b *AcknowledgedDataBackend) SetTargetPower(ctx context.Context, watts int16) error {
	var raw uint16
	scaled := int32(watts) * 4
	if scaled < 0 {
		raw = 0
	} else if scaled > 0xFFFF {
		raw = 0xFFFF
	} else {
		raw = uint16(scaled)
	}
	page := [8]byte{pageTargetPower, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, byte(raw), byte(raw >> 8)}
	return b.sendPage(page)
}

func (b *AcknowledgedDataBackend) SetResistance(ctx context.Context, level uint8) error {
	l := level
	if l > 100 {
		l = 100
	}
	page := [8]byte{pageResistance, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, l * 2}
	return b.sendPage(page)
}

func (b *AcknowledgedDataBackend) SetSimulation(ctx context.Context, gradePercent, crr, cw float64) error {
	grade := clampInt(int(gradePercent*100), -20000, 20000)
	offset := uint16(grade + 20000)
	crrByte := clampInt(int(crr/5e-5), 0, 255)
	cwByte := clampInt(int(cw/0.01), 0, 255)
	page := [8]byte{pageSimulation, 0xFF, 0xFF, 0xFF, byte(offset), byte(offset >> 8), byte(crrByte), byte(cwByte)}
	return b.sendPage(page)
}

func (b *AcknowledgedDataBackend) Start(ctx context.Context) error {
	return ErrNotSupported
}

func (b *AcknowledgedDataBackend) Stop(ctx context.Context) error {
	return ErrNotSupported
}
