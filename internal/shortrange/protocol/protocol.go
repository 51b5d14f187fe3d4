// Package protocol implements the short-range channel command set: network
// key installation and the channel assign/open/close state machine, on top
// of the wire codec in package wire.
package protocol

import (
	"context"
	"fmt"
	"time"
)

// Message ids, per the dongle's command set. All are one byte.
const (
	MsgSystemReset             byte = 0x4A
	MsgSetNetworkKey           byte = 0x46
	MsgAssignChannel           byte = 0x42
	MsgSetChannelID            byte = 0x51
	MsgSetChannelPeriod        byte = 0x43
	MsgSetChannelFrequency     byte = 0x45
	MsgSetChannelSearchTimeout byte = 0x44
	MsgOpenChannel             byte = 0x4B
	MsgCloseChannel            byte = 0x4C
	MsgUnassignChannel         byte = 0x41
	MsgRequestMessage          byte = 0x4D
	MsgBroadcastData           byte = 0x4E
	MsgAcknowledgedData        byte = 0x4F
	MsgChannelResponse         byte = 0x40
	MsgChannelID               byte = 0x51
)

const (
	ChannelTypeSlave   byte = 0x00
	EventChannelClosed byte = 0x07
	ResponseNoError    byte = 0x00
	NetworkNumber      byte = 0x00
	ScanRFFrequency    byte = 57
	ScanSearchTimeout  byte = 12
)

// NetworkKey is the fixed 8-byte vendor ANT+ network key installed on
// network 0 during initialization.
var NetworkKey = [8]byte{0xB9, 0xA5, 0x21, 0xFB, 0xBD, 0x72, 0xC3, 0x45}

// Profile describes one sensor family: its device-type id and the channel
// message period used once a device is connected on it.
type Profile struct {
	Name           string
	DeviceTypeID   byte
	ChannelPeriod  uint16
}

var (
	ProfileHeartRate = Profile{Name: "heart_rate", DeviceTypeID: 120, ChannelPeriod: 8070}
	ProfilePower     = Profile{Name: "power", DeviceTypeID: 11, ChannelPeriod: 8182}
	ProfileCadence   = Profile{Name: "cadence", DeviceTypeID: 122, ChannelPeriod: 8102}
	ProfileSpeed     = Profile{Name: "speed", DeviceTypeID: 123, ChannelPeriod: 8118}
	ProfileTrainer   = Profile{Name: "trainer", DeviceTypeID: 17, ChannelPeriod: 8192}
)

// Profiles lists every scannable profile in reserved-channel order.
var Profiles = []Profile{ProfileHeartRate, ProfilePower, ProfileCadence, ProfileSpeed, ProfileTrainer}

// Sender writes one command frame. It is satisfied by the manager's router.
type Sender interface {
	Send(msgID byte, data []byte) error
}

// ResponseWaiter blocks until a CHANNEL_RESPONSE frame addressed to channel
// and referencing subMsgID arrives on the response queue, or ctx expires.
// It returns the response's result byte.
type ResponseWaiter interface {
	WaitChannelResponse(ctx context.Context, channel byte, subMsgID byte) (result byte, err error)
	WaitChannelClosedEvent(ctx context.Context, channel byte) error
	DrainChannelResponses(channel byte)
}

const responseTimeout = 5 * time.Second

func le16(v uint16) [2]byte {
	return [2]byte{byte(v), byte(v >> 8)}
}

// Init runs the pre-router initialization sequence: reset, drain, install
// the network key, and wait for its channel response.
func Init(ctx context.Context, s Sender, w ResponseWaiter) error {
	if err := s.Send(MsgSystemReset, []byte{0}); err != nil {
		return fmt.Errorf("system reset: %w", err)
	}
	time.Sleep(500 * time.Millisecond)
	w.DrainChannelResponses(0xFF) // 0xFF: drain regardless of channel

	payload := append([]byte{NetworkNumber}, NetworkKey[:]...)
	if err := s.Send(MsgSetNetworkKey, payload); err != nil {
		return fmt.Errorf("set network key: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()
	result, err := w.WaitChannelResponse(cctx, NetworkNumber, MsgSetNetworkKey)
	if err != nil {
		return fmt.Errorf("network key response: %w", err)
	}
	if result != ResponseNoError {
		return fmt.Errorf("network key rejected: result=0x%02x", result)
	}
	return nil
}

// step sends a command and waits for its channel response, failing fast.
func step(ctx context.Context, s Sender, w ResponseWaiter, channel byte, msgID byte, data []byte) error {
	if err := s.Send(msgID, data); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()
	result, err := w.WaitChannelResponse(cctx, channel, msgID)
	if err != nil {
		return fmt.Errorf("channel %d cmd 0x%02x: %w", channel, msgID, err)
	}
	if result != ResponseNoError {
		return fmt.Errorf("channel %d cmd 0x%02x rejected: result=0x%02x", channel, msgID, result)
	}
	return nil
}

// OpenChannelParams carries everything the open sequence needs.
type OpenChannelParams struct {
	Channel          byte
	DeviceNumber     uint16
	DeviceTypeID     byte
	TransmissionType byte
	ChannelPeriod    uint16
}

// OpenChannel runs the fixed-order assign/configure/open sequence, each
// step blocking on its CHANNEL_RESPONSE. If ASSIGN is rejected (stale
// leftover state from a previous run), it recovers by closing, draining,
// unassigning, draining again, and retrying ASSIGN once.
func OpenChannel(ctx context.Context, s Sender, w ResponseWaiter, p OpenChannelParams) error {
	assign := func() error {
		return step(ctx, s, w, p.Channel, MsgAssignChannel, []byte{p.Channel, ChannelTypeSlave, NetworkNumber})
	}

	if err := assign(); err != nil {
		// Recovery: close, drain, unassign, drain, retry once.
		_ = s.Send(MsgCloseChannel, []byte{p.Channel})
		w.DrainChannelResponses(p.Channel)
		_ = s.Send(MsgUnassignChannel, []byte{p.Channel})
		w.DrainChannelResponses(p.Channel)
		if retryErr := assign(); retryErr != nil {
			return fmt.Errorf("assign channel %d: %w", p.Channel, err)
		}
	}

	idPayload := make([]byte, 0, 5)
	idPayload = append(idPayload, p.Channel)
	deviceNumLE := le16(p.DeviceNumber)
	idPayload = append(idPayload, deviceNumLE[0], deviceNumLE[1], p.DeviceTypeID, p.TransmissionType)
	if err := step(ctx, s, w, p.Channel, MsgSetChannelID, idPayload); err != nil {
		return err
	}

	periodLE := le16(p.ChannelPeriod)
	if err := step(ctx, s, w, p.Channel, MsgSetChannelPeriod, []byte{p.Channel, periodLE[0], periodLE[1]}); err != nil {
		return err
	}

	if err := step(ctx, s, w, p.Channel, MsgSetChannelFrequency, []byte{p.Channel, ScanRFFrequency}); err != nil {
		return err
	}

	if err := step(ctx, s, w, p.Channel, MsgSetChannelSearchTimeout, []byte{p.Channel, ScanSearchTimeout}); err != nil {
		return err
	}

	if err := step(ctx, s, w, p.Channel, MsgOpenChannel, []byte{p.Channel}); err != nil {
		return err
	}

	return nil
}

// CloseChannel sends CLOSE, waits best-effort up to 2s for the channel's
// CHANNEL_CLOSED event, then UNASSIGN and waits for its response.
func CloseChannel(ctx context.Context, s Sender, w ResponseWaiter, channel byte) error {
	if err := s.Send(MsgCloseChannel, []byte{channel}); err != nil {
		return fmt.Errorf("close channel %d: %w", channel, err)
	}
	closedCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = w.WaitChannelClosedEvent(closedCtx, channel) // best-effort
	cancel()

	return step(ctx, s, w, channel, MsgUnassignChannel, []byte{channel})
}

// SendAcknowledged wraps an 8-byte page in ACKNOWLEDGED_DATA(channel, page).
func SendAcknowledged(s Sender, channel byte, page [8]byte) error {
	payload := append([]byte{channel}, page[:]...)
	return s.Send(MsgAcknowledgedData, payload)
}

// RequestDeviceID sends REQUEST_MESSAGE(channel, CHANNEL_ID) used during
// scan to pull the device id off a reserved channel that has heard a
// broadcast.
func RequestDeviceID(s Sender, channel byte) error {
	return s.Send(MsgRequestMessage, []byte{channel, MsgChannelID})
}

// OpenScanChannel opens a reserved channel with a wildcard device number
// and transmission type, used during Scan.
func OpenScanChannel(ctx context.Context, s Sender, w ResponseWaiter, channel byte, p Profile) error {
	return OpenChannel(ctx, s, w, OpenChannelParams{
		Channel:          channel,
		DeviceNumber:     0,
		DeviceTypeID:     p.DeviceTypeID,
		TransmissionType: 0,
		ChannelPeriod:    p.ChannelPeriod,
	})
}
