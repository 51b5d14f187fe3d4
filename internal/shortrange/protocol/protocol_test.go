package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentCmd struct {
	msgID byte
	data  []byte
}

type fakeSender struct {
	sent []sentCmd
	fail map[byte]bool
}

func (f *fakeSender) Send(msgID byte, data []byte) error {
	f.sent = append(f.sent, sentCmd{msgID: msgID, data: append([]byte(nil), data...)})
	if f.fail[msgID] {
		return assertErr
	}
	return nil
}

var assertErr = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

type fakeWaiter struct {
	rejectFirstAssign bool
	assignCount       int
	drained           []byte
}

func (f *fakeWaiter) WaitChannelResponse(ctx context.Context, channel byte, subMsgID byte) (byte, error) {
	if subMsgID == MsgAssignChannel {
		f.assignCount++
		if f.rejectFirstAssign && f.assignCount == 1 {
			return 0x15, nil // some non-zero rejection code
		}
	}
	return ResponseNoError, nil
}

func (f *fakeWaiter) WaitChannelClosedEvent(ctx context.Context, channel byte) error {
	return nil
}

func (f *fakeWaiter) DrainChannelResponses(channel byte) {
	f.drained = append(f.drained, channel)
}

func TestOpenChannelFixedOrder(t *testing.T) {
	s := &fakeSender{}
	w := &fakeWaiter{}

	err := OpenChannel(context.Background(), s, w, OpenChannelParams{
		Channel: 3, DeviceNumber: 1234, DeviceTypeID: 17, TransmissionType: 5, ChannelPeriod: 8192,
	})
	require.NoError(t, err)

	require.Len(t, s.sent, 6)
	assert.Equal(t, MsgAssignChannel, s.sent[0].msgID)
	assert.Equal(t, MsgSetChannelID, s.sent[1].msgID)
	assert.Equal(t, MsgSetChannelPeriod, s.sent[2].msgID)
	assert.Equal(t, MsgSetChannelFrequency, s.sent[3].msgID)
	assert.Equal(t, MsgSetChannelSearchTimeout, s.sent[4].msgID)
	assert.Equal(t, MsgOpenChannel, s.sent[5].msgID)

	// device number little-endian at offset 1..2 of the SET_CHANNEL_ID payload
	idPayload := s.sent[1].data
	assert.Equal(t, byte(1234&0xFF), idPayload[1])
	assert.Equal(t, byte(1234>>8), idPayload[2])
	assert.Equal(t, byte(17), idPayload[3])
	assert.Equal(t, byte(5), idPayload[4])
}

func TestOpenChannelRecoversFromRejectedAssign(t *testing.T) {
	s := &fakeSender{}
	w := &fakeWaiter{rejectFirstAssign: true}

	err := OpenChannel(context.Background(), s, w, OpenChannelParams{
		Channel: 2, DeviceNumber: 1, DeviceTypeID: 120, TransmissionType: 0, ChannelPeriod: 8070,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, w.assignCount)
	// recovery sent CLOSE then UNASSIGN before the retried ASSIGN
	require.GreaterOrEqual(t, len(s.sent), 4)
	assert.Equal(t, MsgCloseChannel, s.sent[1].msgID)
	assert.Equal(t, MsgUnassignChannel, s.sent[2].msgID)
	assert.Equal(t, MsgAssignChannel, s.sent[3].msgID)
	assert.Len(t, w.drained, 2)
}

func TestCloseChannelSendsCloseThenUnassign(t *testing.T) {
	s := &fakeSender{}
	w := &fakeWaiter{}

	err := CloseChannel(context.Background(), s, w, 4)
	require.NoError(t, err)
	require.Len(t, s.sent, 2)
	assert.Equal(t, MsgCloseChannel, s.sent[0].msgID)
	assert.Equal(t, MsgUnassignChannel, s.sent[1].msgID)
}

func TestSendAcknowledgedWrapsPage(t *testing.T) {
	s := &fakeSender{}
	page := [8]byte{0x31, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x20, 0x03}
	err := SendAcknowledged(s, 6, page)
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, MsgAcknowledgedData, s.sent[0].msgID)
	assert.Equal(t, byte(6), s.sent[0].data[0])
	assert.Equal(t, page[:], s.sent[0].data[1:])
}
