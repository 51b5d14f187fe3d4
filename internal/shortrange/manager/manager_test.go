package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/reading"
	"telemetryd/internal/shortrange/decode"
	"telemetryd/internal/shortrange/protocol"
	"telemetryd/internal/shortrange/wire"
)

func newTestManager() *Manager {
	return New(nil, func() reading.PrimaryMap { return nil }, broadcast.NewHub())
}

func TestParseDeviceNumber(t *testing.T) {
	n, ok := ParseDeviceNumber("ant:17:1234")
	require.True(t, ok)
	assert.EqualValues(t, 1234, n)

	_, ok = ParseDeviceNumber("aa:bb:cc:dd:ee:ff")
	assert.False(t, ok)
	_, ok = ParseDeviceNumber("ant:17")
	assert.False(t, ok)
	_, ok = ParseDeviceNumber("ant:17:70000") // exceeds uint16
	assert.False(t, ok)
}

func TestRouteFrameDispatchesBroadcastToPipe(t *testing.T) {
	m := newTestManager()
	pipe := make(chan decode.Page, 1)
	m.dispatch[3] = pipe

	data := append([]byte{3}, []byte{0x10, 1, 2, 3, 4, 5, 6, 7}...)
	m.routeFrame(wire.Frame{MsgID: protocol.MsgBroadcastData, Data: data})

	select {
	case page := <-pipe:
		assert.Equal(t, decode.Page{0x10, 1, 2, 3, 4, 5, 6, 7}, page)
	default:
		t.Fatal("broadcast page was not dispatched to the channel pipe")
	}
}

func TestRouteFrameDropsBroadcastWhenPipeFull(t *testing.T) {
	m := newTestManager()
	pipe := make(chan decode.Page, 1)
	m.dispatch[3] = pipe
	pipe <- decode.Page{}

	data := append([]byte{3}, make([]byte, 8)...)
	m.routeFrame(wire.Frame{MsgID: protocol.MsgBroadcastData, Data: data})
	assert.Len(t, pipe, 1)
}

func TestRouteFrameQueuesChannelResponses(t *testing.T) {
	m := newTestManager()
	m.routeFrame(wire.Frame{MsgID: protocol.MsgChannelResponse, Data: []byte{2, protocol.MsgOpenChannel, protocol.ResponseNoError}})

	result, err := m.WaitChannelResponse(context.Background(), 2, protocol.MsgOpenChannel)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResponseNoError, result)
}

func TestResponseQueueTrimmedToCap(t *testing.T) {
	m := newTestManager()
	for i := 0; i < responseQueueCap+50; i++ {
		m.routeFrame(wire.Frame{MsgID: protocol.MsgChannelResponse, Data: []byte{byte(i % 8), protocol.MsgOpenChannel, 0}})
	}
	m.respMu.Lock()
	defer m.respMu.Unlock()
	assert.Len(t, m.respQ, responseQueueCap)
}

func TestWaitChannelResponseRemovesOnlyTheMatch(t *testing.T) {
	m := newTestManager()
	m.routeFrame(wire.Frame{MsgID: protocol.MsgChannelResponse, Data: []byte{1, protocol.MsgAssignChannel, 0}})
	m.routeFrame(wire.Frame{MsgID: protocol.MsgChannelResponse, Data: []byte{2, protocol.MsgAssignChannel, 0}})

	_, err := m.WaitChannelResponse(context.Background(), 2, protocol.MsgAssignChannel)
	require.NoError(t, err)

	// The channel-1 response is still queued.
	_, err = m.WaitChannelResponse(context.Background(), 1, protocol.MsgAssignChannel)
	require.NoError(t, err)
}

func TestWaitChannelResponseHonorsContext(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.WaitChannelResponse(ctx, 1, protocol.MsgAssignChannel)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrainChannelResponsesKeepsOtherChannels(t *testing.T) {
	m := newTestManager()
	m.routeFrame(wire.Frame{MsgID: protocol.MsgChannelResponse, Data: []byte{1, protocol.MsgAssignChannel, 0}})
	m.routeFrame(wire.Frame{MsgID: protocol.MsgChannelResponse, Data: []byte{2, protocol.MsgAssignChannel, 0}})

	m.DrainChannelResponses(1)

	m.respMu.Lock()
	defer m.respMu.Unlock()
	require.Len(t, m.respQ, 1)
	assert.Equal(t, byte(2), m.respQ[0].channel)
}

func TestOnChannelIDMergesAcrossScans(t *testing.T) {
	m := newTestManager()
	m.onChannelID(protocol.ProfilePower, 1234)
	m.onChannelID(protocol.ProfilePower, 0) // wildcard response, ignored

	m.discoveredMu.Lock()
	defer m.discoveredMu.Unlock()
	require.Len(t, m.discovered, 1)
	d := m.discovered["ant:11:1234"]
	assert.Equal(t, reading.Power, d.DeviceType)
	assert.True(t, d.InRange)
	require.NotNil(t, d.LastSeen)
}

func TestFreeChannelSkipsReservedAndTaken(t *testing.T) {
	slots := map[byte]*channelSlot{}
	ch, ok := freeChannel(slots)
	require.True(t, ok)
	assert.Equal(t, byte(reservedChannels), ch)

	for c := byte(reservedChannels); c < totalChannels; c++ {
		slots[c] = &channelSlot{}
	}
	_, ok = freeChannel(slots)
	assert.False(t, ok)
}

func TestLastSeenUnknownDevice(t *testing.T) {
	m := newTestManager()
	_, ok := m.LastSeen("ant:120:9")
	assert.False(t, ok)

	m.recordLastSeen("ant:120:9")
	elapsed, ok := m.LastSeen("ant:120:9")
	require.True(t, ok)
	assert.Less(t, elapsed, time.Second)
}

func TestListenPublishesAndCountsReadings(t *testing.T) {
	hub := broadcast.NewHub()
	sub := hub.Subscribe()
	defer sub.Close()

	m := New(nil, func() reading.PrimaryMap { return nil }, hub)
	slot := &channelSlot{
		profile:  protocol.ProfileHeartRate,
		deviceID: "ant:120:9",
		pipe:     make(chan decode.Page, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.listen(slot)

	slot.pipe <- decode.Page{0, 0, 0, 0, 0, 0, 0, 142}
	select {
	case r := <-sub.C():
		assert.EqualValues(t, 142, r.BPM)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published reading")
	}

	close(slot.stop)
	<-slot.done
	assert.EqualValues(t, 1, m.ReadingCount())

	// The listener also stamped the last-seen table.
	_, seen := m.LastSeen("ant:120:9")
	assert.True(t, seen)
}

func TestMetadataAccumulatesAcrossPages(t *testing.T) {
	m := newTestManager()
	hw := uint8(3)
	m.updateMetadata("ant:120:9", decode.MetadataUpdate{HWRevision: &hw})
	sw := "5.1"
	m.updateMetadata("ant:120:9", decode.MetadataUpdate{SWRevision: &sw})

	md, ok := m.Metadata("ant:120:9")
	require.True(t, ok)
	require.NotNil(t, md.HWRevision)
	assert.EqualValues(t, 3, *md.HWRevision)
	require.NotNil(t, md.SWRevision)
	assert.Equal(t, "5.1", *md.SWRevision)
}

func TestProfileAndNumberFromID(t *testing.T) {
	p, n, ok := profileAndNumberFromID("ant:120:42")
	require.True(t, ok)
	assert.Equal(t, protocol.ProfileHeartRate.Name, p.Name)
	assert.EqualValues(t, 42, n)

	_, _, ok = profileAndNumberFromID("ant:99:42") // unknown device type id
	assert.False(t, ok)
}
