package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetryd/internal/reading"
)

type fakeConnector struct {
	connectErr  error
	connected   []string
	leConnected bool
	primarySet  map[reading.DeviceType]string
}

func (f *fakeConnector) ConnectedIDs() []string                             { return f.connected }
func (f *fakeConnector) IsLowEnergyConnected(id string) bool                { return f.leConnected }
func (f *fakeConnector) ShortRangeLastSeen(id string) (time.Duration, bool) { return 0, false }
func (f *fakeConnector) Device(id string) (reading.DeviceInfo, bool) {
	return reading.DeviceInfo{ID: id, DeviceType: reading.HeartRate}, true
}
func (f *fakeConnector) Drop(id string) {}
func (f *fakeConnector) Connect(ctx context.Context, id string) (reading.DeviceInfo, error) {
	return reading.DeviceInfo{}, f.connectErr
}
func (f *fakeConnector) SetPrimaryIfEmpty(dt reading.DeviceType, id string) {
	if f.primarySet == nil {
		f.primarySet = map[reading.DeviceType]string{}
	}
	f.primarySet[dt] = id
}

func TestReconnectBackoffSequence(t *testing.T) {
	conn := &fakeConnector{connectErr: assertErr{}}
	w := New(conn)

	t0 := time.Unix(1_700_000_000, 0)
	w.register("dev-1", reading.DeviceInfo{ID: "dev-1", DeviceType: reading.HeartRate}, t0)

	var seen []time.Duration
	ticks := []time.Time{
		t0.Add(2 * time.Second),
		t0.Add(6 * time.Second),
		t0.Add(14 * time.Second),
		t0.Add(30 * time.Second),
		t0.Add(60 * time.Second),
	}
	for _, now := range ticks {
		w.retryDue(context.Background(), now)
		e := w.entries["dev-1"]
		require.NotNil(t, e)
		seen = append(seen, e.backoff)
	}

	assert.Equal(t, []time.Duration{
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}, seen)
}

type assertErr struct{}

func (assertErr) Error() string { return "connect failed" }

func TestRegisterIsNoOpWhenAlreadyPresent(t *testing.T) {
	conn := &fakeConnector{}
	w := New(conn)
	t0 := time.Now()
	w.register("dev-1", reading.DeviceInfo{ID: "dev-1", DeviceType: reading.Power}, t0)
	first := *w.entries["dev-1"]
	w.register("dev-1", reading.DeviceInfo{ID: "dev-1", DeviceType: reading.Power}, t0.Add(time.Hour))
	assert.Equal(t, first, *w.entries["dev-1"])
}

func TestRetrySucceedsRemovesEntryAndSetsPrimary(t *testing.T) {
	conn := &fakeConnector{connectErr: nil}
	w := New(conn)
	t0 := time.Now()
	w.register("dev-1", reading.DeviceInfo{ID: "dev-1", DeviceType: reading.HeartRate}, t0)
	w.retryDue(context.Background(), t0.Add(2*time.Second))
	_, stillPresent := w.entries["dev-1"]
	assert.False(t, stillPresent)
	assert.Equal(t, "dev-1", conn.primarySet[reading.HeartRate])
}

func TestTickEmitsLifecycleEvents(t *testing.T) {
	conn := &fakeConnector{connected: []string{"ble-1"}}
	w := New(conn)
	var events []Event
	w.OnEvent(func(e Event) { events = append(events, e) })

	t0 := time.Now()
	w.tick(context.Background(), t0) // ble-1 reads as dropped, registered
	conn.connected = nil
	w.tick(context.Background(), t0.Add(3*time.Second)) // due retry succeeds

	require.Len(t, events, 3)
	assert.Equal(t, EventDisconnected, events[0].Kind)
	assert.Equal(t, "ble-1", events[0].DeviceID)
	assert.Equal(t, EventReconnecting, events[1].Kind)
	assert.Equal(t, 1, events[1].Attempt)
	assert.Equal(t, EventReconnected, events[2].Kind)
}

func TestGracePeriodForNeverSeenShortRangeDevice(t *testing.T) {
	conn := &fakeConnector{connected: []string{"ant:11:1"}}
	w := New(conn)
	assert.False(t, w.isDropped("ant:11:1"))
}
