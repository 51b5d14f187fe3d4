package primary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/reading"
)

func TestSetIfEmptyOnlySetsOnce(t *testing.T) {
	r := NewRegistry()
	r.SetIfEmpty(reading.Power, "dev-1")
	r.SetIfEmpty(reading.Power, "dev-2")

	v, ok := r.Get(reading.Power)
	require.True(t, ok)
	assert.Equal(t, "dev-1", v)
}

func TestSetOverridesExisting(t *testing.T) {
	r := NewRegistry()
	r.SetIfEmpty(reading.Power, "dev-1")
	r.Set(reading.Power, "dev-2")

	v, ok := r.Get(reading.Power)
	require.True(t, ok)
	assert.Equal(t, "dev-2", v)
}

func TestClearDeviceRemovesEveryMatchingEntry(t *testing.T) {
	r := NewRegistry()
	r.Set(reading.Power, "dev-1")
	r.Set(reading.CadenceSpeed, "dev-1")
	r.Set(reading.HeartRate, "dev-2")

	r.ClearDevice("dev-1")

	_, ok := r.Get(reading.Power)
	assert.False(t, ok)
	_, ok = r.Get(reading.CadenceSpeed)
	assert.False(t, ok)
	v, ok := r.Get(reading.HeartRate)
	require.True(t, ok)
	assert.Equal(t, "dev-2", v)
}

func TestIngressDropsDominatedReadings(t *testing.T) {
	hub := broadcast.NewHub()
	reg := NewRegistry()
	reg.Set(reading.Power, "primary-device")

	var received []reading.Reading
	done := make(chan struct{}, 2)
	ig := NewIngress(hub, reg, func(r reading.Reading) {
		received = append(received, r)
		done <- struct{}{}
	})
	ig.Start()
	defer ig.Stop()

	hub.Publish(reading.Reading{Kind: reading.KindPower, DeviceID: "other-device", Watts: 100})
	hub.Publish(reading.Reading{Kind: reading.KindPower, DeviceID: "primary-device", Watts: 200})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for non-dominated reading")
	}

	require.Len(t, received, 1)
	assert.Equal(t, "primary-device", received[0].DeviceID)
	assert.Equal(t, int32(200), received[0].Watts)
}
