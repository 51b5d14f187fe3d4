package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetryd/internal/reading"
)

func strp(s string) *string { return &s }
func i64p(v int64) *int64   { return &v }

func TestUpsertCoalesceDoesNotClobberWithNil(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertKnownDevicesBatch(ctx, []reading.DeviceInfo{
		{ID: "d1", Name: strp("Wahoo"), SerialNumber: strp("123"), LastSeen: i64p(10)},
	}))
	require.NoError(t, s.UpsertKnownDevicesBatch(ctx, []reading.DeviceInfo{
		{ID: "d1", LastSeen: i64p(20)},
	}))

	devs, err := s.ListKnownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "Wahoo", *devs[0].Name)
	assert.Equal(t, "123", *devs[0].SerialNumber)
	assert.EqualValues(t, 20, *devs[0].LastSeen)
}

func TestLoadSensorReadingsLegacyFallback(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.sessions["ab12-34"] = [][]byte{
		[]byte(`{"kind":0,"device_id":"ant:11:1","timestamp_ms":1000,"watts":200,"pedal_balance":true}`),
	}

	out, err := s.LoadSensorReadings(ctx, "ab12-34")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].PedalBalance)
	assert.EqualValues(t, 200, out[0].Watts)
}

func TestRecordAndLoadRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	var bal uint8 = 52
	require.NoError(t, s.RecordSensorReadings(ctx, "ab12-35", []reading.Reading{
		{Kind: reading.KindPower, DeviceID: "ant:11:1", TimestampMs: 1000, Watts: 150, PedalBalance: &bal},
	}))

	out, err := s.LoadSensorReadings(ctx, "ab12-35")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].PedalBalance)
	assert.EqualValues(t, 52, *out[0].PedalBalance)
}

func TestClearDeviceGroup(t *testing.T) {
	s := New()
	ctx := context.Background()
	grp := "group-1"
	require.NoError(t, s.UpsertKnownDevicesBatch(ctx, []reading.DeviceInfo{{ID: "d1", DeviceGroup: &grp}}))
	require.NoError(t, s.ClearDeviceGroup(ctx, "d1"))

	devs, err := s.ListKnownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Nil(t, devs[0].DeviceGroup)
}
