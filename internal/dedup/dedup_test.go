package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetryd/internal/reading"
)

func strp(s string) *string { return &s }

func TestGroupIDDeterministicRegardlessOfOrder(t *testing.T) {
	assert.Equal(t, GroupID("a", "b"), GroupID("b", "a"))
}

func TestMatchSerialMatch(t *testing.T) {
	a := reading.DeviceInfo{
		ID: "ble-abc", DeviceType: reading.FitnessTrainer, Transport: reading.LowEnergy,
		Manufacturer: strp("Wahoo Fitness"), SerialNumber: strp("12345"),
	}
	b := reading.DeviceInfo{
		ID: "ant:17:1234", DeviceType: reading.FitnessTrainer, Transport: reading.ShortRange,
		Manufacturer: strp("Wahoo Fitness"), SerialNumber: strp("12345"),
	}

	groups := Match([]reading.DeviceInfo{a, b})
	require.Contains(t, groups, a.ID)
	require.Contains(t, groups, b.ID)
	assert.Equal(t, groups[a.ID], groups[b.ID])
}

func TestMatchNameNumberMatch(t *testing.T) {
	name := "KICKR 1234"
	a := reading.DeviceInfo{
		ID: "ble-xyz", DeviceType: reading.FitnessTrainer, Transport: reading.LowEnergy,
		Name: &name,
	}
	b := reading.DeviceInfo{
		ID: "ant:17:1234", DeviceType: reading.FitnessTrainer, Transport: reading.ShortRange,
	}

	groups := Match([]reading.DeviceInfo{a, b})
	assert.Equal(t, groups[a.ID], groups[b.ID])
}

func TestMatchSkipsDifferentDeviceType(t *testing.T) {
	a := reading.DeviceInfo{ID: "ble-1", DeviceType: reading.HeartRate, Transport: reading.LowEnergy, SerialNumber: strp("1")}
	b := reading.DeviceInfo{ID: "ant:11:1", DeviceType: reading.Power, Transport: reading.ShortRange, SerialNumber: strp("1")}
	groups := Match([]reading.DeviceInfo{a, b})
	assert.Empty(t, groups)
}
