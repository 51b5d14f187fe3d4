package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"telemetryd/internal/reading"
	srmanager "telemetryd/internal/shortrange/manager"
)

func TestIsShortRange(t *testing.T) {
	assert.True(t, isShortRange("ant:11:1234"))
	assert.False(t, isShortRange("aa:bb:cc:dd:ee:ff"))
}

func TestAnnotateFromMetadataFillsOnlyMissingFields(t *testing.T) {
	existingName := "already set"
	d := reading.DeviceInfo{ID: "ant:17:1", Manufacturer: &existingName}

	mfrID := uint16(32)
	model := uint16(10)
	serial := uint32(998877)
	battery := uint8(77)
	annotateFromMetadata(&d, srmanager.Metadata{
		ManufacturerID: &mfrID,
		ModelNumber:    &model,
		SerialNumber:   &serial,
		BatteryLevel:   &battery,
	})

	assert.Equal(t, "already set", *d.Manufacturer)
	assert.Equal(t, "10", *d.ModelNumber)
	assert.Equal(t, "998877", *d.SerialNumber)
	assert.EqualValues(t, 77, *d.BatteryLevel)
}
