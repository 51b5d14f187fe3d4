package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseZoneBoundariesAscending(t *testing.T) {
	zones, err := ParseZoneBoundaries("120, 140,160,180")
	require.NoError(t, err)
	assert.Equal(t, []int{120, 140, 160, 180}, zones)
}

func TestParseZoneBoundariesRejectsEqual(t *testing.T) {
	_, err := ParseZoneBoundaries("120,140,140,180")
	assert.Error(t, err)
}

func TestParseZoneBoundariesRejectsDescending(t *testing.T) {
	_, err := ParseZoneBoundaries("120,110")
	assert.Error(t, err)
}

func TestParseZoneBoundariesRejectsNonNumeric(t *testing.T) {
	_, err := ParseZoneBoundaries("120,high,180")
	assert.Error(t, err)
}
