package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSystemReset(t *testing.T) {
	got := Encode(0x4A, []byte{0x00})
	assert.Equal(t, []byte{0xA4, 0x01, 0x4A, 0x00, 0xEF}, got)
}

func TestChecksumAlwaysZero(t *testing.T) {
	frame := Encode(0x4A, []byte{0x00})
	assert.Equal(t, byte(0), Checksum(frame))
}

func TestDecodeRoundTrip(t *testing.T) {
	encoded := Encode(0x4A, []byte{0x00})
	frames, consumed := Decode(encoded)
	require.Len(t, frames, 1)
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, byte(0x4A), frames[0].MsgID)
	assert.Equal(t, []byte{0x00}, frames[0].Data)
}

func TestDecodeMultipleConcatenatedFrames(t *testing.T) {
	a := Encode(0x4A, []byte{0x00})
	b := Encode(0x42, []byte{0x00, 0x00, 0x00})
	buf := append(append([]byte{}, a...), b...)

	frames, consumed := Decode(buf)
	require.Len(t, frames, 2)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, byte(0x4A), frames[0].MsgID)
	assert.Equal(t, byte(0x42), frames[1].MsgID)
}

func TestDecodeStopsOnPartialFrame(t *testing.T) {
	full := Encode(0x4A, []byte{0x00})
	partial := full[:3]
	buf := append(append([]byte{}, full...), partial...)

	frames, consumed := Decode(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, len(full), consumed)
}

func TestDecodeSkipsCorruptFrame(t *testing.T) {
	good := Encode(0x4A, []byte{0x00})
	corrupt := append([]byte{}, good...)
	corrupt[len(corrupt)-1] ^= 0xFF // break the checksum
	after := Encode(0x42, []byte{0x01})

	buf := append(append(append([]byte{}, corrupt...), after...))
	frames, consumed := Decode(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, byte(0x42), frames[0].MsgID)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeEmpty(t *testing.T) {
	frames, consumed := Decode(nil)
	assert.Nil(t, frames)
	assert.Equal(t, 0, consumed)
}
