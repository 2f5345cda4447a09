package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame assembles a minimal CoAP POST with Uri-Path options and a
// payload.
func buildFrame(segments []string, payload []byte) []byte {
	frame := []byte{0x40, coapCodePOST, 0x12, 0x34}
	prev := 0
	for _, seg := range segments {
		delta := coapOptionURIPath - prev
		prev = coapOptionURIPath
		if delta < 13 && len(seg) < 13 {
			frame = append(frame, byte(delta<<4|len(seg)))
		} else {
			frame = append(frame, byte(delta<<4|13), byte(len(seg)-13))
		}
		frame = append(frame, []byte(seg)...)
	}
	if len(payload) > 0 {
		frame = append(frame, 0xFF)
		frame = append(frame, payload...)
	}
	return frame
}

func TestParseFrame(t *testing.T) {
	t.Run("uri path and payload", func(t *testing.T) {
		frame := buildFrame([]string{"devices", "d1", "datastream"}, []byte(`{"value":"32"}`))
		pf, err := parseFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, byte(coapCodePOST), pf.code)
		assert.Equal(t, "devices/d1/datastream", pf.path)
		assert.Equal(t, `{"value":"32"}`, string(pf.payload))
	})

	t.Run("no payload", func(t *testing.T) {
		frame := buildFrame([]string{"devices", "d1", "status"}, nil)
		pf, err := parseFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, "devices/d1/status", pf.path)
		assert.Empty(t, pf.payload)
	})

	t.Run("rejects short frame", func(t *testing.T) {
		_, err := parseFrame([]byte{0x40, 0x02})
		assert.Error(t, err)
	})

	t.Run("rejects wrong version", func(t *testing.T) {
		_, err := parseFrame([]byte{0x80, 0x02, 0x00, 0x01})
		assert.Error(t, err)
	})
}
