package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseMs(t *testing.T) {
	t.Run("parses every unit", func(t *testing.T) {
		assert.Equal(t, int64(0), ParseMs("0s"))
		assert.Equal(t, int64(10000), ParseMs("10s"))
		assert.Equal(t, int64(300000), ParseMs("5m"))
		assert.Equal(t, int64(7200000), ParseMs("2h"))
		assert.Equal(t, int64(86400000), ParseMs("1d"))
	})

	t.Run("returns zero for anything else", func(t *testing.T) {
		for _, bad := range []string{"", "5", "m5", "5 m", "5M", "5ms", "-5m", "1.5h", "1w", "abc"} {
			assert.Equal(t, int64(0), ParseMs(bad), "input %q", bad)
		}
	})
}

func TestParse(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Parse("5m"))
	assert.Equal(t, time.Duration(0), Parse("bogus"))
}
