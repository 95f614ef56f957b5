package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	for in, out := range map[string]string{
		"6E400001-B5A3-F393-E0A9-E50E24DCCA9E":   "6e400001b5a3f393e0a9e50e24dcca9e",
		"{6e400001-b5a3-f393-e0a9-e50e24dcca9e}": "6e400001b5a3f393e0a9e50e24dcca9e",
		"FFE0":                                   "ffe0",
		"":                                       "",
	} {
		assert.Equal(t, out, NormalizeUUID(in))
	}

	assert.True(t, EqualUUID("6E400002-B5A3-F393-E0A9-E50E24DCCA9E", "6e400002b5a3f393e0a9e50e24dcca9e"))
	assert.False(t, EqualUUID("6E400002-B5A3-F393-E0A9-E50E24DCCA9E", "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"))
}

func TestPowerStateString(t *testing.T) {
	assert.Equal(t, "on", PowerOn.String())
	assert.Equal(t, "off", PowerOff.String())
	assert.Equal(t, "unsupported", PowerUnsupported.String())
	assert.Equal(t, "unsupported", PowerState(42).String())
}
