package parser

import (
	"math"
	"math/rand"
	"testing"

	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSensors = []tracker.SensorDefinition{
	{Name: "EDA", Unit: "µS", Description: "Conductance", Code: 0x03},
	{Name: "Heartrate", Unit: "BPM", Description: "Heartrate", Code: 0x04},
	{Name: "Room Temperature", Unit: "°C", Description: "Temperature", Code: 0x01},
	{Name: "Acceleration", Unit: "g", Description: "g-Force", Code: 0x02},
}

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := New(testSensors)
	require.NoError(t, err)
	return p
}

func TestParseValidPacket(t *testing.T) {
	p := newTestParser(t)

	data := []byte{
		0x01, 0x00, 0x00, 0x00, // sequence
		testSensors[0].Code,    // sensor code
		0x01, 0x02, 0x00, 0x00, // magnitude 513
		0x02,                   // exponent
		0x01, 0x00, 0x00, 0x00, // relative time
	}

	sensor, reading, err := p.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, testSensors[0], sensor)
	assert.InDelta(t, 5.13, reading.Value, 1e-3)
	assert.Equal(t, uint32(1), reading.Sequence)
	assert.Equal(t, uint32(1), reading.RelativeTime)
	assert.Equal(t, testSensors[0].Code, reading.Code)
}

func TestParseUnknownSensor(t *testing.T) {
	p := newTestParser(t)

	data := []byte{
		0x01, 0x00, 0x00, 0x00,
		0xFF,
		0x01, 0x02, 0x00, 0x00,
		0x02,
		0x01, 0x00, 0x00, 0x00,
	}

	_, _, err := p.Parse(data)
	var uerr *tracker.UnknownSensorError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, byte(0xFF), uerr.Code)
}

func TestParseShortPacket(t *testing.T) {
	p := newTestParser(t)

	for _, n := range []int{0, 1, PacketSize - 1} {
		_, _, err := p.Parse(make([]byte, n))
		assert.ErrorIs(t, err, tracker.ErrShortPacket, "length %d", n)
	}

	// Trailing bytes are ignored
	data := append(make([]byte, PacketSize), 0xAA, 0xBB)
	data[sensorCodeOffset] = 0x04
	_, _, err := p.Parse(data)
	assert.NoError(t, err)
}

func TestParseDecodesValue(t *testing.T) {
	p := newTestParser(t)
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		pkt := Packet{
			Sequence:     rnd.Uint32(),
			SensorCode:   testSensors[rnd.Intn(len(testSensors))].Code,
			Magnitude:    uint32(rnd.Intn(1 << 20)),
			Exponent:     uint8(rnd.Intn(7)),
			RelativeTime: rnd.Uint32(),
		}
		data, err := pkt.MarshalBinary()
		require.NoError(t, err)

		sensor, reading, err := p.Parse(data)
		require.NoError(t, err)
		assert.Equal(t, pkt.SensorCode, sensor.Code)
		assert.InDelta(t, float64(pkt.Magnitude)*math.Pow(10, -float64(pkt.Exponent)), reading.Value, 1e-3)
		assert.Equal(t, pkt.RelativeTime, reading.RelativeTime)
		assert.Equal(t, pkt.Sequence, reading.Sequence)
	}
}

func TestNewRejectsDuplicateCodes(t *testing.T) {
	_, err := New([]tracker.SensorDefinition{
		{Name: "EDA", Code: 0x03},
		{Name: "Other", Code: 0x03},
	})
	assert.Error(t, err)
}

func TestSensorsKeepsOrder(t *testing.T) {
	p := newTestParser(t)
	assert.Equal(t, testSensors, p.Sensors())
}
