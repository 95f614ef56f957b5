package tracker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectedElsewhereError(t *testing.T) {
	err := NewConnectedElsewhereError("AT-01")
	assert.Equal(t, "Disconnect \"AT-01\" before you try to connect to another device.", err.Error())
	assert.ErrorIs(t, err, ErrConnectedElsewhere)
	assert.NotErrorIs(t, err, ErrConnectionTimeout)

	assert.Equal(t, ErrConnectedElsewhere, NewConnectedElsewhereError(""))
}

func TestConnectFailedError(t *testing.T) {
	cause := errors.New("hci: page timeout")
	err := fmt.Errorf("connecting: %w", NewConnectFailedError(cause))

	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, cause)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, FailureRadio, cerr.Failure)
}

func TestTransportError(t *testing.T) {
	err := &TransportError{Op: "write", Err: ErrCharacteristicNotOffered}
	assert.Equal(t, "write failed: characteristic not offered", err.Error())
	assert.ErrorIs(t, err, ErrCharacteristicNotOffered)
}

func TestConfigurationSensor(t *testing.T) {
	cfg := Configuration{Sensors: []SensorDefinition{
		{Name: "EDA", Unit: "µS", Code: 0x03},
		{Name: "Heartrate", Unit: "BPM", Code: 0x04},
	}}

	s, ok := cfg.Sensor(0x04)
	require.True(t, ok)
	assert.Equal(t, "Heartrate", s.Name)

	_, ok = cfg.Sensor(0xFF)
	assert.False(t, ok)
}
